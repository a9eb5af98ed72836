// Command devtoken prints a bearer token for local testing against the API.
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"medibuddy/internal/config"
	"medibuddy/internal/pkg/jwtutil"
)

func main() {
	userID := flag.String("user", "", "user id to put in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	token, err := jwtutil.GenerateToken(cfg.Auth.JWTSecret, *ttl, *userID)
	if err != nil {
		log.Fatalf("generate token failed: %v", err)
	}
	fmt.Println(token)
}
