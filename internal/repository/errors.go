package repository

import "errors"

var ErrSessionNotFound = errors.New("session not found")

const maxHistoryLimit = 500
