package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PineconeConfig configures the Pinecone backend. When Host is empty the
// data-plane host is resolved (and the index created if missing) through the
// controller API.
type PineconeConfig struct {
	APIKey        string
	IndexName     string
	Host          string
	ControllerURL string
	Cloud         string
	Region        string
	Timeout       time.Duration
	// ReadyPollInterval and ReadyPollAttempts bound the wait for a newly
	// created index to report ready.
	ReadyPollInterval time.Duration
	ReadyPollAttempts int
}

type pineconeStatusError struct {
	method string
	path   string
	status int
	body   string
}

func (e *pineconeStatusError) Error() string {
	return fmt.Sprintf("pinecone request failed: method=%s path=%s status=%d body=%s", e.method, e.path, e.status, e.body)
}

type PineconeBackend struct {
	cfg    PineconeConfig
	client *http.Client
	logger *zap.Logger

	mu   sync.RWMutex
	host string
}

func NewPineconeBackend(cfg PineconeConfig, logger *zap.Logger) *PineconeBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ControllerURL == "" {
		cfg.ControllerURL = "https://api.pinecone.io"
	}
	if cfg.Cloud == "" {
		cfg.Cloud = "aws"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.ReadyPollInterval == 0 {
		cfg.ReadyPollInterval = 2 * time.Second
	}
	if cfg.ReadyPollAttempts <= 0 {
		cfg.ReadyPollAttempts = 30
	}
	return &PineconeBackend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "pinecone_backend")),
		host:   normalizeHost(cfg.Host),
	}
}

type pineconeIndexDescription struct {
	Name   string `json:"name"`
	Host   string `json:"host"`
	Status struct {
		Ready bool   `json:"ready"`
		State string `json:"state"`
	} `json:"status"`
}

// EnsureIndex resolves the data-plane host, creating a serverless cosine
// index of the given dimension when the controller reports it missing.
func (p *PineconeBackend) EnsureIndex(ctx context.Context, dimension int) error {
	p.mu.RLock()
	host := p.host
	p.mu.RUnlock()
	if host != "" {
		return nil
	}
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return errors.New("pinecone api_key is required")
	}
	if strings.TrimSpace(p.cfg.IndexName) == "" {
		return errors.New("pinecone index name is required when host is empty")
	}

	desc, err := p.describeIndex(ctx)
	var statusErr *pineconeStatusError
	if errors.As(err, &statusErr) && statusErr.status == http.StatusNotFound {
		if err := p.createIndex(ctx, dimension); err != nil {
			return err
		}
		desc, err = p.waitReady(ctx)
	}
	if err != nil {
		return err
	}
	if strings.TrimSpace(desc.Host) == "" {
		return fmt.Errorf("pinecone controller returned empty host for index %q", p.cfg.IndexName)
	}

	p.mu.Lock()
	p.host = normalizeHost(desc.Host)
	p.mu.Unlock()
	return nil
}

func (p *PineconeBackend) describeIndex(ctx context.Context) (*pineconeIndexDescription, error) {
	var desc pineconeIndexDescription
	path := "/indexes/" + url.PathEscape(p.cfg.IndexName)
	if err := p.doJSON(ctx, p.controllerURL(), http.MethodGet, path, nil, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

func (p *PineconeBackend) createIndex(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("pinecone index dimension must be positive, got %d", dimension)
	}
	req := map[string]any{
		"name":      p.cfg.IndexName,
		"dimension": dimension,
		"metric":    "cosine",
		"spec": map[string]any{
			"serverless": map[string]any{
				"cloud":  p.cfg.Cloud,
				"region": p.cfg.Region,
			},
		},
	}
	err := p.doJSON(ctx, p.controllerURL(), http.MethodPost, "/indexes", req, nil)
	var statusErr *pineconeStatusError
	if errors.As(err, &statusErr) && statusErr.status == http.StatusConflict {
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.Info("created pinecone index",
		zap.String("index", p.cfg.IndexName),
		zap.Int("dimension", dimension),
	)
	return nil
}

func (p *PineconeBackend) waitReady(ctx context.Context) (*pineconeIndexDescription, error) {
	var last *pineconeIndexDescription
	for attempt := 0; attempt < p.cfg.ReadyPollAttempts; attempt++ {
		desc, err := p.describeIndex(ctx)
		if err != nil {
			return nil, err
		}
		if desc.Status.Ready && desc.Host != "" {
			return desc, nil
		}
		last = desc
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.ReadyPollInterval):
		}
	}
	return nil, fmt.Errorf("pinecone index %q not ready (state=%s)", p.cfg.IndexName, last.Status.State)
}

type pineconeVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (p *PineconeBackend) Upsert(ctx context.Context, namespace string, vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	payload := make([]pineconeVector, 0, len(vectors))
	for _, v := range vectors {
		payload = append(payload, pineconeVector{ID: v.ID, Values: v.Values, Metadata: v.Metadata})
	}
	req := struct {
		Vectors   []pineconeVector `json:"vectors"`
		Namespace string           `json:"namespace,omitempty"`
	}{
		Vectors:   payload,
		Namespace: namespace,
	}
	host, err := p.dataHost()
	if err != nil {
		return err
	}
	return p.doJSON(ctx, host, http.MethodPost, "/vectors/upsert", req, nil)
}

func (p *PineconeBackend) Query(ctx context.Context, namespace string, vector []float32, topK int, filter Filter) ([]Match, error) {
	req := struct {
		Vector          []float32      `json:"vector"`
		TopK            int            `json:"topK"`
		Namespace       string         `json:"namespace,omitempty"`
		IncludeMetadata bool           `json:"includeMetadata"`
		Filter          map[string]any `json:"filter,omitempty"`
	}{
		Vector:          vector,
		TopK:            topK,
		Namespace:       namespace,
		IncludeMetadata: true,
		Filter:          pineconeFilter(filter),
	}
	var resp struct {
		Matches []struct {
			ID       string         `json:"id"`
			Score    float64        `json:"score"`
			Metadata map[string]any `json:"metadata"`
		} `json:"matches"`
	}
	host, err := p.dataHost()
	if err != nil {
		return nil, err
	}
	if err := p.doJSON(ctx, host, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		matches = append(matches, Match{ID: m.ID, Score: m.Score, Metadata: m.Metadata})
	}
	return matches, nil
}

func pineconeFilter(filter Filter) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	out := make(map[string]any, len(filter))
	for k, v := range filter {
		out[k] = map[string]any{"$eq": v}
	}
	return out
}

func (p *PineconeBackend) dataHost() (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.host == "" {
		return "", errors.New("pinecone index not provisioned")
	}
	return p.host, nil
}

func (p *PineconeBackend) controllerURL() string {
	return strings.TrimRight(strings.TrimSpace(p.cfg.ControllerURL), "/")
}

func (p *PineconeBackend) doJSON(ctx context.Context, baseURL, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Api-Key", p.cfg.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return &pineconeStatusError{method: method, path: path, status: resp.StatusCode, body: string(raw)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	return strings.TrimRight(host, "/")
}
