package supabase

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
	"time"

	"golang.org/x/time/rate"
)

// APIError is a non-2xx PostgREST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("postgrest %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("postgrest %d: %s", e.Status, e.Message)
}

// Retryable reports whether the request may succeed when repeated.
func (e *APIError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Config describes a Supabase project.
type Config struct {
	URL     string
	AnonKey string
	// AccessToken returns the signed-in user's JWT so row level security applies.
	// Nil or empty falls back to the anon key.
	AccessToken       func() string
	RequestsPerSecond float64
	HTTPClient        *http.Client
	ReadRetries       int
	RetryBackoff      time.Duration
}

// REST is a minimal PostgREST client.
type REST struct {
	baseURL      string
	apiKey       string
	token        func() string
	httpClient   *http.Client
	limiter      *rate.Limiter
	readRetries  int
	retryBackoff time.Duration
}

func NewREST(cfg Config) (*REST, error) {
	if cfg.URL == "" {
		return nil, errors.New("supabase: URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, errors.New("supabase: anon key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return &REST{
		baseURL:      strings.TrimSuffix(cfg.URL, "/"),
		apiKey:       cfg.AnonKey,
		token:        cfg.AccessToken,
		httpClient:   httpClient,
		limiter:      rate.NewLimiter(limit, burst),
		readRetries:  cfg.ReadRetries,
		retryBackoff: backoff,
	}, nil
}

type request struct {
	method string
	table  string
	query  url.Values
	body   any
	prefer []string
}

// do sends one request and decodes the JSON response into out. Reads are retried
// on transient failures; writes are sent exactly once.
func (c *REST) do(ctx context.Context, req request, out any) error {
	attempts := 1
	if req.method == http.MethodGet {
		attempts += c.readRetries
	}

	var err error
	backoff := c.retryBackoff
	for attempt := 1; attempt <= attempts; attempt++ {
		err = c.once(ctx, req, out)
		var apiErr *APIError
		if err == nil || !errors.As(err, &apiErr) || !apiErr.Retryable() || attempt == attempts {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

func (c *REST) once(ctx context.Context, req request, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := c.baseURL + "/rest/v1/" + req.table
	if len(req.query) > 0 {
		endpoint += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		payload, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", req.table, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+c.bearer())
	httpReq.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if len(req.prefer) > 0 {
		httpReq.Header.Set("Prefer", strings.Join(req.prefer, ","))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.table, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.table, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.table, err)
	}
	return nil
}

func (c *REST) bearer() string {
	if c.token != nil {
		if token := c.token(); token != "" {
			return token
		}
	}
	return c.apiKey
}

// inList renders a PostgREST in.() filter with quoted values.
func inList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}
