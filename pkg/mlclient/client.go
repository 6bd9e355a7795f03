// Package mlclient talks to the remote ML services over HTTP: an
// MLflow-compatible tracking server and a model training service.
package mlclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/ml-orchestrator/pkg/models"
	"github.com/psantana5/ml-orchestrator/pkg/retry"
)

// Options configures the HTTP transport shared by the clients
type Options struct {
	Timeout   time.Duration
	APIKey    string
	TLSConfig *tls.Config
	Retry     *retry.Config
}

// APIError is a non-2xx response from a remote service
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto the shared error kinds
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusNotFound || e.Code == "RESOURCE_DOES_NOT_EXIST":
		return models.ErrNotFound
	case e.StatusCode == http.StatusBadRequest:
		return models.ErrInvalidArgument
	case e.StatusCode == http.StatusUnprocessableEntity || e.StatusCode == http.StatusNotImplemented:
		return models.ErrUnsupported
	case e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500:
		return models.ErrTransientInfra
	}
	return nil
}

type client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	retry      retry.Config
}

func newClient(baseURL string, opts Options) client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	hc := &http.Client{Timeout: opts.Timeout}
	if opts.TLSConfig != nil {
		hc.Transport = &http.Transport{TLSClientConfig: opts.TLSConfig}
	}
	rc := retry.Config{
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
	}
	if opts.Retry != nil {
		rc = *opts.Retry
	}
	return client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
		apiKey:     opts.APIKey,
		retry:      rc,
	}
}

// do sends in as JSON and decodes the response into out. Transient failures are retried.
func (c client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return retry.Do(ctx, c.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %s %s: %v", models.ErrTransientInfra, method, path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return decodeError(resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
		return nil
	})
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var payload struct {
		ErrorCode string `json:"error_code"`
		Message   string `json:"message"`
		Error     string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		apiErr.Code = payload.ErrorCode
		switch {
		case payload.Message != "":
			apiErr.Message = payload.Message
		case payload.Error != "":
			apiErr.Message = payload.Error
		}
	}
	return apiErr
}
