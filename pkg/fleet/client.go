package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/odvcencio/mendel/pkg/reliability"
)

// ServiceFaultError marks an error as evidence the service itself is
// unhealthy (connection failure, timeout, 5xx). Only these count against the
// service's circuit breaker; well-formed caller errors pass through.
type ServiceFaultError struct {
	err error
}

func (e *ServiceFaultError) Error() string { return e.err.Error() }
func (e *ServiceFaultError) Unwrap() error { return e.err }

// Fault wraps err as a service fault.
func Fault(err error) error {
	if err == nil {
		return nil
	}
	return &ServiceFaultError{err: err}
}

// IsServiceFault reports whether err indicates an unhealthy service.
func IsServiceFault(err error) bool {
	var fault *ServiceFaultError
	return errors.As(err, &fault)
}

// StatusError is a non-2xx response from a service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

const maxErrorBodyBytes = 2048

// ServiceClient is a typed HTTP client for one external service. It owns the
// base URL, per-call timeout, auth material, and retry policy; the registry
// layers the circuit breaker on top.
type ServiceClient struct {
	desc  ServiceDescriptor
	http  *http.Client
	retry *reliability.RetryStrategy
}

// NewServiceClient builds a client from a descriptor.
func NewServiceClient(desc ServiceDescriptor) *ServiceClient {
	desc = desc.withDefaults()
	return &ServiceClient{
		desc: desc,
		http: &http.Client{
			// The transport-level ceiling; each call also carries its own
			// context deadline.
			Timeout: desc.CallTimeout + time.Second,
		},
		retry: &reliability.RetryStrategy{
			MaxRetries: desc.MaxRetries,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   5 * time.Second,
			Multiplier: 2.0,
		},
	}
}

// Descriptor returns the client's immutable descriptor.
func (c *ServiceClient) Descriptor() ServiceDescriptor {
	return c.desc
}

// Do performs a JSON request against the service. body and out may be nil.
// idempotent operations are retried per the descriptor's retry budget; a
// retried call that exhausts its budget surfaces one aggregated failure.
func (c *ServiceClient) Do(ctx context.Context, method, path string, body, out any, idempotent bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	attempt := func() error {
		return c.doOnce(ctx, method, path, payload, out)
	}

	if !idempotent || c.desc.MaxRetries == 0 {
		return attempt()
	}
	return c.retry.Execute(ctx, attempt)
}

// HealthCheck probes the service's health endpoint. Health checks are never
// retried; each poll is a single observation for the breaker.
func (c *ServiceClient) HealthCheck(ctx context.Context) error {
	return c.doOnce(ctx, http.MethodGet, c.desc.HealthPath, nil, nil)
}

// doOnce performs one request attempt and classifies the outcome:
//   - transport errors and timeouts: service fault, retriable
//   - 5xx: service fault, retriable
//   - 429: retriable but not a fault (the service answered)
//   - other 4xx: caller error, neither fault nor retriable
func (c *ServiceClient) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.desc.CallTimeout)
	defer cancel()

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.desc.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.desc.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.desc.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The caller giving up is not evidence about service health.
		if errors.Is(err, context.Canceled) {
			return err
		}
		return Fault(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Fault(reliability.Retriable(&StatusError{
			Code: resp.StatusCode,
			Body: readErrorBody(resp.Body),
		}))
	case resp.StatusCode == http.StatusTooManyRequests:
		return reliability.Retriable(&StatusError{
			Code: resp.StatusCode,
			Body: readErrorBody(resp.Body),
		})
	case resp.StatusCode >= 400:
		return &StatusError{
			Code: resp.StatusCode,
			Body: readErrorBody(resp.Body),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return string(bytes.TrimSpace(data))
}
