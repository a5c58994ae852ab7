package fleet

import (
	"strings"
	"time"

	"github.com/odvcencio/mendel/pkg/errors"
	"github.com/odvcencio/mendel/pkg/reliability"
)

// Well-known service names used by the trial coordinator.
const (
	ServiceAgents    = "agents"
	ServiceScheduler = "scheduler"
	ServiceEconomics = "economics"
)

// ServiceDescriptor is the static identity of a remote dependency.
// Immutable after registration.
type ServiceDescriptor struct {
	// Name uniquely identifies the service within the registry.
	Name string
	// BaseURL is the service's base address, e.g. "http://agents:8080".
	BaseURL string
	// HealthPath is the health-check path, defaulting to "/health".
	HealthPath string
	// CallTimeout bounds every outbound call to this service.
	CallTimeout time.Duration
	// MaxRetries caps retry attempts for idempotent operations.
	MaxRetries int
	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string
	// Required marks the service as contributing to aggregate health.
	Required bool
}

// Validate checks the descriptor for registration.
func (d ServiceDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New(errors.ErrCodeInvalidInput, "service name is required")
	}
	if strings.TrimSpace(d.BaseURL) == "" {
		return errors.New(errors.ErrCodeInvalidInput, "service base URL is required").
			WithContext("service", d.Name)
	}
	return nil
}

// withDefaults fills unset descriptor fields.
func (d ServiceDescriptor) withDefaults() ServiceDescriptor {
	if d.HealthPath == "" {
		d.HealthPath = "/health"
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = 10 * time.Second
	}
	if d.MaxRetries < 0 {
		d.MaxRetries = 0
	}
	return d
}

// ServiceHealth is a point-in-time snapshot of one service's breaker state.
type ServiceHealth struct {
	Name                string                   `json:"name"`
	State               reliability.CircuitState `json:"-"`
	StateName           string                   `json:"state"`
	ConsecutiveFailures int                      `json:"consecutiveFailures"`
	LastChecked         time.Time                `json:"lastChecked"`
	LastError           string                   `json:"lastError,omitempty"`
	Required            bool                     `json:"required"`
}
