// Package health tracks the health of the data source and cache tiers and
// derives an overall service state with graceful degradation.
//
// Components move from healthy to degraded after ErrorThreshold consecutive
// errors and to unavailable after UnavailableThreshold. Successes walk the
// error count back down; reaching zero restores healthy. Non-critical
// components (the cache tiers) can degrade the service but never make it
// unavailable, since every cache failure falls back to recomputation.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// HealthState represents the overall health state of a component or service
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates the component is failing intermittently
	StateDegraded

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckFunc actively checks a component.
type CheckFunc func(ctx context.Context) error

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	Critical          bool        `json:"critical"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// Report is a point-in-time view of every component.
type Report struct {
	State      HealthState       `json:"state"`
	Components []ComponentHealth `json:"components"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// HealthCheckInterval is the interval between check rounds
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	// CheckTimeout bounds a single check
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		HealthCheckInterval:  30 * time.Second,
		CheckTimeout:         2 * time.Second,
	}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock for timestamps and the check ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = clock }
}

// Tracker tracks the health of multiple components and determines overall service health.
// It satisfies types.HealthReporter.
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	checks     map[string]CheckFunc
	config     TrackerConfig
	clock      clockwork.Clock
	logger     zerolog.Logger
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		components: make(map[string]*ComponentHealth),
		checks:     make(map[string]CheckFunc),
		config:     config,
		logger:     logger.With().Str("component", "health").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	return t
}

// RegisterComponent registers a component. check may be nil for components
// that are only fed by RecordSuccess and RecordError.
func (t *Tracker) RegisterComponent(name string, critical bool, check CheckFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := t.clock.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			Critical:        critical,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
	if check != nil {
		t.checks[name] = check
	}
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}
	health.LastHealthCheck = t.clock.Now()

	if health.ConsecutiveErrors > 0 {
		health.ConsecutiveErrors--
		if health.ConsecutiveErrors == 0 && health.State != StateHealthy {
			t.transitionState(health, StateHealthy)
		}
	}
}

// RecordError records an error for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}
	health.LastHealthCheck = t.clock.Now()
	health.ConsecutiveErrors++
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		newState = StateDegraded
	}
	if newState != health.State {
		t.transitionState(health, newState)
	}
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *health, nil
}

// GetOverallHealth returns the worst component state, with non-critical
// components capped at degraded.
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overallLocked()
}

func (t *Tracker) overallLocked() HealthState {
	overall := StateHealthy
	for _, health := range t.components {
		state := health.State
		if !health.Critical && state > StateDegraded {
			state = StateDegraded
		}
		if state > overall {
			overall = state
		}
	}
	return overall
}

// Report returns the overall state and every component sorted by name.
func (t *Tracker) Report() Report {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Report{
		State:      t.overallLocked(),
		Components: make([]ComponentHealth, 0, len(t.components)),
	}
	for _, health := range t.components {
		r.Components = append(r.Components, *health)
	}
	sort.Slice(r.Components, func(i, j int) bool {
		return r.Components[i].Name < r.Components[j].Name
	})
	return r
}

// transitionState transitions a component to a new state (must be called with lock held)
func (t *Tracker) transitionState(health *ComponentHealth, newState HealthState) {
	old := health.State
	health.State = newState
	health.LastStateChange = t.clock.Now()

	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastErrorMessage = ""
	}

	ev := t.logger.Warn()
	if newState == StateHealthy {
		ev = t.logger.Info()
	}
	ev.Str("target", health.Name).
		Str("from", old.String()).
		Str("to", newState.String()).
		Str("last_error", health.LastErrorMessage).
		Msg("Component health changed")
}

// StartHealthChecks runs registered checks every HealthCheckInterval until ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context) {
	if t.config.HealthCheckInterval <= 0 {
		return
	}
	ticker := t.clock.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.CheckNow(ctx)
		}
	}
}

// CheckNow runs every registered check once.
func (t *Tracker) CheckNow(ctx context.Context) {
	t.mu.RLock()
	checks := make(map[string]CheckFunc, len(t.checks))
	for name, c := range t.checks {
		checks[name] = c
	}
	t.mu.RUnlock()

	for name, check := range checks {
		cctx, cancel := ctx, context.CancelFunc(func() {})
		if t.config.CheckTimeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, t.config.CheckTimeout)
		}
		err := check(cctx)
		cancel()
		if err != nil {
			t.RecordError(name, err)
		} else {
			t.RecordSuccess(name)
		}
	}
}
