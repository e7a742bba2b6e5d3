// Package fallback keeps the bridge answering when a dependency degrades.
// Every call to an external collaborator is registered here under an
// operation name with a primary and an optional degraded implementation.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type HealthStatus string

const (
	StatusHealthy        HealthStatus = "healthy"
	StatusDegraded       HealthStatus = "degraded"
	StatusFallbackActive HealthStatus = "fallback_active"
	StatusUnhealthy      HealthStatus = "unhealthy"
)

const (
	PathPrimary  = "primary"
	PathFallback = "fallback"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Operation is one implementation of a named call. params is passed through
// untouched from Execute.
type Operation func(ctx context.Context, params interface{}) (interface{}, error)

type Registration struct {
	Primary  Operation
	Fallback Operation
	// ShouldFallback narrows which primary failures divert to the fallback.
	// Nil means every failure does.
	ShouldFallback func(error) bool
}

type ExecOptions struct {
	ForcePrimary    bool
	DisableFallback bool
}

// Outcome is one Execute call as recorded in history.
type Outcome struct {
	Operation        string        `json:"operation"`
	Path             string        `json:"path"`
	PrimaryAttempted bool          `json:"primary_attempted"`
	PrimaryOK        bool          `json:"primary_ok"`
	Success          bool          `json:"success"`
	Duration         time.Duration `json:"duration"`
	At               time.Time     `json:"at"`
	Error            string        `json:"error,omitempty"`
}

type Config struct {
	HistorySize   int
	Window        int
	HighWatermark float64
	LowWatermark  float64
}

func DefaultConfig() Config {
	return Config{
		HistorySize:   500,
		Window:        100,
		HighWatermark: 0.9,
		LowWatermark:  0.5,
	}
}

type Registry struct {
	mu           sync.RWMutex
	operations   map[string]Registration
	history      *ring
	fallbackMode bool
	observers    []func(Outcome)
	config       Config
	logger       *zap.Logger
	now          func() time.Time
}

// NewRegistry creates an empty Registry. Zero config fields take the
// DefaultConfig values and fallback mode starts off.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	defaults := DefaultConfig()
	if config.HistorySize <= 0 {
		config.HistorySize = defaults.HistorySize
	}
	if config.Window <= 0 || config.Window > config.HistorySize {
		config.Window = config.HistorySize
	}
	if config.HighWatermark <= 0 {
		config.HighWatermark = defaults.HighWatermark
	}
	if config.LowWatermark <= 0 || config.LowWatermark > config.HighWatermark {
		config.LowWatermark = config.HighWatermark
	}

	return &Registry{
		operations: make(map[string]Registration),
		history:    newRing(config.HistorySize),
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// Register adds or replaces the implementations for name.
func (r *Registry) Register(name string, registration Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[name] = registration
}

func (r *Registry) SetFallbackMode(enabled bool) {
	r.mu.Lock()
	changed := r.fallbackMode != enabled
	r.fallbackMode = enabled
	r.mu.Unlock()

	if changed {
		r.logger.Warn("Fallback mode changed", zap.Bool("fallback_mode", enabled))
	}
}

func (r *Registry) FallbackMode() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbackMode
}

// Execute runs the named operation. In fallback mode the primary is skipped
// unless opts.ForcePrimary; otherwise the fallback only runs when the primary
// fails. The outcome is always appended to history.
func (r *Registry) Execute(ctx context.Context, name string, params interface{}, opts ExecOptions) (interface{}, error) {
	r.mu.RLock()
	registration, ok := r.operations[name]
	fallbackMode := r.fallbackMode
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}

	start := r.now()
	outcome := Outcome{Operation: name, At: start}

	usePrimary := !fallbackMode || opts.ForcePrimary || registration.Fallback == nil
	var (
		result interface{}
		err    error
	)

	if usePrimary {
		outcome.PrimaryAttempted = true
		outcome.Path = PathPrimary
		result, err = registration.Primary(ctx, params)
		outcome.PrimaryOK = err == nil

		if err != nil && r.canFallback(registration, opts, err) {
			r.logger.Warn("Primary failed, using fallback",
				zap.String("operation", name),
				zap.Error(err))
			outcome.Path = PathFallback
			result, err = registration.Fallback(ctx, params)
		}
	} else {
		outcome.Path = PathFallback
		result, err = registration.Fallback(ctx, params)
	}

	outcome.Success = err == nil
	outcome.Duration = r.now().Sub(start)
	if err != nil {
		outcome.Error = err.Error()
	}
	r.record(outcome)

	return result, err
}

func (r *Registry) canFallback(registration Registration, opts ExecOptions, err error) bool {
	if registration.Fallback == nil || opts.DisableFallback {
		return false
	}
	if registration.ShouldFallback != nil {
		return registration.ShouldFallback(err)
	}
	return true
}

// Observe registers fn to be called with every recorded outcome.
func (r *Registry) Observe(fn func(Outcome)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) record(outcome Outcome) {
	r.mu.Lock()
	r.history.push(outcome)
	observers := r.observers
	r.mu.Unlock()

	for _, fn := range observers {
		fn(outcome)
	}
}

// History returns up to limit of the most recent outcomes, oldest first.
func (r *Registry) History(limit int) []Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.last(limit)
}

type OperationStats struct {
	Total              int     `json:"total"`
	Successes          int     `json:"successes"`
	Failures           int     `json:"failures"`
	FallbackCalls      int     `json:"fallback_calls"`
	PrimarySuccessRate float64 `json:"primary_success_rate"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationMs      float64 `json:"avg_duration_ms"`
}

type Health struct {
	Status             HealthStatus              `json:"status"`
	FallbackMode       bool                      `json:"fallback_mode"`
	PrimarySuccessRate float64                   `json:"primary_success_rate"`
	SuccessRate        float64                   `json:"success_rate"`
	WindowSize         int                       `json:"window_size"`
	Operations         map[string]OperationStats `json:"operations"`
	CheckedAt          time.Time                 `json:"checked_at"`
}

// HealthCheck derives status from the most recent window. The primary rate
// drives healthy/degraded/fallback_active; the final rate (fallback included)
// falling under the low watermark means nothing is serving and is unhealthy.
func (r *Registry) HealthCheck() Health {
	r.mu.RLock()
	window := r.history.last(r.config.Window)
	fallbackMode := r.fallbackMode
	r.mu.RUnlock()

	health := Health{
		FallbackMode: fallbackMode,
		WindowSize:   len(window),
		Operations:   make(map[string]OperationStats),
		CheckedAt:    r.now(),
	}

	var primaryAttempts, primaryOK, successes int
	durations := make(map[string]time.Duration)
	for _, o := range window {
		stats := health.Operations[o.Operation]
		stats.Total++
		if o.Success {
			stats.Successes++
			successes++
		} else {
			stats.Failures++
		}
		if o.Path == PathFallback {
			stats.FallbackCalls++
		}
		if o.PrimaryAttempted {
			primaryAttempts++
			if o.PrimaryOK {
				primaryOK++
			}
		}
		durations[o.Operation] += o.Duration
		health.Operations[o.Operation] = stats
	}

	for name, stats := range health.Operations {
		stats.SuccessRate = ratio(stats.Successes, stats.Total)
		stats.PrimarySuccessRate = ratio(primaryOKFor(window, name))
		stats.AvgDurationMs = float64(durations[name].Milliseconds()) / float64(stats.Total)
		health.Operations[name] = stats
	}

	health.SuccessRate = ratio(successes, len(window))
	health.PrimarySuccessRate = ratio(primaryOK, primaryAttempts)

	switch {
	case len(window) == 0:
		health.Status = StatusHealthy
		if fallbackMode {
			health.Status = StatusFallbackActive
		}
	case health.SuccessRate < r.config.LowWatermark:
		health.Status = StatusUnhealthy
	case fallbackMode:
		health.Status = StatusFallbackActive
	case primaryAttempts == 0:
		health.Status = StatusDegraded
	case health.PrimarySuccessRate < r.config.LowWatermark:
		health.Status = StatusFallbackActive
	case health.PrimarySuccessRate < r.config.HighWatermark:
		health.Status = StatusDegraded
	default:
		health.Status = StatusHealthy
	}

	return health
}

// OperationNames is used by the health endpoint to list registrations that
// have not been exercised yet.
func (r *Registry) OperationNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.operations))
	for name := range r.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func primaryOKFor(window []Outcome, name string) (int, int) {
	var ok, attempts int
	for _, o := range window {
		if o.Operation != name || !o.PrimaryAttempted {
			continue
		}
		attempts++
		if o.PrimaryOK {
			ok++
		}
	}
	return ok, attempts
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 1
	}
	return float64(n) / float64(d)
}
