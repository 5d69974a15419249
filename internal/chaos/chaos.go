// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	Setup       func(context.Context) error
	Teardown    func()
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	BlastRadius float64 // 0.0 to 1.0 (share of listings touched)
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action represents a fault injection or recovery action
type Action struct {
	Type       string // duplicate, reorder, outage, flap, mutate
	Target     string
	Parameters map[string]any
	Execute    func(context.Context) error
}

// Assertion validates experiment outcome
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Failed           []string               `json:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

type Option func(*Engine)

// WithSampleInterval sets how often metrics are sampled while observing.
func WithSampleInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sampleEvery = d
		}
	}
}

// WithPause sets the wait between game day experiments.
func WithPause(d time.Duration) Option {
	return func(e *Engine) { e.pause = d }
}

// Engine orchestrates chaos experiments
type Engine struct {
	tracer      trace.Tracer
	logger      *zap.Logger
	sampleEvery time.Duration
	pause       time.Duration

	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		tracer:      otel.Tracer("marketsync/chaos"),
		logger:      logger.Named("chaos"),
		sampleEvery: time.Second,
		pause:       30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) RegisterExperiment(exp Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exp)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// RunExperiment executes a single chaos experiment
func (e *Engine) RunExperiment(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      time.Now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	if exp.Teardown != nil {
		defer exp.Teardown()
	}
	if exp.Setup != nil {
		if err := exp.Setup(ctx); err != nil {
			span.RecordError(err)
			return result, err
		}
	}

	// Phase 1: Validate steady state
	span.AddEvent("validating_steady_state")
	if valid, violations := e.validateSteadyState(ctx, exp.SteadyState); !valid {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	// Phase 2: Inject chaos
	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	// Phase 3: Observe system behavior
	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	// Phase 4: Rollback chaos injection
	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			result.recordError(action.Target, err)
			span.RecordError(err)
		}
	}

	// Phase 5: Validate assertions
	span.AddEvent("validating_assertions")
	result.Failed = validateAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.Failed) == 0
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var recoveryStart time.Time
	recovered := false

	ticker := time.NewTicker(e.sampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-observationCtx.Done():
			return
		case <-ticker.C:
		}
		for _, metric := range exp.SteadyState {
			value, err := metric.Query(ctx)
			now := time.Now()
			if err != nil {
				result.recordError(metric.Name, err)
				continue
			}
			result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})

			if !metric.Threshold.Holds(value) {
				if recoveryStart.IsZero() {
					recoveryStart = now
				}
				result.Violations = append(result.Violations, MetricViolation{
					MetricName: metric.Name,
					Expected:   metric.Threshold.Value,
					Actual:     value,
					Timestamp:  now,
				})
			} else if !recoveryStart.IsZero() && !recovered {
				mttr := now.Sub(recoveryStart)
				result.MTTR = &mttr
				recovered = true
			}
		}
	}
}

func (r *Result) recordError(component string, err error) {
	r.ErrorEvents = append(r.ErrorEvents, ErrorEvent{
		Timestamp: time.Now(),
		Error:     err.Error(),
		Component: component,
	})
}

func (e *Engine) validateSteadyState(ctx context.Context, metrics []Metric) (bool, []MetricViolation) {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !metric.Threshold.Holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  time.Now(),
			})
		}
	}
	return len(violations) == 0, violations
}

// validateAssertions checks each assertion against the final observation of
// its metric and returns the messages of those that failed.
func validateAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		observations := result.Observations[a.Metric]
		if len(observations) == 0 {
			failed = append(failed, a.Message+" (no observations)")
			continue
		}
		if !a.Condition(observations[len(observations)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Participants []string
	Runbooks     map[string]string
}

// ExecuteGameDay runs every scenario in order. A scenario that fails to run
// is logged and skipped; the error also lists every violated hypothesis.
func (e *Engine) ExecuteGameDay(ctx context.Context, gameDay GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	log := e.logger.With(zap.String("game_day", gameDay.Name))
	log.Info("starting game day",
		zap.Time("date", gameDay.Date),
		zap.Strings("participants", gameDay.Participants),
		zap.Int("scenarios", len(gameDay.Scenarios)),
	)

	var (
		results []Result
		errs    []error
	)
	for i, scenario := range gameDay.Scenarios {
		if i > 0 && e.pause > 0 {
			select {
			case <-time.After(e.pause):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}
		log.Info("running experiment",
			zap.Int("index", i+1),
			zap.String("experiment", scenario.Name),
			zap.String("hypothesis", scenario.Hypothesis),
		)

		result, err := e.RunExperiment(ctx, scenario)
		if err != nil {
			log.Error("experiment failed", zap.String("experiment", scenario.Name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", scenario.Name, err))
			continue
		}
		e.logResult(log, result, gameDay.Runbooks[scenario.Name])
		results = append(results, *result)
		if !result.HypothesisHeld {
			errs = append(errs, fmt.Errorf("%s: hypothesis violated: %v", scenario.Name, result.Failed))
		}
	}
	return results, errors.Join(errs...)
}

func (e *Engine) logResult(log *zap.Logger, result *Result, runbook string) {
	fields := []zap.Field{
		zap.String("experiment", result.ExperimentName),
		zap.Bool("hypothesis_held", result.HypothesisHeld),
		zap.Int("violations", len(result.Violations)),
		zap.Duration("duration", result.Duration),
	}
	if result.MTTR != nil {
		fields = append(fields, zap.Duration("mttr", *result.MTTR))
	}
	if result.HypothesisHeld {
		log.Info("hypothesis held", fields...)
		return
	}
	if runbook != "" {
		fields = append(fields, zap.String("runbook", runbook))
	}
	log.Warn("hypothesis violated", append(fields, zap.Strings("failed", result.Failed))...)
}
