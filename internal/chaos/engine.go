// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Experiment is one fault-injection drill: check steady state, inject faults,
// observe, roll back, then check the hypothesis against the final sample.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	Method      []Action
	Rollback    []Action
	Validation  []Assertion
	Duration    time.Duration
	SampleEvery time.Duration
}

// Metric is a measurable property of the system under test.
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) Holds(v float64) bool {
	switch t.Operator {
	case ">":
		return v > t.Value
	case "<":
		return v < t.Value
	case ">=":
		return v >= t.Value
	case "<=":
		return v <= t.Value
	case "==":
		return v == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault.
type Action struct {
	Type    string
	Target  string
	Execute func(context.Context) error
}

type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	Violations       []Violation            `json:"violations,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	Errors           []ErrorEvent           `json:"errors,omitempty"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
}

type Violation struct {
	Metric    string    `json:"metric"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
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

var ErrSteadyStateInvalid = errors.New("steady state invalid, experiment aborted")

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer trace.Tracer
	logger *zap.Logger

	mu      sync.Mutex
	results []Result
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		tracer: otel.Tracer("memberhub/chaos"),
		logger: logger,
	}
}

func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	res := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
	}

	span.AddEvent("validating_steady_state")
	e.sample(ctx, exp.SteadyState, res)
	if len(res.Violations) > 0 {
		return res, ErrSteadyStateInvalid
	}
	res.SteadyStateValid = true

	span.AddEvent("injecting_faults")
	e.execute(ctx, exp.Method, res)

	span.AddEvent("observing_system")
	e.observe(ctx, exp, res)

	span.AddEvent("rolling_back")
	e.execute(ctx, exp.Rollback, res)

	// Hypotheses are about where the system settles, so take one more sample
	// after the rollback.
	span.AddEvent("validating_assertions")
	e.sample(ctx, exp.SteadyState, res)
	res.HypothesisHeld = e.validate(exp.Validation, res)
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *res)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", res.HypothesisHeld),
		attribute.Int("violations", len(res.Violations)),
	)
	e.logger.Info("experiment finished",
		zap.String("experiment", exp.Name),
		zap.Bool("hypothesis_held", res.HypothesisHeld),
		zap.Int("violations", len(res.Violations)),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// Results returns every result recorded so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.results))
	copy(out, e.results)
	return out
}

func (e *Engine) execute(ctx context.Context, actions []Action, res *Result) {
	for _, a := range actions {
		if err := a.Execute(ctx); err != nil {
			res.Errors = append(res.Errors, ErrorEvent{Timestamp: time.Now(), Error: err.Error(), Component: a.Target})
			trace.SpanFromContext(ctx).RecordError(err)
			e.logger.Warn("chaos action failed", zap.String("type", a.Type), zap.String("target", a.Target), zap.Error(err))
		}
	}
}

func (e *Engine) observe(ctx context.Context, exp Experiment, res *Result) {
	if exp.Duration <= 0 {
		return
	}
	every := exp.SampleEvery
	if every <= 0 {
		every = time.Second
	}

	observeCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-observeCtx.Done():
			return
		case <-ticker.C:
			e.sample(ctx, exp.SteadyState, res)
		}
	}
}

func (e *Engine) sample(ctx context.Context, metrics []Metric, res *Result) {
	for _, m := range metrics {
		now := time.Now()
		v, err := m.Query(ctx)
		if err != nil {
			res.Errors = append(res.Errors, ErrorEvent{Timestamp: now, Error: err.Error(), Component: m.Name})
			res.Violations = append(res.Violations, Violation{Metric: m.Name, Expected: m.Threshold.Value, Actual: -1, Timestamp: now})
			continue
		}
		res.Observations[m.Name] = append(res.Observations[m.Name], DataPoint{Timestamp: now, Value: v})
		if !m.Threshold.Holds(v) {
			res.Violations = append(res.Violations, Violation{Metric: m.Name, Expected: m.Threshold.Value, Actual: v, Timestamp: now})
		}
	}
}

func (e *Engine) validate(assertions []Assertion, res *Result) bool {
	held := true
	for _, a := range assertions {
		obs := res.Observations[a.Metric]
		if len(obs) == 0 || !a.Condition(obs[len(obs)-1].Value) {
			res.FailedAssertions = append(res.FailedAssertions, a.Message)
			held = false
		}
	}
	return held
}
