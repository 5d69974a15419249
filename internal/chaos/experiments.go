// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketsync/internal/feed"
)

// ConsistencyMetric is the steady-state metric every catalog experiment
// observes.
const ConsistencyMetric = "catalog_consistency"

// Settings tune the built-in experiments.
type Settings struct {
	Rig      RigConfig
	Events   int
	Duration time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.Events <= 0 {
		s.Events = 60
	}
	if s.Duration <= 0 {
		s.Duration = 2 * time.Second
	}
	return s
}

// RegisterExperiments registers all predefined chaos experiments with the engine.
func (e *Engine) RegisterExperiments(s Settings) {
	for _, exp := range Suite(s) {
		e.RegisterExperiment(exp)
	}
}

// Suite returns the built-in experiments, each with its own rig.
func Suite(s Settings) []Experiment {
	return []Experiment{
		DuplicateDeliveryExperiment(s),
		ReorderedDeliveryExperiment(s),
		SourceOutageExperiment(s),
		ConnectionFlappingExperiment(s),
	}
}

// rigged builds an experiment around a fresh rig created by Setup.
func rigged(s Settings, name, hypothesis string, method func(*Rig) []Action, rollback func(*Rig) []Action) Experiment {
	s = s.withDefaults()
	var rig *Rig

	consistency := func(ctx context.Context) (float64, error) {
		if rig == nil {
			return 0, errors.New("rig not running")
		}
		return rig.Consistency(ctx)
	}

	exp := Experiment{
		Name:       name,
		Hypothesis: hypothesis,
		SteadyState: []Metric{{
			Name:      ConsistencyMetric,
			Query:     consistency,
			Threshold: Threshold{Operator: ">=", Value: 1.0},
		}},
		Validation: []Assertion{{
			Metric:    ConsistencyMetric,
			Condition: func(v float64) bool { return v == 1.0 },
			Message:   "catalog should converge to the ground truth",
		}},
		Duration:    s.Duration,
		BlastRadius: 1.0,
	}
	exp.Setup = func(ctx context.Context) error {
		r, err := NewRig(s.Rig)
		if err != nil {
			return fmt.Errorf("build rig: %w", err)
		}
		if err := r.Start(ctx); err != nil {
			r.Close()
			return fmt.Errorf("start rig: %w", err)
		}
		rig = r
		return nil
	}
	exp.Teardown = func() {
		if rig != nil {
			rig.Close()
			rig = nil
		}
	}
	// The rig only exists after Setup, so the actions are built on demand.
	exp.Method = []Action{{Type: "rigged", Target: "rig", Execute: func(ctx context.Context) error {
		return runAll(ctx, method(rig))
	}}}
	if rollback != nil {
		exp.Rollback = []Action{{Type: "rigged", Target: "rig", Execute: func(ctx context.Context) error {
			return runAll(ctx, rollback(rig))
		}}}
	}
	return exp
}

func runAll(ctx context.Context, actions []Action) error {
	var errs []error
	for _, a := range actions {
		if err := a.Execute(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s on %s: %w", a.Type, a.Target, err))
		}
	}
	return errors.Join(errs...)
}

func mutate(r *Rig, events int, mix Mix) Action {
	return Action{
		Type:       "mutate",
		Target:     "hub",
		Parameters: map[string]any{"events": events},
		Execute: func(ctx context.Context) error {
			return r.Mutate(ctx, events, mix)
		},
	}
}

func clearFaults(r *Rig) []Action {
	return []Action{{
		Type:   "clear-faults",
		Target: "push-transport",
		Execute: func(context.Context) error {
			r.Transport.Set(Faults{})
			return nil
		},
	}}
}

// DuplicateDeliveryExperiment delivers every push event twice.
func DuplicateDeliveryExperiment(s Settings) Experiment {
	events := s.withDefaults().Events
	return rigged(s,
		"duplicate-delivery",
		"Duplicated create, update and delete events leave the catalog identical to the ground truth",
		func(r *Rig) []Action {
			return []Action{
				{Type: "duplicate", Target: "push-transport", Execute: func(context.Context) error {
					r.Transport.Set(Faults{Duplicate: true})
					return nil
				}},
				mutate(r, events, Mix{Create: 1, Update: 2, Bid: 3, Delete: 1}),
			}
		},
		clearFaults,
	)
}

// ReorderedDeliveryExperiment shuffles push events in small windows.
func ReorderedDeliveryExperiment(s Settings) Experiment {
	events := s.withDefaults().Events
	return rigged(s,
		"reordered-delivery",
		"Creations and bids delivered out of order converge, and no highest bid ever goes backwards",
		func(r *Rig) []Action {
			return []Action{
				{Type: "reorder", Target: "push-transport", Parameters: map[string]any{"window": 4}, Execute: func(context.Context) error {
					r.Transport.Set(Faults{ReorderWindow: 4})
					return nil
				}},
				mutate(r, events, Mix{Create: 1, Bid: 4}),
			}
		},
		clearFaults,
	)
}

// SourceOutageExperiment takes one bulk source down and reloads the feed.
func SourceOutageExperiment(s Settings) Experiment {
	events := s.withDefaults().Events
	return rigged(s,
		"source-outage",
		"A reload with one source down removes nothing and live events keep applying",
		func(r *Rig) []Action {
			return []Action{
				{Type: "outage", Target: "external", Execute: func(context.Context) error {
					r.External.SetDown(true)
					return nil
				}},
				{Type: "reload", Target: "engine", Execute: func(ctx context.Context) error {
					err := r.Engine.Reload(ctx)
					if errors.Is(err, feed.ErrAllSourcesUnavailable) {
						return err
					}
					if !r.Engine.Status().Degraded {
						return errors.New("reload with a source down was not reported as degraded")
					}
					return err
				}},
				mutate(r, events, Mix{Create: 1, Update: 2, Bid: 2, Delete: 1}),
			}
		},
		func(r *Rig) []Action {
			return []Action{{Type: "restore", Target: "external", Execute: func(context.Context) error {
				r.External.SetDown(false)
				return nil
			}}}
		},
	)
}

// ConnectionFlappingExperiment severs the push connection every few messages.
// Events lost while disconnected are recovered by the resync on reconnect.
func ConnectionFlappingExperiment(s Settings) Experiment {
	events := s.withDefaults().Events
	return rigged(s,
		"connection-flapping",
		"Events lost to dropped connections are recovered by the resync after each reconnect",
		func(r *Rig) []Action {
			return []Action{
				{Type: "flap", Target: "push-transport", Parameters: map[string]any{"drop_every": 5}, Execute: func(context.Context) error {
					r.Transport.Set(Faults{DropEvery: 5})
					return nil
				}},
				mutate(r, events, Mix{Create: 1, Bid: 3}),
			}
		},
		clearFaults,
	)
}
