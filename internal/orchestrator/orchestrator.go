// Package orchestrator drives one acquisition run end to end. It is
// injected with fully configured components via interfaces, so every stage
// can be exercised in isolation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/browser"
	"github.com/xkilldash9x/talon-cli/internal/capture"
	"github.com/xkilldash9x/talon-cli/internal/cascade"
	"github.com/xkilldash9x/talon-cli/internal/config"
	"github.com/xkilldash9x/talon-cli/internal/navigator"
	"github.com/xkilldash9x/talon-cli/internal/session"
)

// State is where a run currently stands. Transitions only move forward.
type State string

const (
	StateInit            State = "init"
	StateSessionResolved State = "session-resolved"
	StateNavigated       State = "navigated"
	StateAcquiring       State = "acquiring"
	StateCaptured        State = "captured"
	StateFailed          State = "failed"
)

// Navigator reaches an authenticated dashboard page.
type Navigator interface {
	Reach(ctx context.Context) (*navigator.Outcome, error)
}

// Cascade locates and fires an export control.
type Cascade interface {
	Acquire(ctx context.Context) (*cascade.Activation, bool, error)
}

// Binder owns the download hook around an activation attempt.
type Binder interface {
	BindAndSave(ctx context.Context, activate func(context.Context) (bool, error)) (*capture.Result, bool, error)
}

// Sniffer watches traffic for CSV-shaped responses.
type Sniffer interface {
	Arm(ctx context.Context)
	Flush(ctx context.Context) (*capture.Result, bool, error)
}

// Transcoder rebuilds a CSV from the rendered page.
type Transcoder interface {
	Transcode(ctx context.Context) (*capture.Result, bool, error)
}

// Diagnostics preserves failure evidence.
type Diagnostics interface {
	Emit(ctx context.Context, runID, reason string, failure error) (string, error)
}

// Loader hands finished captures to the external ETL program.
type Loader interface {
	Run(ctx context.Context, inputDir string) error
}

// Environment bundles everything that only exists while a browser is up.
type Environment struct {
	Navigator   Navigator
	Cascade     Cascade
	Binder      Binder
	Sniffer     Sniffer
	Transcoder  Transcoder
	Diagnostics Diagnostics
	Loader      Loader
	Close       func()
}

// Deps are the two factories the orchestrator drives: one to validate the
// session material, one to stand up the browser around it.
type Deps struct {
	ResolveSession func(ctx context.Context) (*session.Profile, error)
	Begin          func(ctx context.Context, profile *session.Profile) (*Environment, error)
}

// Summary is the run's final report.
type Summary struct {
	RunID    string
	State    State
	Reason   string
	Capture  *capture.Result
	Duration time.Duration
}

// Orchestrator manages the lifecycle of a single run.
type Orchestrator struct {
	cfg   *config.Config
	deps  Deps
	log   *zap.Logger
	runID string
	state State
}

func New(cfg *config.Config, runID string, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil || logger == nil || deps.ResolveSession == nil || deps.Begin == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		log:   logger.Named("orchestrator"),
		runID: runID,
		state: StateInit,
	}, nil
}

func (o *Orchestrator) setState(next State) {
	o.log.Debug("Run state changed",
		zap.String("from", string(o.state)),
		zap.String("to", string(next)),
	)
	o.state = next
}

// Run executes the full acquisition: resolve session, reach the dashboard,
// work the capture tiers, then hand the result to the loader. Each tier
// runs at most once; there are no in-run retries.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	o.log.Info("Run starting", zap.String("run_id", o.runID))

	profile, err := o.deps.ResolveSession(ctx)
	if err != nil {
		reason, classified := classifySessionError(err)
		return o.fail(ctx, nil, start, reason, classified)
	}
	o.setState(StateSessionResolved)
	o.log.Info("Session resolved", zap.String("mode", profile.Mode.String()))

	env, err := o.deps.Begin(ctx, profile)
	if err != nil {
		return o.fail(ctx, nil, start, "", fmt.Errorf("preparing browser environment: %w", err))
	}
	defer func() {
		if env.Close != nil {
			env.Close()
		}
	}()

	outcome, err := env.Navigator.Reach(ctx)
	if err != nil {
		return o.fail(ctx, env, start, "", fmt.Errorf("reaching dashboard: %w", err))
	}
	if !outcome.Reached {
		if outcome.Classification == navigator.LoginRedirect {
			return o.fail(ctx, env, start, ReasonInvalidSession,
				fmt.Errorf("%w: redirected to login at %s", ErrInvalidSession, outcome.FinalURL))
		}
		return o.fail(ctx, env, start, ReasonNoTargetReachable,
			fmt.Errorf("%w: no configured target reachable", ErrAcquisitionExhausted))
	}
	o.setState(StateNavigated)
	o.log.Info("Dashboard reached",
		zap.String("url", outcome.FinalURL),
		zap.Int("targets_tried", len(outcome.History)),
	)

	o.setState(StateAcquiring)
	result, reason, err := o.acquire(ctx, env)
	if err != nil {
		return o.fail(ctx, env, start, reason, err)
	}
	o.setState(StateCaptured)
	o.log.Info("Capture complete",
		zap.String("path", result.Path),
		zap.String("source", string(result.Source)),
		zap.Int64("bytes", result.SizeBytes),
	)

	if o.cfg.Diagnostics.Always {
		o.emitDiagnostics(ctx, env, "", nil)
	}

	summary := &Summary{RunID: o.runID, State: StateCaptured, Capture: result, Duration: time.Since(start)}
	if env.Loader != nil {
		if err := env.Loader.Run(ctx, o.cfg.Capture.Dir); err != nil {
			summary.Duration = time.Since(start)
			return summary, err
		}
	}
	summary.Duration = time.Since(start)
	o.log.Info("Run finished", zap.Duration("duration", summary.Duration))
	return summary, nil
}

// acquire works the capture tiers in order: hooked download around the
// control cascade, then the network slot, then the rendered table. The
// reason is only meaningful when the error is non-nil.
func (o *Orchestrator) acquire(ctx context.Context, env *Environment) (*capture.Result, string, error) {
	// Armed first so the sniffer sees the traffic the activation causes.
	env.Sniffer.Arm(ctx)

	var tierErr error
	result, activated, err := env.Binder.BindAndSave(ctx, func(actCtx context.Context) (bool, error) {
		activation, ok, err := env.Cascade.Acquire(actCtx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		o.log.Info("Export control activated",
			zap.String("strategy", activation.Strategy.String()),
			zap.String("scope", activation.Scope),
			zap.String("control", activation.Control),
		)
		return true, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		if !activated {
			return nil, ReasonNoExportControl, fmt.Errorf("activating export control: %w", err)
		}
		o.log.Warn("Direct download tier failed", zap.Error(err))
		tierErr = err
	}
	if result != nil {
		return result, "", nil
	}

	result, ok, err := env.Sniffer.Flush(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		o.log.Warn("Network sniff tier failed", zap.Error(err))
	} else if ok {
		return result, "", nil
	}

	result, ok, err = env.Transcoder.Transcode(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		o.log.Warn("Table scrape tier failed", zap.Error(err))
	} else if ok {
		return result, "", nil
	}

	if activated {
		if tierErr == nil {
			tierErr = fmt.Errorf("%w: control activated but no data landed", capture.ErrDownloadTimeout)
		}
		return nil, ReasonDownloadTimeout, tierErr
	}
	return nil, ReasonNoExportControl, fmt.Errorf("%w: no export control found and every fallback missed", ErrAcquisitionExhausted)
}

func (o *Orchestrator) fail(ctx context.Context, env *Environment, start time.Time, reason string, err error) (*Summary, error) {
	o.setState(StateFailed)
	fields := []zap.Field{zap.Error(err)}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	o.log.Error("Run failed", fields...)

	if env != nil {
		o.emitDiagnostics(ctx, env, reason, err)
	}
	return &Summary{RunID: o.runID, State: StateFailed, Reason: reason, Duration: time.Since(start)}, err
}

// emitDiagnostics snapshots the page on a context detached from the run so
// evidence still lands when the run itself timed out.
func (o *Orchestrator) emitDiagnostics(ctx context.Context, env *Environment, reason string, failure error) {
	if env.Diagnostics == nil {
		return
	}
	diagCtx, cancel := context.WithTimeout(browser.Detach(ctx), 15*time.Second)
	defer cancel()

	dir, err := env.Diagnostics.Emit(diagCtx, o.runID, reason, failure)
	if err != nil {
		o.log.Warn("Could not write diagnostics bundle", zap.Error(err))
		return
	}
	o.log.Info("Diagnostics preserved", zap.String("dir", dir))
}

// classifySessionError maps session resolution failures onto the run's
// failure classes. Both chains stay unwrappable.
func classifySessionError(err error) (string, error) {
	switch {
	case errors.Is(err, session.ErrSessionExpired):
		return ReasonInvalidSession, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	case errors.Is(err, session.ErrArtifactMissing), errors.Is(err, session.ErrArtifactInvalid):
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	default:
		return "", fmt.Errorf("resolving session: %w", err)
	}
}
