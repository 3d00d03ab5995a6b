package navigator

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/talon-cli/internal/config"
)

// Page is the slice of browser behavior the navigator needs.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Settle(ctx context.Context) error
	Location(ctx context.Context) (string, error)
	OuterHTML(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, js string, out interface{}) error
}

// Options carry the pieces of navigation behavior that depend on the
// session mode.
type Options struct {
	// Interactive enables the manual-login gate when a login redirect is
	// hit. Reusable sessions leave it off; for them a login redirect is
	// terminal.
	Interactive bool
	LoginWait   time.Duration
	LoginPoll   time.Duration
	// Confirm blocks until the operator confirms the manual login,
	// typically by pressing enter. Nil disables the gate.
	Confirm func(ctx context.Context) error
	Stdout  io.Writer
}

// Visit records one classified navigation attempt.
type Visit struct {
	URL            string
	FinalURL       string
	Classification Classification
}

// Outcome is what the reach loop ends on.
type Outcome struct {
	// Reached is true when an authenticated dashboard page is showing.
	Reached        bool
	Classification Classification
	FinalURL       string
	History        []Visit
}

// Navigator walks the candidate targets until one classifies as an
// authenticated dashboard page.
type Navigator struct {
	cfg     config.NavigatorConfig
	opts    Options
	page    Page
	prober  *Preflight
	limiter *rate.Limiter
	log     *zap.Logger
}

func New(cfg config.NavigatorConfig, opts Options, page Page, logger *zap.Logger) *Navigator {
	n := &Navigator{
		cfg:  cfg,
		opts: opts,
		page: page,
		log:  logger.Named("navigator"),
	}
	if n.opts.Stdout == nil {
		n.opts.Stdout = os.Stdout
	}
	if cfg.Preflight {
		n.prober = NewPreflight(cfg.PreflightTimeout, logger)
	}
	if cfg.TargetPacing > 0 {
		n.limiter = rate.NewLimiter(rate.Every(cfg.TargetPacing), 1)
	}
	return n
}

// Reach visits candidates in priority order until one classifies as
// authenticated. A login redirect ends the loop: with an interactive
// session the manual-login gate opens once and the sweep restarts after a
// confirmed login; otherwise the redirect is terminal. The error return is
// reserved for broken plumbing; "nothing reachable" is expressed through
// the outcome.
func (n *Navigator) Reach(ctx context.Context) (*Outcome, error) {
	targets, err := BuildTargets(n.cfg.BaseURL, n.cfg.TargetURL, n.cfg.Locale, n.cfg.Paths)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no candidate targets configured")
	}

	if n.prober != nil {
		n.prober.Probe(ctx, n.cfg.BaseURL)
	}

	outcome := &Outcome{}
	gate := n.opts.Interactive && n.opts.Confirm != nil

	for pass := 0; pass < 2; pass++ {
		loginSeen, err := n.sweep(ctx, targets, outcome)
		if err != nil {
			return outcome, err
		}
		if outcome.Reached {
			n.revealFinanceTab(ctx)
			return outcome, nil
		}
		if loginSeen && gate {
			gate = false
			if err := n.awaitLogin(ctx); err != nil {
				n.log.Warn("Manual login did not complete", zap.Error(err))
				return outcome, nil
			}
			n.log.Info("Manual login confirmed, retrying candidate targets")
			continue
		}
		break
	}
	return outcome, nil
}

// sweep walks the target list once, recording every classified visit. It
// stops early on an authenticated page or a login redirect and reports
// whether a login redirect was what stopped it.
func (n *Navigator) sweep(ctx context.Context, targets []string, outcome *Outcome) (bool, error) {
	for _, target := range targets {
		if n.limiter != nil {
			if err := n.limiter.Wait(ctx); err != nil {
				return false, err
			}
		}

		visit, err := n.visit(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			n.log.Warn("Candidate target unreachable", zap.String("url", target), zap.Error(err))
			continue
		}

		outcome.History = append(outcome.History, *visit)
		outcome.Classification = visit.Classification
		outcome.FinalURL = visit.FinalURL

		switch visit.Classification {
		case AuthenticatedTarget:
			outcome.Reached = true
			return false, nil
		case LoginRedirect:
			// Terminal for this pass: the remaining targets would bounce
			// the same way.
			return true, nil
		}
	}
	return false, nil
}

func (n *Navigator) visit(ctx context.Context, target string) (*Visit, error) {
	n.log.Info("Navigating to candidate target", zap.String("url", target))
	if err := n.page.Navigate(ctx, target); err != nil {
		return nil, err
	}
	if err := n.page.Settle(ctx); err != nil {
		return nil, err
	}

	finalURL, err := n.page.Location(ctx)
	if err != nil {
		return nil, err
	}
	html, err := n.page.OuterHTML(ctx)
	if err != nil {
		return nil, err
	}

	visit := &Visit{URL: target, FinalURL: finalURL, Classification: Classify(finalURL, html)}
	n.log.Info("Candidate classified",
		zap.String("final_url", finalURL),
		zap.String("classification", visit.Classification.String()),
	)
	return visit, nil
}

// awaitLogin parks the run while the operator logs in by hand. It returns
// nil once the tab classifies as authenticated or the operator confirms;
// LoginWait bounds the whole gate.
func (n *Navigator) awaitLogin(ctx context.Context) error {
	fmt.Fprintln(n.opts.Stdout)
	fmt.Fprintln(n.opts.Stdout, "A login page is showing in the browser window.")
	fmt.Fprintln(n.opts.Stdout, "Log in there, then press ENTER here to continue.")

	wait := n.opts.LoginWait
	if wait <= 0 {
		wait = 10 * time.Minute
	}
	poll := n.opts.LoginPoll
	if poll <= 0 {
		poll = 3 * time.Second
	}

	gateCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	confirmed := make(chan error, 1)
	go func() { confirmed <- n.opts.Confirm(gateCtx) }()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-gateCtx.Done():
			return fmt.Errorf("waiting for manual login: %w", gateCtx.Err())
		case err := <-confirmed:
			if err != nil {
				return fmt.Errorf("login confirmation aborted: %w", err)
			}
			return nil
		case <-ticker.C:
			if n.loggedIn(gateCtx) {
				n.log.Info("Login detected before operator confirmation")
				return nil
			}
		}
	}
}

// loggedIn peeks at the tab to see whether the login page is gone.
func (n *Navigator) loggedIn(ctx context.Context) bool {
	finalURL, err := n.page.Location(ctx)
	if err != nil {
		return false
	}
	html, err := n.page.OuterHTML(ctx)
	if err != nil {
		return false
	}
	return Classify(finalURL, html) == AuthenticatedTarget
}

const revealTabScript = `(() => {
    const labels = %s;
    const nodes = document.querySelectorAll('a, button, [role="tab"]');
    for (const node of nodes) {
        const text = (node.innerText || '').trim().toLowerCase();
        if (!text) { continue; }
        for (const label of labels) {
            if (text === label || text.startsWith(label + ' ')) {
                node.click();
                return text;
            }
        }
    }
    return '';
})()`

// revealFinanceTab opportunistically clicks a finance tab on the landed
// page, since dashboards often park the export control behind the
// Transactions view. Export itself is not in the label list; activating it
// belongs to the cascade, after the download hook is armed.
func (n *Navigator) revealFinanceTab(ctx context.Context) {
	labels, err := json.Marshal([]string{"transactions", "earnings", "payouts"})
	if err != nil {
		return
	}

	var clicked string
	if err := n.page.Evaluate(ctx, fmt.Sprintf(revealTabScript, labels), &clicked); err != nil {
		n.log.Debug("Finance tab reveal failed", zap.Error(err))
		return
	}
	if clicked == "" {
		return
	}

	n.log.Debug("Clicked finance tab", zap.String("label", clicked))
	if err := n.page.Settle(ctx); err != nil {
		n.log.Debug("Settle after tab reveal aborted", zap.Error(err))
	}
}
