// Package browser owns the Chrome process lifecycle and exposes the page
// primitives the acquisition pipeline is built on: navigation, settling,
// scripted evaluation in the top document and in nested frames, and CDP
// event listening.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/browser/stealth"
	"github.com/xkilldash9x/talon-cli/internal/config"
	"github.com/xkilldash9x/talon-cli/internal/session"
)

const (
	browserStartTimeout = 30 * time.Second
	disposeTimeout      = 10 * time.Second
)

// Session is one live browser bound to a resolved session profile. In
// reusable mode the working tab lives in a dedicated browser context seeded
// from the storage-state artifact; in interactive mode the first tab of the
// persistent profile is the working tab.
type Session struct {
	cfg     config.BrowserConfig
	logger  *zap.Logger
	profile *session.Profile

	allocCancel      context.CancelFunc
	controllerCtx    context.Context
	controllerCancel context.CancelFunc
	tabCtx           context.Context
	tabCancel        context.CancelFunc
	browserContextID cdp.BrowserContextID

	// Network idle tracking, fed by the CDP event listener.
	mu       sync.Mutex
	inflight map[network.RequestID]struct{}

	closeOnce sync.Once
}

// Launch starts Chrome, connects the working tab, applies the fingerprint
// evasions, and seeds authentication state when the profile carries any.
// The returned session must be closed by the caller.
func Launch(ctx context.Context, cfg config.BrowserConfig, prof *session.Profile, logger *zap.Logger) (*Session, error) {
	log := logger.Named("browser")

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, buildAllocatorOptions(cfg, prof)...)
	controllerCtx, controllerCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:              cfg,
		logger:           log,
		profile:          prof,
		allocCancel:      allocCancel,
		controllerCtx:    controllerCtx,
		controllerCancel: controllerCancel,
		inflight:         make(map[network.RequestID]struct{}),
	}

	success := false
	defer func() {
		if !success {
			s.teardown()
		}
	}()

	// Confirm the browser process starts and responds before going further.
	startCtx, startCancel := context.WithTimeout(controllerCtx, browserStartTimeout)
	defer startCancel()
	if err := chromedp.Run(startCtx); err != nil {
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	if prof.Mode == session.ModeReusable {
		if err := s.openIsolatedTab(controllerCtx); err != nil {
			return nil, err
		}
	} else {
		s.tabCtx = controllerCtx
		s.tabCancel = controllerCancel
	}

	// Attach the working tab before registering listeners against it.
	if err := chromedp.Run(s.tabCtx); err != nil {
		return nil, fmt.Errorf("connecting working tab: %w", err)
	}
	s.trackNetwork()

	setup := chromedp.Tasks{network.Enable()}
	setup = append(setup, stealth.Apply(prof.Persona, log)...)
	if err := chromedp.Run(s.tabCtx, setup); err != nil {
		return nil, fmt.Errorf("applying session setup tasks: %w", err)
	}

	if prof.Mode == session.ModeReusable && prof.State != nil {
		if err := s.seedState(s.tabCtx, prof.State); err != nil {
			return nil, err
		}
	}

	success = true
	log.Info("Browser session ready",
		zap.String("mode", prof.Mode.String()),
		zap.Bool("headless", cfg.Headless),
	)
	return s, nil
}

// openIsolatedTab creates a dedicated browser context plus a tab inside it
// and binds s.tabCtx to that tab.
func (s *Session) openIsolatedTab(controllerCtx context.Context) error {
	var browserContextID cdp.BrowserContextID
	var targetID target.ID

	err := chromedp.Run(controllerCtx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		browserContextID, err = target.CreateBrowserContext().Do(c)
		if err != nil {
			return fmt.Errorf("creating browser context: %w", err)
		}
		targetID, err = target.CreateTarget("about:blank").
			WithBrowserContextID(browserContextID).
			Do(c)
		if err != nil {
			s.bestEffortDispose(c, browserContextID)
			return fmt.Errorf("creating target: %w", err)
		}
		return nil
	}))
	if err != nil {
		return err
	}

	s.browserContextID = browserContextID
	s.tabCtx, s.tabCancel = chromedp.NewContext(controllerCtx, chromedp.WithTargetID(targetID))
	return nil
}

func (s *Session) bestEffortDispose(ctx context.Context, id cdp.BrowserContextID) {
	if ctx.Err() != nil {
		return
	}
	cleanupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := target.DisposeBrowserContext(id).Do(cleanupCtx); err != nil {
		s.logger.Debug("Failed to dispose orphaned browser context",
			zap.String("browser_context_id", string(id)), zap.Error(err))
	}
}

// trackNetwork keeps the inflight request set current so Settle can wait for
// network quiet.
func (s *Session) trackNetwork() {
	chromedp.ListenTarget(s.tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			s.mu.Lock()
			s.inflight[e.RequestID] = struct{}{}
			s.mu.Unlock()
		case *network.EventLoadingFinished:
			s.mu.Lock()
			delete(s.inflight, e.RequestID)
			s.mu.Unlock()
		case *network.EventLoadingFailed:
			s.mu.Lock()
			delete(s.inflight, e.RequestID)
			s.mu.Unlock()
		}
	})
}

// Run executes chromedp actions against the working tab, honoring both the
// tab lifetime and the caller's context.
func (s *Session) Run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(s.tabCtx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// Listen registers a CDP event handler on the working tab. Handlers stay
// registered for the tab's lifetime; chromedp offers no unlisten.
func (s *Session) Listen(handler func(ev interface{})) {
	chromedp.ListenTarget(s.tabCtx, handler)
}

// BrowserContextID reports the isolated context the working tab lives in.
// Empty in interactive mode, where the default context is used.
func (s *Session) BrowserContextID() cdp.BrowserContextID {
	return s.browserContextID
}

// Navigate loads a URL in the working tab, bounded by the configured
// navigation timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := s.boundedContext(ctx, s.cfg.NavigationTimeout)
	defer cancel()

	s.logger.Debug("Navigating", zap.String("url", url))
	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// Settle waits for the document body to exist and then for the network to go
// quiet, bounded by the configured settle timeout. A page that never settles
// is not an error; classification proceeds on whatever state is present.
func (s *Session) Settle(ctx context.Context) error {
	settleCtx, cancel := s.boundedContext(ctx, s.cfg.SettleTimeout)
	defer cancel()

	if err := chromedp.Run(settleCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Body readiness wait gave up", zap.Error(err))
	}

	if err := s.waitNetworkIdle(settleCtx, s.cfg.QuietPeriod); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Debug("Network did not go quiet within the settle window", zap.Error(err))
	}
	return nil
}

// waitNetworkIdle polls until there are no inflight requests for a full
// quiet period.
func (s *Session) waitNetworkIdle(ctx context.Context, quietPeriod time.Duration) error {
	if quietPeriod <= 0 {
		quietPeriod = 500 * time.Millisecond
	}
	ticker := time.NewTicker(quietPeriod / 2)
	defer ticker.Stop()

	lastActivity := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			inflightCount := len(s.inflight)
			s.mu.Unlock()

			if inflightCount > 0 {
				lastActivity = time.Now()
			} else if time.Since(lastActivity) >= quietPeriod {
				return nil
			}
		}
	}
}

// Location reports the working tab's current URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	var url string
	if err := s.Run(ctx, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("reading location: %w", err)
	}
	return url, nil
}

// OuterHTML captures the serialized document of the working tab.
func (s *Session) OuterHTML(ctx context.Context) (string, error) {
	var html string
	if err := s.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("capturing outer HTML: %w", err)
	}
	return html, nil
}

// Screenshot captures the full page as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.Run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return buf, nil
}

// Evaluate runs JavaScript in the top document's main world and unmarshals
// the result into out when out is non-nil.
func (s *Session) Evaluate(ctx context.Context, js string, out interface{}) error {
	return s.Run(ctx, chromedp.Evaluate(js, out))
}

// Click scrolls the first match of selector into view and clicks it.
func (s *Session) Click(ctx context.Context, selector string) error {
	return s.Run(ctx,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
}

// Close disposes the isolated browser context when one exists and shuts the
// browser process down, bounded by the caller's context.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.logger.Debug("Closing browser session")

		if s.browserContextID != "" && s.controllerCtx.Err() == nil {
			disposeCtx, cancel := context.WithTimeout(s.controllerCtx, disposeTimeout)
			if err := chromedp.Run(disposeCtx, target.DisposeBrowserContext(s.browserContextID)); err != nil {
				s.logger.Debug("Failed to dispose browser context on close", zap.Error(err))
			}
			cancel()
		}

		s.teardown()

		select {
		case <-s.controllerCtx.Done():
		case <-ctx.Done():
			s.logger.Warn("Gave up waiting for browser shutdown", zap.Error(ctx.Err()))
		}
	})
	return nil
}

// teardown cancels the chromedp contexts innermost-first.
func (s *Session) teardown() {
	if s.tabCancel != nil {
		s.tabCancel()
	}
	if s.controllerCancel != nil {
		s.controllerCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// boundedContext combines the tab lifetime with the caller's context and an
// optional timeout.
func (s *Session) boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	combined, cancelCombined := CombineContext(s.tabCtx, ctx)
	if timeout <= 0 {
		return combined, cancelCombined
	}
	bounded, cancelBounded := context.WithTimeout(combined, timeout)
	return bounded, func() {
		cancelBounded()
		cancelCombined()
	}
}
