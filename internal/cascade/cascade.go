// Package cascade finds and fires the dashboard's CSV export control. It
// works through a fixed ladder of discovery strategies, trying each against
// the top document and then against every probeable frame before moving on.
package cascade

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/browser"
	"github.com/xkilldash9x/talon-cli/internal/config"
)

// tagAttribute marks the element a top-document probe selected so the
// follow-up click targets exactly that node even if the DOM shifts.
const tagAttribute = "data-talon-id"

// excludedFrameTokens disqualify frames that never host an export control.
var excludedFrameTokens = []string{
	"doubleclick.net",
	"googletagmanager.com",
	"google-analytics.com",
	"googlesyndication.com",
	"adservice.google",
	"facebook.com",
	"hotjar.com",
	"intercom.io",
	"zendesk.com",
}

// Page is the slice of browser behavior the cascade needs.
type Page interface {
	Evaluate(ctx context.Context, js string, out interface{}) error
	Scopes(ctx context.Context) ([]browser.Scope, error)
	EvalIn(ctx context.Context, scope browser.Scope, js string, out interface{}) error
	Click(ctx context.Context, selector string) error
}

// Strategy identifies which rung of the ladder produced an activation.
type Strategy int

const (
	StrategyDirect Strategy = iota
	StrategyExportMenu
	StrategyOverflowMenu
	StrategyDOMQuery
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct-control"
	case StrategyExportMenu:
		return "export-menu"
	case StrategyOverflowMenu:
		return "overflow-menu"
	case StrategyDOMQuery:
		return "dom-query"
	default:
		return "unknown"
	}
}

// Activation describes the control that was fired.
type Activation struct {
	Strategy Strategy
	// Scope is "top" or the frame URL the control lived in.
	Scope   string
	Control string
}

// Cascade runs the control discovery ladder against one page.
type Cascade struct {
	cfg   config.CascadeConfig
	page  Page
	table []Synonym
	log   *zap.Logger
}

func New(cfg config.CascadeConfig, page Page, logger *zap.Logger) *Cascade {
	return &Cascade{
		cfg:   cfg,
		page:  page,
		table: DefaultTable(),
		log:   logger.Named("cascade"),
	}
}

// Acquire walks the strategies in order until one activates an export
// control. Each strategy is exhausted against the top document and then
// against every probeable frame before the next strategy runs; the first
// activation ends the walk. Whether a download actually follows is the
// capture binder's business, never waited on here. A clean miss is
// (nil, false, nil); the error return is reserved for a dead context.
func (c *Cascade) Acquire(ctx context.Context) (*Activation, bool, error) {
	c.dismissOverlays(ctx)

	strategies := []struct {
		id    Strategy
		top   func(context.Context) (string, bool, error)
		frame func(context.Context, browser.Scope) (string, bool, error)
	}{
		{StrategyDirect, c.directTop, c.directFrame},
		{StrategyExportMenu, c.exportMenuTop, c.exportMenuFrame},
		{StrategyOverflowMenu, c.overflowTop, c.overflowFrame},
		{StrategyDOMQuery, c.queryTop, c.queryFrame},
	}

	for _, strat := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		log := c.log.With(zap.String("strategy", strat.id.String()))

		control, ok, err := strat.top(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, err
			}
			log.Debug("Top document attempt failed", zap.Error(err))
		} else if ok {
			log.Info("Export control activated", zap.String("control", control))
			return &Activation{Strategy: strat.id, Scope: "top", Control: control}, true, nil
		}

		scopes, err := c.probeableScopes(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, err
			}
			log.Debug("Frame enumeration failed", zap.Error(err))
			continue
		}

		for _, scope := range scopes {
			control, ok, err := strat.frame(ctx, scope)
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, err
				}
				log.Debug("Frame attempt failed", zap.String("frame_url", scope.URL), zap.Error(err))
				continue
			}
			if ok {
				log.Info("Export control activated in frame",
					zap.String("frame_url", scope.URL),
					zap.String("control", control),
				)
				return &Activation{Strategy: strat.id, Scope: scope.URL, Control: control}, true, nil
			}
		}
	}
	return nil, false, nil
}

// probeableScopes returns the page's nested frames minus ad and analytics
// surfaces. Frames are re-enumerated per strategy since earlier clicks can
// add or remove them.
func (c *Cascade) probeableScopes(ctx context.Context) ([]browser.Scope, error) {
	scopes, err := c.page.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	var kept []browser.Scope
	for _, scope := range scopes {
		if excludedFrame(scope.URL) {
			c.log.Debug("Skipping excluded frame", zap.String("frame_url", scope.URL))
			continue
		}
		kept = append(kept, scope)
	}
	return kept, nil
}

// excludedFrame reports whether a frame URL belongs to an ad or analytics
// domain.
func excludedFrame(frameURL string) bool {
	lower := strings.ToLower(frameURL)
	for _, token := range excludedFrameTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// -- Strategy 1: direct named control --

func (c *Cascade) directTop(ctx context.Context) (string, bool, error) {
	return c.findAndClickTop(ctx, Labels(c.table, TriggerExport))
}

func (c *Cascade) directFrame(ctx context.Context, scope browser.Scope) (string, bool, error) {
	return c.clickInFrame(ctx, scope, Labels(c.table, TriggerExport))
}

// -- Strategy 2: export menu --

// exportMenuTop opens a menu-opening control, lets the menu render, then
// hunts the revealed items for a direct trigger.
func (c *Cascade) exportMenuTop(ctx context.Context) (string, bool, error) {
	opener, ok, err := c.findAndClickTop(ctx, Labels(c.table, OpenExportMenu))
	if err != nil || !ok {
		return "", false, err
	}
	c.pause(ctx)

	control, ok, err := c.findAndClickTop(ctx, Labels(c.table, TriggerExport))
	if err != nil {
		return "", false, err
	}
	if !ok {
		c.log.Debug("Menu opened but no export entry showed", zap.String("opener", opener))
		return "", false, nil
	}
	return fmt.Sprintf("%s via %s", control, opener), true, nil
}

func (c *Cascade) exportMenuFrame(ctx context.Context, scope browser.Scope) (string, bool, error) {
	opener, ok, err := c.clickInFrame(ctx, scope, Labels(c.table, OpenExportMenu))
	if err != nil || !ok {
		return "", false, err
	}
	c.pause(ctx)

	control, ok, err := c.clickInFrame(ctx, scope, Labels(c.table, TriggerExport))
	if err != nil || !ok {
		return "", false, err
	}
	return fmt.Sprintf("%s via %s", control, opener), true, nil
}

// -- Strategy 3: overflow (kebab) menu --

// overflowTop pops the icon-only overflow menu and hunts it for a trigger,
// descending one Export submenu if the first pass misses.
func (c *Cascade) overflowTop(ctx context.Context) (string, bool, error) {
	opener, ok, err := c.clickTaggedTop(ctx, findOverflowJS())
	if err != nil || !ok {
		return "", false, err
	}
	c.pause(ctx)

	control, ok, err := c.findAndClickTop(ctx, Labels(c.table, TriggerExport))
	if err != nil {
		return "", false, err
	}
	if !ok {
		if _, subOK, subErr := c.findAndClickTop(ctx, Labels(c.table, OpenExportMenu)); subErr != nil || !subOK {
			return "", false, subErr
		}
		c.pause(ctx)
		control, ok, err = c.findAndClickTop(ctx, Labels(c.table, TriggerExport))
		if err != nil || !ok {
			return "", false, err
		}
	}
	return fmt.Sprintf("%s via %s", control, opener), true, nil
}

func (c *Cascade) overflowFrame(ctx context.Context, scope browser.Scope) (string, bool, error) {
	opener, err := c.probeFrame(ctx, scope, clickOverflowJS())
	if err != nil {
		return "", false, err
	}
	if !opener.Matched {
		return "", false, nil
	}
	c.pause(ctx)

	control, ok, err := c.clickInFrame(ctx, scope, Labels(c.table, TriggerExport))
	if err != nil || !ok {
		return "", false, err
	}
	return fmt.Sprintf("%s via %s", control, opener.describe()), true, nil
}

// -- Strategy 4: scripted DOM query --

// queryTop is the last resort: a blind in-page sweep over trigger and
// opener labels with the visibility filter dropped, clicking whatever
// matches first.
func (c *Cascade) queryTop(ctx context.Context) (string, bool, error) {
	labels := append(Labels(c.table, TriggerExport), Labels(c.table, OpenExportMenu)...)
	js, err := queryClickJS(labels)
	if err != nil {
		return "", false, err
	}

	res, err := c.probeTop(ctx, js)
	if err != nil {
		return "", false, err
	}
	if !res.Matched {
		return "", false, nil
	}
	return res.describe(), true, nil
}

func (c *Cascade) queryFrame(ctx context.Context, scope browser.Scope) (string, bool, error) {
	labels := append(Labels(c.table, TriggerExport), Labels(c.table, OpenExportMenu)...)
	js, err := queryClickJS(labels)
	if err != nil {
		return "", false, err
	}

	res, err := c.probeFrame(ctx, scope, js)
	if err != nil {
		return "", false, err
	}
	if !res.Matched {
		return "", false, nil
	}
	return res.describe(), true, nil
}

// -- Probe plumbing --

// findAndClickTop locates a labelled control in the top document and fires
// a trusted click at it through the tag attribute.
func (c *Cascade) findAndClickTop(ctx context.Context, labels []string) (string, bool, error) {
	js, err := findControlJS(labels)
	if err != nil {
		return "", false, err
	}
	return c.clickTaggedTop(ctx, js)
}

// clickTaggedTop runs a tagging probe and clicks whatever it marked.
func (c *Cascade) clickTaggedTop(ctx context.Context, js string) (string, bool, error) {
	res, err := c.probeTop(ctx, js)
	if err != nil {
		return "", false, err
	}
	if !res.Matched {
		return "", false, nil
	}

	selector := fmt.Sprintf(`[%s=%q]`, tagAttribute, res.Tag)
	defer c.cleanupTag(ctx, selector)

	if err := c.page.Click(ctx, selector); err != nil {
		return "", false, fmt.Errorf("clicking %s: %w", res.describe(), err)
	}
	return res.describe(), true, nil
}

func (c *Cascade) clickInFrame(ctx context.Context, scope browser.Scope, labels []string) (string, bool, error) {
	js, err := clickControlJS(labels)
	if err != nil {
		return "", false, err
	}

	res, err := c.probeFrame(ctx, scope, js)
	if err != nil {
		return "", false, err
	}
	if !res.Matched {
		return "", false, nil
	}
	return res.describe(), true, nil
}

func (c *Cascade) probeTop(ctx context.Context, js string) (probeResult, error) {
	probeCtx, cancel := c.probeContext(ctx)
	defer cancel()

	var res probeResult
	if err := c.page.Evaluate(probeCtx, js, &res); err != nil {
		return probeResult{}, err
	}
	return res, nil
}

func (c *Cascade) probeFrame(ctx context.Context, scope browser.Scope, js string) (probeResult, error) {
	probeCtx, cancel := c.probeContext(ctx)
	defer cancel()

	var res probeResult
	if err := c.page.EvalIn(probeCtx, scope, js, &res); err != nil {
		return probeResult{}, err
	}
	return res, nil
}

func (c *Cascade) probeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.ProbeTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	}
	return context.WithCancel(ctx)
}

// cleanupTag strips the temporary targeting attribute. It runs on a
// detached context so a navigation kicked off by the click cannot starve
// the cleanup.
func (c *Cascade) cleanupTag(ctx context.Context, selector string) {
	cleanCtx, cancel := context.WithTimeout(browser.Detach(ctx), 2*time.Second)
	defer cancel()

	if err := c.page.Evaluate(cleanCtx, cleanupTagJS(selector), nil); err != nil && cleanCtx.Err() == nil {
		c.log.Debug("Tag cleanup failed", zap.String("selector", selector), zap.Error(err))
	}
}

// dismissOverlays clears consent banners and promo modals sitting over the
// dashboard. Best effort: a page without overlays reports zero and that is
// fine.
func (c *Cascade) dismissOverlays(ctx context.Context) {
	js, err := dismissOverlayJS(Labels(c.table, DismissOverlay))
	if err != nil {
		return
	}

	probeCtx, cancel := c.probeContext(ctx)
	defer cancel()

	var dismissed int
	if err := c.page.Evaluate(probeCtx, js, &dismissed); err != nil {
		c.log.Debug("Overlay dismissal probe failed", zap.Error(err))
		return
	}
	if dismissed > 0 {
		c.log.Info("Dismissed blocking overlays", zap.Int("count", dismissed))
		c.pause(ctx)
	}
}

// pause gives a just-opened menu or just-dismissed overlay time to render.
func (c *Cascade) pause(ctx context.Context) {
	d := c.cfg.MenuSettle
	if d <= 0 {
		d = 400 * time.Millisecond
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
