package cascade

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/talon-cli/internal/browser"
	"github.com/xkilldash9x/talon-cli/internal/config"
)

// scriptKind tells the probe scripts apart by the labels baked into them.
func scriptKind(js string) string {
	hasTrigger := strings.Contains(js, `"download csv"`)
	hasOpener := strings.Contains(js, `"more actions"`)
	switch {
	case strings.Contains(js, `"accept all"`):
		return "dismiss"
	case strings.Contains(js, "⋮"):
		return "overflow"
	case hasTrigger && hasOpener:
		return "query"
	case hasTrigger:
		return "trigger"
	case hasOpener:
		return "opener"
	case strings.Contains(js, "removeAttribute"):
		return "cleanup"
	default:
		return "other"
	}
}

type scriptCall struct {
	kind  string
	frame string // empty for the top document
}

// fakePage answers probes from per-kind queues, so a kind can miss on its
// first consultation and hit on a later one.
type fakePage struct {
	mu         sync.Mutex
	scopes     []browser.Scope
	scopesErr  error
	scopeCalls int
	calls      []scriptCall
	clicks     []string
	clickErr   error
	topQueue   map[string][]probeResult
	frameHits  map[string]map[string]probeResult
	dismissed  int
}

func newFakePage() *fakePage {
	return &fakePage{
		topQueue:  make(map[string][]probeResult),
		frameHits: make(map[string]map[string]probeResult),
	}
}

func (f *fakePage) queueTop(kind string, res probeResult) {
	f.topQueue[kind] = append(f.topQueue[kind], res)
}

func (f *fakePage) stubFrame(url, kind string, res probeResult) {
	if f.frameHits[url] == nil {
		f.frameHits[url] = make(map[string]probeResult)
	}
	f.frameHits[url][kind] = res
}

func (f *fakePage) Evaluate(_ context.Context, js string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := scriptKind(js)
	f.calls = append(f.calls, scriptCall{kind: kind})
	switch v := out.(type) {
	case *int:
		*v = f.dismissed
	case *probeResult:
		if q := f.topQueue[kind]; len(q) > 0 {
			*v = q[0]
			f.topQueue[kind] = q[1:]
		}
	}
	return nil
}

func (f *fakePage) Scopes(context.Context) ([]browser.Scope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scopeCalls++
	if f.scopesErr != nil {
		return nil, f.scopesErr
	}
	return f.scopes, nil
}

func (f *fakePage) EvalIn(_ context.Context, scope browser.Scope, js string, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kind := scriptKind(js)
	f.calls = append(f.calls, scriptCall{kind: kind, frame: scope.URL})
	if p, ok := out.(*probeResult); ok {
		*p = f.frameHits[scope.URL][kind]
	}
	return nil
}

func (f *fakePage) Click(_ context.Context, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clicks = append(f.clicks, selector)
	return f.clickErr
}

func (f *fakePage) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.kind
	}
	return out
}

func (f *fakePage) framesProbed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.frame != "" {
			out = append(out, c.frame)
		}
	}
	return out
}

func testCascade(t *testing.T, page Page) *Cascade {
	t.Helper()
	cfg := config.CascadeConfig{MenuSettle: time.Millisecond, ProbeTimeout: time.Second}
	return New(cfg, page, zaptest.NewLogger(t))
}

func TestAcquireDirectControlWins(t *testing.T) {
	page := newFakePage()
	page.queueTop("trigger", probeResult{Matched: true, Tag: "talon-1a", Text: "export csv", Role: "button"})

	act, ok, err := testCascade(t, page).Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StrategyDirect, act.Strategy)
	assert.Equal(t, "top", act.Scope)
	assert.Contains(t, act.Control, "export csv")

	// The first activation ends the walk: exactly one trusted click, no
	// frame enumeration, no later strategies.
	require.Len(t, page.clicks, 1)
	assert.Equal(t, `[data-talon-id="talon-1a"]`, page.clicks[0])
	assert.Zero(t, page.scopeCalls)
	assert.Equal(t, []string{"dismiss", "trigger", "cleanup"}, page.kinds())
}

func TestAcquireFallsThroughToFrame(t *testing.T) {
	page := newFakePage()
	page.scopes = []browser.Scope{
		{FrameID: "AD", URL: "https://stats.doubleclick.net/tag"},
		{FrameID: "OK", URL: "https://assets.turo.com/reports"},
	}
	page.stubFrame("https://assets.turo.com/reports", "trigger",
		probeResult{Matched: true, Clicked: true, Text: "download csv", Role: "a"})

	act, ok, err := testCascade(t, page).Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StrategyDirect, act.Strategy)
	assert.Equal(t, "https://assets.turo.com/reports", act.Scope)

	// The ad frame is never probed.
	assert.Equal(t, []string{"https://assets.turo.com/reports"}, page.framesProbed())
	// Frame probes click in place; the trusted-click path stays unused.
	assert.Empty(t, page.clicks)
}

func TestAcquireExcludedFramesOnly(t *testing.T) {
	page := newFakePage()
	page.scopes = []browser.Scope{
		{FrameID: "A", URL: "https://stats.doubleclick.net/tag"},
		{FrameID: "B", URL: "https://www.googletagmanager.com/ns.html"},
		{FrameID: "C", URL: "https://connect.facebook.com/plugin"},
	}
	// Even a frame that would match must not be consulted.
	for _, s := range page.scopes {
		page.stubFrame(s.URL, "trigger", probeResult{Matched: true, Clicked: true, Text: "export csv"})
	}

	act, ok, err := testCascade(t, page).Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, act)
	assert.Empty(t, page.framesProbed())
	// Every strategy still swept the top document before giving up.
	assert.Equal(t, 4, page.scopeCalls)
}

func TestAcquireExportMenuStrategy(t *testing.T) {
	page := newFakePage()
	// Strategy 1 finds nothing; strategy 2 opens the menu and the trigger
	// appears among the revealed items.
	page.queueTop("trigger", probeResult{})
	page.queueTop("opener", probeResult{Matched: true, Tag: "talon-op", Text: "export", Role: "button"})
	page.queueTop("trigger", probeResult{Matched: true, Tag: "talon-it", Text: "csv", Role: "menuitem"})

	act, ok, err := testCascade(t, page).Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StrategyExportMenu, act.Strategy)
	assert.Contains(t, act.Control, "via")
	require.Len(t, page.clicks, 2)
	assert.Equal(t, `[data-talon-id="talon-op"]`, page.clicks[0])
	assert.Equal(t, `[data-talon-id="talon-it"]`, page.clicks[1])
}

func TestAcquireOverflowSubmenu(t *testing.T) {
	page := newFakePage()
	// Strategies 1 and 2 miss. The kebab opens, its menu has no direct
	// trigger but does have an Export submenu, and the trigger sits one
	// level down.
	page.queueTop("trigger", probeResult{})
	page.queueTop("opener", probeResult{})
	page.queueTop("overflow", probeResult{Matched: true, Tag: "talon-kb", Text: "⋮", Role: "button"})
	page.queueTop("trigger", probeResult{})
	page.queueTop("opener", probeResult{Matched: true, Tag: "talon-sub", Text: "export", Role: "menuitem"})
	page.queueTop("trigger", probeResult{Matched: true, Tag: "talon-dl", Text: "download csv", Role: "menuitem"})

	act, ok, err := testCascade(t, page).Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StrategyOverflowMenu, act.Strategy)
	assert.Len(t, page.clicks, 3)
}

func TestAcquireQuerySweepLastResort(t *testing.T) {
	page := newFakePage()
	page.queueTop("query", probeResult{Matched: true, Clicked: true, Text: "export", Role: "a"})

	act, ok, err := testCascade(t, page).Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StrategyDOMQuery, act.Strategy)
	assert.Equal(t, "top", act.Scope)
	// The sweep clicks in page; no trusted click happens.
	assert.Empty(t, page.clicks)

	kinds := page.kinds()
	assert.Equal(t, "query", kinds[len(kinds)-1])
}

func TestAcquireClickFailureMovesOn(t *testing.T) {
	page := newFakePage()
	page.queueTop("trigger", probeResult{Matched: true, Tag: "talon-x", Text: "export csv", Role: "button"})
	page.clickErr = errors.New("node detached")

	act, ok, err := testCascade(t, page).Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, act)
	// The failed click burned strategy 1's only match; the remaining
	// strategies ran and found nothing.
	assert.Len(t, page.clicks, 1)
}

func TestAcquireCanceledContext(t *testing.T) {
	page := newFakePage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := testCascade(t, page).Acquire(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExcludedFrame(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://stats.doubleclick.net/pixel", true},
		{"https://www.GoogleTagManager.com/ns.html", true},
		{"https://static.hotjar.com/box", true},
		{"https://assets.turo.com/reports", false},
		{"about:blank", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, excludedFrame(tc.url), "url %q", tc.url)
	}
}

func TestScriptBuilders(t *testing.T) {
	js, err := findControlJS([]string{"download csv"})
	require.NoError(t, err)
	assert.Contains(t, js, `["download csv"]`)
	assert.Contains(t, js, `"data-talon-id"`)
	assert.NotContains(t, js, "%!")

	click, err := clickControlJS([]string{"export csv"})
	require.NoError(t, err)
	assert.Contains(t, click, "el.click()")
	assert.NotContains(t, click, "%!")

	table := DefaultTable()
	query, err := queryClickJS(append(Labels(table, TriggerExport), Labels(table, OpenExportMenu)...))
	require.NoError(t, err)
	// Trigger labels outrank opener labels in the sweep.
	assert.Less(t, strings.Index(query, `"download csv"`), strings.Index(query, `"more actions"`))

	overflow := findOverflowJS()
	assert.Contains(t, overflow, "⋮")
	assert.Contains(t, overflow, `"data-talon-id"`)
	assert.NotContains(t, overflow, "%!")

	dismiss, err := dismissOverlayJS(Labels(table, DismissOverlay))
	require.NoError(t, err)
	assert.Contains(t, dismiss, `"accept all"`)
	assert.Contains(t, dismiss, "aria-modal")

	cleanup := cleanupTagJS(`[data-talon-id="talon-1"]`)
	assert.Contains(t, cleanup, "removeAttribute")
}
