// Package diagnostics preserves the evidence of a failed acquisition: the
// rendered page, a screenshot, and an inventory of every control the page
// offered. A selector that stops matching is diagnosed from these files,
// not from a rerun.
package diagnostics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/talon-cli/internal/config"
)

// Page is the slice of session behavior the emitter reads from.
type Page interface {
	Location(ctx context.Context) (string, error)
	OuterHTML(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Evaluate(ctx context.Context, js string, out interface{}) error
}

// Control is one interactive element found on the page.
type Control struct {
	Tag      string `json:"tag"`
	Role     string `json:"role,omitempty"`
	Text     string `json:"text,omitempty"`
	Aria     string `json:"aria,omitempty"`
	ID       string `json:"id,omitempty"`
	Visible  bool   `json:"visible"`
	Disabled bool   `json:"disabled"`
}

// Manifest indexes one diagnostics bundle.
type Manifest struct {
	RunID      string    `json:"run_id"`
	CapturedAt time.Time `json:"captured_at"`
	URL        string    `json:"url,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	Files      []string  `json:"files"`
}

// controlsScript enumerates everything clickable, visible or not. The
// inventory answers "was the export button even on the page" after the
// fact, so hidden controls are listed too and flagged instead of skipped.
const controlsScript = `(() => {
	const isVisible = (el) => {
		const style = window.getComputedStyle(el);
		if (style.visibility === 'hidden' || style.display === 'none' || style.opacity === '0') return false;
		const rect = el.getBoundingClientRect();
		return rect.width > 0 && rect.height > 0;
	};
	const nodes = Array.from(document.querySelectorAll(
		'a, button, [role="button"], [role="menuitem"], [role="option"], [role="tab"], [onclick], input[type="button"], input[type="submit"], select, summary'
	));
	return nodes.slice(0, 250).map((el) => ({
		tag: el.tagName.toLowerCase(),
		role: el.getAttribute('role') || '',
		text: ((el.innerText || el.value || '') + '').replace(/\s+/g, ' ').trim().slice(0, 120),
		aria: el.getAttribute('aria-label') || '',
		id: el.id || '',
		visible: isVisible(el),
		disabled: !!(el.disabled || el.getAttribute('aria-disabled') === 'true'),
	}));
})()`

// Emitter writes diagnostics bundles.
type Emitter struct {
	cfg  config.DiagnosticsConfig
	page Page
	log  *zap.Logger
}

func NewEmitter(cfg config.DiagnosticsConfig, page Page, logger *zap.Logger) *Emitter {
	return &Emitter{cfg: cfg, page: page, log: logger.Named("diagnostics")}
}

// Emit writes a bundle for this run and returns its directory. Artifact
// capture is best effort: a dead tab can refuse a screenshot and the DOM
// snapshot is still worth keeping. Only the directory and the manifest are
// mandatory.
func (e *Emitter) Emit(ctx context.Context, runID, reason string, failure error) (string, error) {
	dir := filepath.Join(e.cfg.Dir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating diagnostics dir: %w", err)
	}

	var (
		mu    sync.Mutex
		files []string
	)
	keep := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		files = append(files, name)
	}

	var g errgroup.Group
	g.Go(func() error {
		html, err := e.page.OuterHTML(ctx)
		if err != nil {
			e.log.Warn("Could not snapshot page HTML", zap.Error(err))
			return nil
		}
		if err := os.WriteFile(filepath.Join(dir, "page.html"), []byte(html), 0o644); err != nil {
			e.log.Warn("Could not write page HTML", zap.Error(err))
			return nil
		}
		keep("page.html")
		return nil
	})
	g.Go(func() error {
		shot, err := e.page.Screenshot(ctx)
		if err != nil {
			e.log.Warn("Could not capture screenshot", zap.Error(err))
			return nil
		}
		if err := os.WriteFile(filepath.Join(dir, "page.png"), shot, 0o644); err != nil {
			e.log.Warn("Could not write screenshot", zap.Error(err))
			return nil
		}
		keep("page.png")
		return nil
	})
	g.Go(func() error {
		var controls []Control
		if err := e.page.Evaluate(ctx, controlsScript, &controls); err != nil {
			e.log.Warn("Could not inventory page controls", zap.Error(err))
			return nil
		}
		data, err := json.MarshalIndent(controls, "", "  ")
		if err != nil {
			e.log.Warn("Could not encode controls inventory", zap.Error(err))
			return nil
		}
		if err := os.WriteFile(filepath.Join(dir, "controls.json"), data, 0o644); err != nil {
			e.log.Warn("Could not write controls inventory", zap.Error(err))
			return nil
		}
		keep("controls.json")
		return nil
	})
	// Artifact tasks never fail the group; misses are logged and skipped.
	_ = g.Wait()

	manifest := Manifest{
		RunID:      runID,
		CapturedAt: time.Now().UTC(),
		Reason:     reason,
		Files:      files,
	}
	if failure != nil {
		manifest.Error = failure.Error()
	}
	if url, err := e.page.Location(ctx); err == nil {
		manifest.URL = url
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding diagnostics manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return "", fmt.Errorf("writing diagnostics manifest: %w", err)
	}

	e.log.Info("Diagnostics bundle written",
		zap.String("dir", dir),
		zap.Strings("artifacts", files),
	)
	return dir, nil
}
