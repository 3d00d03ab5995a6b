package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/config"
)

// ErrDownloadTimeout marks an activation that never produced a finished
// download. The tier failed; the run may still succeed through a fallback.
var ErrDownloadTimeout = errors.New("download timed out")

const defaultDownloadTimeout = 30 * time.Second

// Hook is the slice of browser session behavior the capture tiers need.
type Hook interface {
	Run(ctx context.Context, actions ...chromedp.Action) error
	Listen(handler func(ev interface{}))
	BrowserContextID() cdp.BrowserContextID
}

// Binder owns the browser's download machinery for one acquisition run.
type Binder struct {
	cfg  config.CaptureConfig
	hook Hook
	log  *zap.Logger

	// staging overrides the Chrome download directory; empty means a fresh
	// temp dir per bind.
	staging string
}

func NewBinder(cfg config.CaptureConfig, hook Hook, logger *zap.Logger) *Binder {
	return &Binder{cfg: cfg, hook: hook, log: logger.Named("binder")}
}

// BindAndSave arms the download hook and only then invokes activate. The
// order is the whole point: a download that begins before the listener is
// attached is lost, so nothing may fire an export control until the hook
// is armed. The bool reports whether activate actually fired a control;
// when it did but no download finished in time, the error wraps
// ErrDownloadTimeout.
func (b *Binder) BindAndSave(ctx context.Context, activate func(context.Context) (bool, error)) (*Result, bool, error) {
	staging := b.staging
	if staging == "" {
		tmp, err := os.MkdirTemp("", "talon-dl-*")
		if err != nil {
			return nil, false, fmt.Errorf("creating download staging dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		staging = tmp
	}

	begun := make(chan *browser.EventDownloadWillBegin, 4)
	progress := make(chan *browser.EventDownloadProgress, 16)
	b.hook.Listen(func(ev interface{}) {
		switch e := ev.(type) {
		case *browser.EventDownloadWillBegin:
			select {
			case begun <- e:
			default:
			}
		case *browser.EventDownloadProgress:
			select {
			case progress <- e:
			default:
			}
		}
	})

	behavior := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(staging).
		WithEventsEnabled(true)
	if id := b.hook.BrowserContextID(); id != "" {
		behavior = behavior.WithBrowserContextID(id)
	}
	if err := b.hook.Run(ctx, behavior); err != nil {
		return nil, false, fmt.Errorf("arming download hook: %w", err)
	}
	b.log.Debug("Download hook armed", zap.String("staging_dir", staging))

	activated, err := activate(ctx)
	if err != nil {
		return nil, false, err
	}
	if !activated {
		return nil, false, nil
	}

	timeout := b.cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var guid, suggested string
	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, true, ctx.Err()
			}
			return nil, true, fmt.Errorf("%w after %s", ErrDownloadTimeout, timeout)

		case e := <-begun:
			guid = e.GUID
			suggested = e.SuggestedFilename
			b.log.Info("Download started", zap.String("suggested_filename", suggested))

		case e := <-progress:
			// Ignore progress for downloads other than the one we saw begin.
			if guid != "" && e.GUID != guid {
				continue
			}
			switch e.State {
			case browser.DownloadProgressStateCompleted:
				if guid == "" {
					guid = e.GUID
				}
				return b.materialize(staging, guid, suggested)
			case browser.DownloadProgressStateCanceled:
				return nil, true, fmt.Errorf("browser canceled the download")
			}
		}
	}
}

// materialize moves the finished GUID-named download into the capture
// directory under the canonical name.
func (b *Binder) materialize(staging, guid, suggested string) (*Result, bool, error) {
	src := filepath.Join(staging, guid)
	data, err := os.ReadFile(src)
	if err != nil {
		return nil, true, fmt.Errorf("reading downloaded file: %w", err)
	}

	path, err := WriteExclusive(b.cfg.Dir, b.cfg.Prefix, time.Now(), data)
	if err != nil {
		return nil, true, err
	}

	b.log.Info("Download captured",
		zap.String("path", path),
		zap.String("suggested_filename", suggested),
		zap.Int("bytes", len(data)),
	)
	return &Result{Path: path, SizeBytes: int64(len(data)), Source: SourceDirectDownload}, true, nil
}
