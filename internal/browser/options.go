package browser

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/talon-cli/internal/config"
	"github.com/xkilldash9x/talon-cli/internal/session"
)

// buildAllocatorOptions translates the browser configuration and resolved
// session profile into chromedp allocator options. Later flags override the
// chromedp defaults, which is how the automation banners get suppressed and
// how headful mode undoes the default headless flag.
func buildAllocatorOptions(cfg config.BrowserConfig, prof *session.Profile) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		// Required on hardened kernels and in containers.
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		// Dashboards fingerprint these two surfaces aggressively.
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(prof.Persona.UserAgent),
		chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height),
	)

	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if prof.Mode == session.ModeInteractive {
		opts = append(opts, chromedp.UserDataDir(prof.ProfileDir))
	}

	// Extra flags from configuration, either "name" or "name=value".
	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	return opts
}
