package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate. The dashboard
// serves different shells to sessions it mistrusts, so the persona has to
// look like the workstation the session artifact was captured on.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// DefaultPersona provides a realistic default browser profile.
var DefaultPersona = Persona{
	UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	Platform:  "Win32",
	Languages: []string{"en-US", "en"},
	Timezone:  "America/Los_Angeles",
	Locale:    "en-US",
}

// AcceptLanguage renders the persona's language list as an Accept-Language
// header value with descending quality weights.
func (p Persona) AcceptLanguage() string {
	if len(p.Languages) == 0 {
		return p.Locale
	}
	parts := make([]string, 0, len(p.Languages))
	for i, lang := range p.Languages {
		if i == 0 {
			parts = append(parts, lang)
			continue
		}
		q := 10 - i
		if q < 1 {
			q = 1
		}
		parts = append(parts, fmt.Sprintf("%s;q=0.%d", lang, q))
	}
	return strings.Join(parts, ",")
}

// Apply constructs the Chrome DevTools Protocol actions that make the
// automated browser present as a standard, user-operated one. The evasions
// script must be registered before any navigation so it runs on every new
// document, including redirects.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying browser persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("timezone", p.Timezone),
	)

	return chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent),

		// AddScriptToEvaluateOnNewDocument returns an identifier alongside the
		// error, so it needs an ActionFunc wrapper to fit chromedp.Action.
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasionsScript).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),

		emulation.SetTimezoneOverride(p.Timezone),

		// SetLocaleOverride takes no arguments; the locale rides in via the
		// builder method.
		emulation.SetLocaleOverride().WithLocale(p.Locale),

		// Keep the HTTP surface consistent with the JS-visible persona.
		network.SetExtraHTTPHeaders(network.Headers{
			"Accept-Language": p.AcceptLanguage(),
		}),
	}
}
