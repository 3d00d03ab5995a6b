package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/session"
)

// Runs before any page script on every new document and replays the
// captured localStorage entries for the matching origin, exactly once per
// tab per origin.
const seedScriptTemplate = `(() => {
    const seeds = %s;
    try {
        if (window.sessionStorage.getItem('__talon_seeded')) { return; }
        for (const seed of seeds) {
            if (seed.origin !== window.location.origin) { continue; }
            for (const item of (seed.localStorage || [])) {
                window.localStorage.setItem(item.name, item.value);
            }
            window.sessionStorage.setItem('__talon_seeded', '1');
        }
    } catch (e) { /* storage unavailable on this document */ }
})();`

// seedState replays the storage-state artifact into the working tab's
// browser context: cookies through CDP, localStorage through a script that
// fires on each new document.
func (s *Session) seedState(ctx context.Context, state *session.StorageState) error {
	if len(state.Cookies) > 0 {
		if err := chromedp.Run(ctx, network.SetCookies(cookieParams(state.Cookies))); err != nil {
			return fmt.Errorf("seeding cookies: %w", err)
		}
	}

	if script := seedScript(state.Origins); script != "" {
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(c context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(c)
			return err
		}))
		if err != nil {
			return fmt.Errorf("seeding origin storage: %w", err)
		}
	}

	s.logger.Debug("Session state seeded",
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("origins", len(state.Origins)),
	)
	return nil
}

// cookieParams converts artifact cookies into CDP cookie parameters.
func cookieParams(cookies []session.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
			SameSite: sameSite(c.SameSite),
		}
		// Non-positive expiry marks a session cookie; leave Expires unset.
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			p.Expires = &expires
		}
		params = append(params, p)
	}
	return params
}

func sameSite(value string) network.CookieSameSite {
	switch strings.ToLower(value) {
	case "lax":
		return network.CookieSameSiteLax
	case "strict":
		return network.CookieSameSiteStrict
	case "none":
		return network.CookieSameSiteNone
	default:
		return ""
	}
}

// seedScript renders the localStorage replay script, or "" when there is
// nothing to seed.
func seedScript(origins []session.Origin) string {
	if len(origins) == 0 {
		return ""
	}
	payload, err := json.Marshal(origins)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(seedScriptTemplate, payload)
}
