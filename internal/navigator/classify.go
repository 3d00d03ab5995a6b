// Package navigator drives the browser to an authenticated dashboard page.
// It builds the candidate target list, visits targets in priority order, and
// classifies what each navigation actually landed on.
package navigator

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Classification names what a settled page turned out to be.
type Classification int

const (
	// Unknown is any page the other classes do not positively identify.
	Unknown Classification = iota
	// AuthenticatedTarget is a dashboard page carrying finance landmarks.
	AuthenticatedTarget
	// MarketingShell is the logged-out public site rendered in place of the
	// dashboard.
	MarketingShell
	// LoginRedirect means the site bounced the navigation to a login page.
	LoginRedirect
)

func (c Classification) String() string {
	switch c {
	case AuthenticatedTarget:
		return "authenticated-target"
	case MarketingShell:
		return "marketing-shell"
	case LoginRedirect:
		return "login-redirect"
	default:
		return "unknown"
	}
}

// financeLandmarks mark a page as the authenticated dashboard. One hit is
// enough.
var financeLandmarks = []string{
	"Transactions",
	"Earnings",
	"Payouts",
	"Export",
}

// marketingSignals mark the logged-out public site. Three distinct hits are
// required, and only on pages with zero finance landmarks, so thin or
// ambiguous pages stay Unknown instead of being misread as marketing.
var marketingSignals = []string{
	"Become a host",
	"Book unforgettable cars",
	"Skip the rental car counter",
	"The world's largest car sharing marketplace",
	"List your car",
	"Browse by destination",
	"Sign up",
	"Log in",
}

// loginPathSegments identify login pages by URL alone, before any markup is
// consulted.
var loginPathSegments = map[string]struct{}{
	"login":        {},
	"signin":       {},
	"sign-in":      {},
	"sign_in":      {},
	"auth":         {},
	"authenticate": {},
	"session":      {},
	"sessions":     {},
	"sso":          {},
	"oauth":        {},
}

// Classify maps a settled page to its classification. It is a pure function
// of the final URL and the serialized document.
func Classify(pageURL, html string) Classification {
	if isLoginURL(pageURL) {
		return LoginRedirect
	}
	if strings.TrimSpace(html) == "" {
		return Unknown
	}

	text := visibleText(html)
	if text == "" {
		return Unknown
	}

	landmarks := countHits(text, financeLandmarks)
	if landmarks > 0 {
		return AuthenticatedTarget
	}
	if countHits(text, marketingSignals) >= 3 {
		return MarketingShell
	}
	return Unknown
}

func isLoginURL(pageURL string) bool {
	u, err := url.Parse(pageURL)
	if err != nil {
		return false
	}
	for _, segment := range strings.Split(u.Path, "/") {
		if _, ok := loginPathSegments[strings.ToLower(segment)]; ok {
			return true
		}
	}
	return false
}

// visibleText approximates the text a user sees: the document text with
// script, style, and noscript content stripped.
func visibleText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript").Remove()
	return strings.ToLower(doc.Text())
}

// countHits counts how many distinct markers appear in the lowercased page
// text. Repeated occurrences of one marker count once.
func countHits(lowerText string, markers []string) int {
	hits := 0
	for _, marker := range markers {
		if strings.Contains(lowerText, strings.ToLower(marker)) {
			hits++
		}
	}
	return hits
}
