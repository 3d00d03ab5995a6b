package navigator

import (
	"fmt"
	"net/url"
	"path"
)

// BuildTargets assembles the ordered candidate list: the explicit target
// override first, then each configured path against the base URL, each
// followed by its locale-prefixed variant when a locale is set. Duplicates
// collapse to their first position.
func BuildTargets(baseURL, targetURL, locale string, paths []string) ([]string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL %q: %w", baseURL, err)
	}

	var targets []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		if _, dup := seen[raw]; dup {
			return
		}
		seen[raw] = struct{}{}
		targets = append(targets, raw)
	}

	if targetURL != "" {
		add(targetURL)
	}
	for _, p := range paths {
		u := *base
		u.Path = path.Join(base.Path, p)
		add(u.String())

		if locale != "" {
			lu := *base
			lu.Path = path.Join(base.Path, locale, p)
			add(lu.String())
		}
	}
	return targets, nil
}
