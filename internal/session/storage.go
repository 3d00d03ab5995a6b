package session

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// StorageState mirrors the storage-state snapshot format produced by browser
// automation tooling: cookies plus per-origin localStorage entries.
type StorageState struct {
	Cookies []Cookie `json:"cookies"`
	Origins []Origin `json:"origins"`
}

// Cookie is a single serialized cookie. Expires is a unix timestamp in
// seconds; -1 marks a session cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// Origin carries the localStorage entries captured for one origin.
type Origin struct {
	Origin       string        `json:"origin"`
	LocalStorage []StorageItem `json:"localStorage"`
}

// StorageItem is one localStorage key/value pair.
type StorageItem struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LoadStorageState reads and parses a storage-state artifact. A snapshot with
// neither cookies nor origin storage cannot authenticate anything and is
// rejected as invalid.
func LoadStorageState(path string) (*StorageState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session artifact %s: %w", path, err)
	}

	var state StorageState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrArtifactInvalid, path, err)
	}
	if len(state.Cookies) == 0 && len(state.Origins) == 0 {
		return nil, fmt.Errorf("%w: %s holds no cookies or origin storage", ErrArtifactInvalid, path)
	}
	return &state, nil
}

// InspectTokens scans cookie and localStorage values that parse as JWTs and
// checks their expiration claims against now. Individual expired tokens only
// produce warnings; the artifact is rejected when every expiry-bearing token
// is stale, since the dashboard would bounce such a session to login anyway.
func InspectTokens(state *StorageState, now time.Time, log *zap.Logger) error {
	var total, expired int

	check := func(source, name, value string) {
		exp, ok := tokenExpiry(value)
		if !ok {
			return
		}
		total++
		if exp.Before(now) {
			expired++
			log.Warn("Session token is expired",
				zap.String("source", source),
				zap.String("name", name),
				zap.Time("expired_at", exp),
			)
		}
	}

	for _, c := range state.Cookies {
		check("cookie", c.Name, c.Value)
	}
	for _, o := range state.Origins {
		for _, item := range o.LocalStorage {
			check("localStorage", item.Name, item.Value)
		}
	}

	if total > 0 && expired == total {
		return fmt.Errorf("%w: all %d expiry-bearing tokens are stale", ErrSessionExpired, total)
	}
	return nil
}

// Parses without verifying; we only read claims and never trust the
// signature.
var unverifiedParser = new(jwt.Parser)

// tokenExpiry extracts the expiration time from a value that looks like a
// JWT. Returns false for non-JWT values and for tokens without an exp claim.
func tokenExpiry(raw string) (time.Time, bool) {
	if strings.Count(raw, ".") != 2 || !strings.HasPrefix(raw, "eyJ") {
		return time.Time{}, false
	}
	token, _, err := unverifiedParser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
