// Package session resolves how prior authentication state reaches the
// browser: either a reusable storage-state artifact captured by an earlier
// interactive login, or a persistent on-disk profile that survives restarts.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/talon-cli/internal/browser/stealth"
	"github.com/xkilldash9x/talon-cli/internal/config"
)

// Mode selects which authentication source is active for a run. Exactly one
// mode applies per run; there is no fallback between them.
type Mode int

const (
	// ModeReusable seeds a fresh browsing context from a serialized
	// storage-state artifact.
	ModeReusable Mode = iota
	// ModeInteractive binds the browser to a persistent profile directory so
	// cookies from a manual login survive across runs.
	ModeInteractive
)

func (m Mode) String() string {
	switch m {
	case ModeReusable:
		return "reusable"
	case ModeInteractive:
		return "interactive"
	default:
		return "unknown"
	}
}

var (
	// ErrArtifactMissing means an artifact path was configured but no file
	// exists there. Unattended runs must fail loudly instead of silently
	// dropping into interactive mode.
	ErrArtifactMissing = errors.New("session artifact not found")
	// ErrArtifactInvalid means the artifact exists but is not a usable
	// storage-state snapshot.
	ErrArtifactInvalid = errors.New("session artifact invalid")
	// ErrSessionExpired means every expiry-bearing token in the artifact is
	// past its expiration; the session needs a human refresh.
	ErrSessionExpired = errors.New("session artifact expired")
)

// Profile is the resolved session context handed to the browser layer.
// Immutable once constructed.
type Profile struct {
	Mode         Mode
	ArtifactPath string
	ProfileDir   string
	// State holds the parsed artifact in reusable mode, nil otherwise.
	State   *StorageState
	Persona stealth.Persona
}

// Resolve constructs the run's session profile from configuration. A set
// artifact path selects reusable mode and the artifact must exist and hold
// plausibly-live tokens; an empty path selects interactive mode and creates
// the profile directory on demand.
func Resolve(cfg config.SessionConfig, logger *zap.Logger) (*Profile, error) {
	log := logger.Named("session")

	if cfg.Artifact != "" {
		if _, err := os.Stat(cfg.Artifact); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, cfg.Artifact)
			}
			return nil, fmt.Errorf("stat session artifact %s: %w", cfg.Artifact, err)
		}

		state, err := LoadStorageState(cfg.Artifact)
		if err != nil {
			return nil, err
		}
		if err := InspectTokens(state, time.Now(), log); err != nil {
			return nil, err
		}

		log.Info("Resolved reusable session from artifact",
			zap.String("artifact", cfg.Artifact),
			zap.Int("cookies", len(state.Cookies)),
			zap.Int("origins", len(state.Origins)),
		)
		return &Profile{
			Mode:         ModeReusable,
			ArtifactPath: cfg.Artifact,
			State:        state,
			Persona:      stealth.DefaultPersona,
		}, nil
	}

	dir, err := filepath.Abs(cfg.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("resolving profile dir %s: %w", cfg.ProfileDir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating profile dir %s: %w", dir, err)
	}

	log.Info("Resolved interactive session with persistent profile",
		zap.String("profile_dir", dir))
	return &Profile{
		Mode:       ModeInteractive,
		ProfileDir: dir,
		Persona:    stealth.DefaultPersona,
	}, nil
}
