package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// timestampLayout renders capture times as UTC yyyyMMdd-HHmmss.
const timestampLayout = "20060102-150405"

// Filename composes the canonical artifact name for a capture instant.
func Filename(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s_%s.csv", prefix, ts.UTC().Format(timestampLayout))
}

// WriteExclusive writes data under the canonical name, appending -2, -3,
// and so on when a capture from the same second already exists. Creation
// is O_EXCL so two captures can never share a file, and a failed write
// removes the partial file rather than leaving it behind.
func WriteExclusive(dir, prefix string, ts time.Time, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating capture dir: %w", err)
	}

	stamp := ts.UTC().Format(timestampLayout)
	for attempt := 1; attempt <= 100; attempt++ {
		name := fmt.Sprintf("%s_%s.csv", prefix, stamp)
		if attempt > 1 {
			name = fmt.Sprintf("%s_%s-%d.csv", prefix, stamp, attempt)
		}
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating %s: %w", path, err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(path)
			return "", fmt.Errorf("closing %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free capture filename for prefix %q at %s", prefix, stamp)
}
