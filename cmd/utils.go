package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/modfetch/engine/internal/state"
)

// resolveDownloadID lets the user pass an unambiguous ID prefix instead of
// the full uuid.
func resolveDownloadID(prefix string) (string, error) {
	records, err := state.List()
	if err != nil {
		return "", fmt.Errorf("list downloads: %w", err)
	}

	var matches []string
	for _, r := range records {
		if r.ID == prefix {
			return r.ID, nil
		}
		if strings.HasPrefix(r.ID, prefix) {
			matches = append(matches, r.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no download matches id %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("id %q is ambiguous, matches %d downloads", prefix, len(matches))
	}
}

// displayName picks the best available name for a Record: the final
// rename target, else the temp/partial name, else the first URL's path.
func displayName(r state.Record) string {
	if r.FinalName != "" {
		return filepath.Base(r.FinalName)
	}
	if r.TempName != "" {
		return filepath.Base(r.TempName)
	}
	if len(r.URLs) > 0 {
		return filepath.Base(r.URLs[0])
	}
	return "unknown"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
