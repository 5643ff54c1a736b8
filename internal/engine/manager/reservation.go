// Package manager implements spec.md §4.E: the Download Manager, the
// engine's public surface. This file is the atomic filename reservation
// algorithm ("unusedName"), grounded on the teacher's uniqueFilePath in
// internal/download/manager.go — generalized from a stat-based loop into
// an exclusive-create loop so two concurrent reservations can never pick
// the same name, per spec.md §8's testable property 3.
package manager

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	engerrors "github.com/modfetch/engine/internal/errors"
)

// Redownload is the collision policy spec.md §3 names on RunningDownload.
type Redownload string

const (
	RedownloadAlways  Redownload = "always"
	RedownloadNever    Redownload = "never"
	RedownloadAsk      Redownload = "ask"
	RedownloadReplace  Redownload = "replace"
)

var invalidNameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

func sanitizeName(name string) string {
	name = invalidNameChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if name == "" {
		name = "unnamed"
	}
	return name
}

// FileExistsCallback is consulted under redownload=ask; it returns true to
// continue past the collision, false to reject with user_canceled.
type FileExistsCallback func(filename string) bool

// unusedName implements spec.md §4.E's unusedName algorithm. Exclusive
// create is the serialization point: the filesystem, not an in-process
// lock, prevents two concurrent reservations from returning the same
// path.
func unusedName(dir, name string, redownload Redownload, fileExistsCB FileExistsCallback) (string, error) {
	name = sanitizeName(name)
	candidate := filepath.Join(dir, name)

	first := true
	counter := 1
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if err == nil {
			if cerr := f.Close(); cerr != nil && !errors.Is(cerr, os.ErrClosed) {
				// EBADF-class close failures are treated as success per
				// spec.md §4.E step 6.
				_ = cerr
			}
			return candidate, nil
		}

		if !os.IsExist(err) {
			return "", err
		}

		if first {
			first = false
			switch redownload {
			case RedownloadAlways:
				// fall through to suffix loop below
			case RedownloadNever:
				return "", engerrors.AlreadyDownloaded(name)
			case RedownloadReplace:
				return candidate, nil
			case RedownloadAsk:
				ok := true
				if fileExistsCB != nil {
					ok = fileExistsCB(name)
				}
				if !ok {
					return "", engerrors.UserCanceled("")
				}
				// continue with suffix loop
			default:
				return "", engerrors.DataInvalid("unknown redownload policy: " + string(redownload))
			}
		}

		candidate = filepath.Join(dir, base+"."+strconv.Itoa(counter)+ext)
		counter++
	}
}
