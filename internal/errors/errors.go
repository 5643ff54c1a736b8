// Package errors defines the download engine's error taxonomy. Each
// category except http_error has an errors.Is-compatible sentinel;
// categories that carry data wrap the sentinel via fmt.Errorf("%w: ...").
// http_error is the *HTTPError type, matched with errors.As.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrDataInvalid marks malformed caller input (empty URL list, bad path).
	ErrDataInvalid = errors.New("data invalid")
	// ErrProcessCanceled marks an internal abort (locked file, no chunks left, assembler closed).
	ErrProcessCanceled = errors.New("process canceled")
	// ErrUserCanceled marks an explicit user action or a rejected overwrite prompt.
	ErrUserCanceled = errors.New("user canceled")
	// ErrAlreadyDownloaded marks a redownload=never collision.
	ErrAlreadyDownloaded = errors.New("already downloaded")
	// ErrDownloadIsHTML marks a 2xx response whose body is an HTML page.
	ErrDownloadIsHTML = errors.New("download is html")
	// ErrPaused signals a clean pause, not a failure.
	ErrPaused = errors.New("download paused")
)

// HTTPError represents a non-redirect >=300 HTTP response.
type HTTPError struct {
	Status     int
	StatusText string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d %s for %s", e.Status, e.StatusText, e.URL)
}

// NewHTTPError builds an HTTPError.
func NewHTTPError(status int, statusText, url string) error {
	return &HTTPError{Status: status, StatusText: statusText, URL: url}
}

// DataInvalid wraps ErrDataInvalid with a reason.
func DataInvalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrDataInvalid, reason)
}

// ProcessCanceled wraps ErrProcessCanceled with a reason.
func ProcessCanceled(reason string) error {
	return fmt.Errorf("%w: %s", ErrProcessCanceled, reason)
}

// UserCanceled wraps ErrUserCanceled with a reason.
func UserCanceled(reason string) error {
	if reason == "" {
		return ErrUserCanceled
	}
	return fmt.Errorf("%w: %s", ErrUserCanceled, reason)
}

// AlreadyDownloaded wraps ErrAlreadyDownloaded with the colliding filename.
func AlreadyDownloaded(filename string) error {
	return fmt.Errorf("%w: %s", ErrAlreadyDownloaded, filename)
}

// DownloadIsHTML wraps ErrDownloadIsHTML with the offending URL.
func DownloadIsHTML(url string) error {
	return fmt.Errorf("%w: %s", ErrDownloadIsHTML, url)
}
