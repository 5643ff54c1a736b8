// Package worker implements spec.md §4.D: the Download Worker. One Worker
// drives one Chunk Job through exactly one ranged HTTP(S) request at a
// time, re-entering on redirect or retry per the explicit state machine
// spec.md §9 calls for (Idle -> Requesting -> Streaming -> {Retrying,
// Redirecting, Complete, Failed}) rather than the teacher's recursive
// downloadTask/worker retry loop in internal/engine/concurrent/worker.go,
// which this package's buffering thresholds and EMA speed sampling are
// grounded on.
package worker

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/modfetch/engine/internal/engine/job"
	"github.com/modfetch/engine/internal/engine/speed"
	"github.com/modfetch/engine/internal/engine/throttle"
	"github.com/modfetch/engine/internal/engine/types"
	engerrors "github.com/modfetch/engine/internal/errors"
	"github.com/modfetch/engine/internal/limiter"
	"github.com/modfetch/engine/internal/utils"

	"github.com/vfaronov/httpheader"
)

// Worker drives a single Chunk Job's HTTP lifecycle.
type Worker struct {
	ID        int
	Job       *job.Job
	Client    *http.Client
	UserAgent string
	Throttle  *throttle.Factory
	Speed     *speed.Calculator
	Jar       http.CookieJar // best-effort; nil is fine

	// OnStallVerdict, if set, is invoked with every Speed Calculator
	// verdict for this worker's synced byte acks, letting the Manager
	// react to starvation without the worker package depending on it.
	OnStallVerdict func(speed.Verdict)

	// OnSynced, if set, is invoked every time the Assembler acks a write
	// at an fsync checkpoint, after the Job's confirmed-* counters have
	// advanced, so the Manager can emit a progress_cb carrying a fresh
	// chunks_snapshot (spec.md §6: "chunks_snapshot is present only on
	// synced acks").
	OnSynced func()

	// ReadBufferSize overrides the per-Read() syscall buffer size (default
	// types.WorkerBuffer). Set by the Manager from its RuntimeConfig.
	ReadBufferSize int64

	// MaxRetries caps in-place retries against the Job's current mirror
	// before AssignJob fails over to the next one (default
	// types.MaxTaskRetries). Set by the Manager from its RuntimeConfig.
	MaxRetries int

	mu          sync.Mutex
	redirects   int
	cancel      context.CancelFunc
	paused      bool
	restartFlag bool
}

// New constructs a Worker. client must not be nil; jar may be nil, in
// which case cookies are skipped (best effort, per spec.md §4.D).
func New(id int, j *job.Job, client *http.Client, userAgent string, tf *throttle.Factory, sc *speed.Calculator, jar http.CookieJar) *Worker {
	return &Worker{
		ID:        id,
		Job:       j,
		Client:    client,
		UserAgent: userAgent,
		Throttle:  tf,
		Speed:     sc,
		Jar:       jar,
	}
}

// splitReferer implements spec.md §6's Referer encoding: a URL of the form
// real<referer is split at the first '<'.
func splitReferer(raw string) (url, referer string) {
	if idx := strings.IndexByte(raw, '<'); idx >= 0 {
		return raw[:idx], raw[idx+1:]
	}
	return raw, ""
}

// AssignJob runs the worker's full attempt lifecycle against its Job. It
// blocks until the job reaches a terminal or paused state.
// Each internal redirect/retry/restart re-enters this same method's
// request loop without recursion, per the explicit attempt state
// machine. Every iteration gets its own child context so Pause/Restart
// can abort exactly the in-flight request without killing the worker's
// ability to issue a follow-up one.
func (w *Worker) AssignJob(parent context.Context) {
	w.Job.SetState(job.StateRunning)

	maxRetries := w.MaxRetries
	if maxRetries <= 0 {
		maxRetries = types.MaxTaskRetries
	}
	retries := 0

	for {
		ctx, cancel := context.WithCancel(parent)
		w.mu.Lock()
		w.cancel = cancel
		w.mu.Unlock()

		w.Job.SetAttempt(job.AttemptRequesting)
		redirected, err := w.attempt(ctx)
		cancel()

		w.mu.Lock()
		paused := w.paused
		restart := w.restartFlag
		w.restartFlag = false
		w.mu.Unlock()

		if paused {
			// Pause() already transitioned the job and consumed the
			// exactly-once finish slot; nothing more to do here.
			return
		}
		if restart {
			continue
		}

		if err != nil {
			if isRetryable(err) && w.Job.Received > 0 && retries < maxRetries {
				retries++
				w.Job.SetAttempt(job.AttemptRetrying)
				continue
			}
			// Current mirror's retries (if any applied) are exhausted;
			// fail over to the next mirror per spec.md §8.2 before
			// giving up on the job entirely.
			if w.Job.AdvanceMirror() {
				retries = 0
				w.Job.SetAttempt(job.AttemptRetrying)
				continue
			}
			w.Job.SetAttempt(job.AttemptFailed)
			w.Job.MarkFinished(func() {
				if w.Job.ErrorCB != nil {
					w.Job.ErrorCB(err)
				}
			})
			return
		}
		if redirected {
			w.Job.SetAttempt(job.AttemptRedirecting)
			time.Sleep(types.RedirectSettleDelay)
			continue
		}

		w.Job.SetAttempt(job.AttemptComplete)
		w.Job.MarkFinished(func() {
			if w.Job.CompletionCB != nil {
				w.Job.CompletionCB()
			}
		})
		return
	}
}

// isRetryable reports whether err represents a transient socket error
// worth retrying in place, per spec.md §4.D.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr interface{ Timeout() bool }
	if ok := errorsAs(err, &netErr); ok && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "EOF")
}

func errorsAs(err error, target *interface{ Timeout() bool }) bool {
	type timeouter interface{ Timeout() bool }
	for err != nil {
		if t, ok := err.(timeouter); ok {
			*target = t
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// attempt issues exactly one HTTP request and, on 2xx, streams the
// response body to completion. It returns redirected=true if the caller
// should re-enter with a new URL.
func (w *Worker) attempt(ctx context.Context) (redirected bool, err error) {
	live := w.Job.LiveSnapshot()
	rawURL, referer := splitReferer(w.Job.URL())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, engerrors.DataInvalid(err.Error())
	}
	req.Header.Set("User-Agent", w.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", live.Offset, live.Offset+live.Size))
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if w.Jar != nil {
		// Cookie retrieval failure must never fail the download.
		func() {
			defer func() { recover() }()
			if cookies := w.Jar.Cookies(req.URL); len(cookies) > 0 {
				for _, c := range cookies {
					req.AddCookie(c)
				}
			}
		}()
	}

	hostLimiter := limiter.GetLimiter(req.URL.Host)
	hostLimiter.WaitIfBlocked()

	resp, err := w.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := hostLimiter.Handle429(resp)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(wait):
		}
		return true, nil
	}
	hostLimiter.ReportSuccess()

	switch {
	case resp.StatusCode == http.StatusMovedPermanently ||
		resp.StatusCode == http.StatusFound ||
		resp.StatusCode == http.StatusTemporaryRedirect ||
		resp.StatusCode == http.StatusPermanentRedirect:
		w.mu.Lock()
		follows := w.redirects
		w.mu.Unlock()
		if follows >= types.MaxRedirectFollow {
			return false, engerrors.NewHTTPError(resp.StatusCode, resp.Status, rawURL)
		}
		loc := resp.Header.Get("Location")
		if loc == "" {
			return false, engerrors.NewHTTPError(resp.StatusCode, resp.Status, rawURL)
		}
		next, err := resp.Location()
		if err != nil {
			next = nil
		}
		newURL := loc
		if next != nil {
			newURL = next.String()
		}
		w.Job.SetURL(newURL)
		w.mu.Lock()
		w.redirects++
		w.mu.Unlock()
		return true, nil

	case resp.StatusCode >= 300:
		return false, engerrors.NewHTTPError(resp.StatusCode, resp.Status, rawURL)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		w.Job.MarkFinished(func() {
			if w.Job.ErrorCB != nil {
				w.Job.ErrorCB(engerrors.DownloadIsHTML(rawURL))
			}
		})
		return false, nil
	}

	var bodyReader io.Reader = resp.Body

	if w.Job.ResponseCB != nil {
		totalSize := parseResponseSize(resp, live)
		chunkable := resp.Header.Get("Content-Range") != ""
		var name string

		// Only the first chunk's response drives the saved filename, so
		// only it pays for the full Content-Disposition/query/magic-byte
		// determination; later chunks only need the cheap header read.
		if live.Offset == 0 {
			determined, newBody, ferr := utils.DetermineFilename(rawURL, resp, false)
			if ferr == nil {
				name = determined
				bodyReader = newBody
			} else {
				_, name, _ = httpheader.ContentDisposition(resp.Header)
			}
		} else {
			_, name, _ = httpheader.ContentDisposition(resp.Header)
		}

		w.Job.ResponseCB(totalSize, name, chunkable)
	}

	return false, w.stream(ctx, bodyReader, contentEncoding(resp))
}

func contentEncoding(resp *http.Response) string {
	return strings.ToLower(resp.Header.Get("Content-Encoding"))
}

func parseResponseSize(resp *http.Response, live job.Snapshot) int64 {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if idx := strings.LastIndexByte(cr, '/'); idx >= 0 {
			if total, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
				return total
			}
		}
	}
	if resp.ContentLength > 0 {
		return live.Offset + resp.ContentLength
	}
	return 0
}

// stream implements spec.md §4.D's data handler: throttle -> optional
// decompression -> buffered merge-and-ack, with backpressure once the
// buffer grows past BufferSizeCap.
func (w *Worker) stream(ctx context.Context, body io.Reader, encoding string) error {
	w.Job.SetAttempt(job.AttemptStreaming)

	var r io.Reader = body
	if w.Throttle != nil {
		r = w.Throttle.Wrap(r)
	}

	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(r)
		defer fl.Close()
		r = fl
	}

	bufSize := w.ReadBufferSize
	if bufSize <= 0 {
		bufSize = types.WorkerBuffer
	}
	var buffered bytes.Buffer
	readBuf := make([]byte, bufSize)

	flush := func() error {
		if buffered.Len() == 0 {
			return nil
		}
		if !w.Job.BeginWrite() {
			return nil // a write is already in flight; caller backs off
		}
		defer w.Job.EndWrite()

		chunk := append([]byte(nil), buffered.Bytes()...)
		buffered.Reset()
		offset := w.Job.Offset
		size := int64(len(chunk))

		w.Job.Advance(size)
		synced, err := w.Job.DataCB(offset, chunk)
		if err != nil {
			return err
		}
		w.Job.Confirm(offset, size)
		if synced {
			if w.OnSynced != nil {
				w.OnSynced()
			}
			if w.Speed != nil {
				verdict := w.Speed.Add(w.ID, size)
				if w.OnStallVerdict != nil {
					w.OnStallVerdict(verdict)
				}
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		w.mu.Lock()
		paused, restart := w.paused, w.restartFlag
		w.mu.Unlock()
		if paused || restart {
			return flush()
		}

		n, err := r.Read(readBuf)
		if n > 0 {
			buffered.Write(readBuf[:n])
			if int64(buffered.Len()) >= types.BufferSizeCap {
				// Backpressure: at BufferSizeCap, flush without the
				// IsWriting check below, to keep the buffered byte count
				// bounded.
				if ferr := flush(); ferr != nil {
					return ferr
				}
			} else if int64(buffered.Len()) >= types.BufferSize && !w.Job.IsWriting() {
				if ferr := flush(); ferr != nil {
					return ferr
				}
			}
		}
		if err == io.EOF {
			return flush()
		}
		if err != nil {
			_ = flush()
			return err
		}
	}
}

// Cancel aborts the in-flight request and terminates the job without
// marking it paused.
func (w *Worker) Cancel() {
	w.mu.Lock()
	c := w.cancel
	w.mu.Unlock()
	if c != nil {
		c()
	}
	w.Job.MarkFinished(func() {
		if w.Job.CompletionCB != nil {
			w.Job.CompletionCB()
		}
	})
}

// Pause aborts the in-flight request and marks the job paused; no further
// data is delivered once paused.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	c := w.cancel
	w.mu.Unlock()
	if c != nil {
		c()
	}
	w.Job.SetState(job.StatePaused)
	// Consume the exactly-once finish slot with a no-op so that if
	// AssignJob's loop observes the cancellation before it checks the
	// paused flag, the resulting MarkFinished call is a no-op rather
	// than firing ErrorCB for what is really a clean pause.
	w.Job.MarkFinished(func() {})
}

// Restart aborts the underlying request without marking the job ended; on
// the next completion of the current stream shutdown, AssignJob re-enters
// the request loop.
func (w *Worker) Restart() {
	w.mu.Lock()
	w.restartFlag = true
	c := w.cancel
	w.mu.Unlock()
	if c != nil {
		c()
	}
}

// NewCookieJar builds a best-effort, in-memory cookie jar. A jar failing
// to construct is not fatal to the caller; it should fall back to nil.
func NewCookieJar() http.CookieJar {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil
	}
	return jar
}
