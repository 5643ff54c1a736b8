package manager

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/modfetch/engine/internal/engine/events"
)

// rangeServer serves data from a fixed byte slice honoring Range requests,
// mirroring what a real chunkable HTTP server would return.
func rangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data)
			return
		}
		var start, end int64
		fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		if end >= int64(len(data)) {
			end = int64(len(data)) - 1
		}
		if start > end || start >= int64(len(data)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func waitForCompletion(t *testing.T, done chan events.DownloadCompleteMsg) events.DownloadCompleteMsg {
	t.Helper()
	select {
	case msg := <-done:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return events.DownloadCompleteMsg{}
	}
}

func TestEnqueueSmallFileSingleChunk(t *testing.T) {
	data := make([]byte, 1024)
	for i := range data {
		data[i] = byte(i)
	}
	srv := rangeServer(t, data)
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{DownloadPath: dir, MaxWorkers: 4, MaxChunks: 4})

	done := make(chan events.DownloadCompleteMsg, 1)
	err := m.Enqueue(EnqueueRequest{
		ID:       "dl1",
		URLs:     []string{srv.URL},
		Filename: "small.bin",
		DestPath: dir,
		FinishCB: func(msg events.DownloadCompleteMsg) { done <- msg },
		FailedCB: func(msg events.DownloadErrorMsg) { t.Fatalf("unexpected failure: %v", msg.Err) },
	})
	require.NoError(t, err)

	msg := waitForCompletion(t, done)
	require.False(t, msg.HadErrors)
	require.Equal(t, 0, msg.UnfinishedChunks)

	got, rerr := os.ReadFile(msg.FilePath)
	require.NoError(t, rerr)
	require.Equal(t, data, got)
}

func TestEnqueueRejectsEmptyURLs(t *testing.T) {
	m := New(Config{DownloadPath: t.TempDir()})
	err := m.Enqueue(EnqueueRequest{ID: "dl1", URLs: nil})
	require.Error(t, err)
}

func TestEnqueueLargeFileSplitsIntoChunks(t *testing.T) {
	size := 24 * 1024 * 1024 // > MinChunk(20MiB) to trigger a split
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	srv := rangeServer(t, data)
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{DownloadPath: dir, MaxWorkers: 4, MaxChunks: 4})

	done := make(chan events.DownloadCompleteMsg, 1)
	err := m.Enqueue(EnqueueRequest{
		ID:       "dl2",
		URLs:     []string{srv.URL},
		Filename: "large.bin",
		DestPath: dir,
		FinishCB: func(msg events.DownloadCompleteMsg) { done <- msg },
		FailedCB: func(msg events.DownloadErrorMsg) { t.Fatalf("unexpected failure: %v", msg.Err) },
	})
	require.NoError(t, err)

	msg := waitForCompletion(t, done)
	require.False(t, msg.HadErrors)

	got, rerr := os.ReadFile(msg.FilePath)
	require.NoError(t, rerr)
	require.Equal(t, data, got)
}

func TestEnqueueHTMLBodyDeletesTempFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>nope</html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{DownloadPath: dir, MaxWorkers: 2, MaxChunks: 2})

	var mu sync.Mutex
	var failed *events.DownloadErrorMsg
	doneFail := make(chan struct{})
	err := m.Enqueue(EnqueueRequest{
		ID:       "dl3",
		URLs:     []string{srv.URL},
		Filename: "page.bin",
		DestPath: dir,
		FailedCB: func(msg events.DownloadErrorMsg) {
			mu.Lock()
			failed = &msg
			mu.Unlock()
			close(doneFail)
		},
	})
	require.NoError(t, err)

	select {
	case <-doneFail:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, failed)
	_, statErr := os.Stat(filepath.Join(dir, "page.bin.part"))
	require.True(t, os.IsNotExist(statErr), "partial file of an HTML response must be removed")
}

func TestUnusedNameNeverPolicyRejectsCollision(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "mod.zip")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	_, err := unusedName(dir, "mod.zip", RedownloadNever, nil)
	require.Error(t, err)
}

func TestUnusedNameAlwaysPolicyAddsSuffix(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "mod.zip")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	got, err := unusedName(dir, "mod.zip", RedownloadAlways, nil)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "mod.1.zip"), got)
}

func TestUnusedNameReplacePolicyReturnsExistingPath(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "mod.zip")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	got, err := unusedName(dir, "mod.zip", RedownloadReplace, nil)
	require.NoError(t, err)
	require.Equal(t, existing, got)
}

func TestUnusedNameAskPolicyRejectsOnFalse(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "mod.zip")
	require.NoError(t, os.WriteFile(existing, []byte("x"), 0o644))

	_, err := unusedName(dir, "mod.zip", RedownloadAsk, func(name string) bool { return false })
	require.Error(t, err)

	if _, statErr := os.Stat(existing); statErr != nil {
		t.Fatalf("existing file must be untouched: %v", statErr)
	}
}

func TestPauseThenResumeYieldsSameFile(t *testing.T) {
	size := 24 * 1024 * 1024
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i * 7) % 256)
	}
	srv := rangeServer(t, data)
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{DownloadPath: dir, MaxWorkers: 4, MaxChunks: 4})

	err := m.Enqueue(EnqueueRequest{
		ID:       "dl4",
		URLs:     []string{srv.URL},
		Filename: "pauseme.bin",
		DestPath: dir,
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	checkpoints := m.Pause("dl4")

	dir2 := t.TempDir()
	m2 := New(Config{DownloadPath: dir2, MaxWorkers: 4, MaxChunks: 4})
	done := make(chan events.DownloadCompleteMsg, 1)

	if len(checkpoints) == 0 {
		t.Skip("download completed before pause observed any running chunk; nothing to resume")
	}

	// Resume into the paused download's own partial file, which already
	// holds every byte below the checkpoints.
	m.mu.Lock()
	paused := m.downloads["dl4"]
	m.mu.Unlock()
	require.NotNil(t, paused)
	paused.mu.Lock()
	resumePath := paused.tempName
	paused.mu.Unlock()
	err = m2.Resume(ResumeRequest{
		ID:       "dl4r",
		FilePath: resumePath,
		URLs:     []string{srv.URL},
		Chunks:   checkpoints,
		Started:  time.Now(),
		FinishCB: func(msg events.DownloadCompleteMsg) { done <- msg },
		FailedCB: func(msg events.DownloadErrorMsg) { t.Fatalf("unexpected failure: %v", msg.Err) },
	})
	require.NoError(t, err)

	msg := waitForCompletion(t, done)

	got, rerr := os.ReadFile(msg.FilePath)
	require.NoError(t, rerr)
	require.Equal(t, data, got)
}

// TestStopNeverStartedRemovesFromTracking covers spec.md §4.E's stop: a
// download still queued (no worker ever assigned) must both fire failedCB
// with user_canceled and be dropped from the Manager's tracking table, same
// as every other terminal path (finishChunk, failDownloadLocked) — not left
// tracked forever.
func TestStopNeverStartedRemovesFromTracking(t *testing.T) {
	// A handler that blocks until its request is canceled occupies the
	// single worker slot, so a second enqueued download's chunk is never
	// picked up by tick() and stays in state init, i.e. "never started."
	// The final m.Stop("dl-occupying") below cancels it so srv.Close()
	// (deferred) doesn't hang waiting for an outstanding request.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := New(Config{DownloadPath: dir, MaxWorkers: 1, MaxChunks: 1})

	err := m.Enqueue(EnqueueRequest{
		ID:       "dl-occupying",
		URLs:     []string{srv.URL},
		DestPath: dir,
		FailedCB: func(events.DownloadErrorMsg) {},
		FinishCB: func(events.DownloadCompleteMsg) {},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var failed *events.DownloadErrorMsg
	doneFail := make(chan struct{})
	err = m.Enqueue(EnqueueRequest{
		ID:       "dl-never-started",
		URLs:     []string{srv.URL},
		DestPath: dir,
		FailedCB: func(msg events.DownloadErrorMsg) {
			mu.Lock()
			failed = &msg
			mu.Unlock()
			close(doneFail)
		},
	})
	require.NoError(t, err)

	m.Stop("dl-never-started")

	select {
	case <-doneFail:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for failed callback")
	}

	mu.Lock()
	require.NotNil(t, failed)
	mu.Unlock()

	m.mu.Lock()
	_, stillTracked := m.downloads["dl-never-started"]
	m.mu.Unlock()
	require.False(t, stillTracked, "Stop must remove a never-started download from m.downloads")

	m.Stop("dl-occupying")
}

func TestSplitRefererPrefix(t *testing.T) {
	url, referer := splitRefererPrefix("https://example.com/f<https://example.com/")
	require.Equal(t, "https://example.com/f", url)
	require.Equal(t, "https://example.com/", referer)

	url, referer = splitRefererPrefix("https://example.com/f")
	require.Equal(t, "https://example.com/f", url)
	require.Equal(t, "", referer)
}

func TestSchemeOf(t *testing.T) {
	require.Equal(t, "https", schemeOf("https://example.com/f"))
	require.Equal(t, "", schemeOf("not-a-url"))
}
