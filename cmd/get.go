package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/modfetch/engine/internal/engine/events"
	"github.com/modfetch/engine/internal/engine/manager"
	"github.com/modfetch/engine/internal/state"
	"github.com/modfetch/engine/internal/utils"
)

var getCmd = &cobra.Command{
	Use:   "get <url> [urls...]",
	Short: "Download one or more URLs",
	Long: `Download one or more URLs using parallel ranged requests.

Multiple URLs are downloaded concurrently, sharing the same worker budget.
Use --batch to read URLs (one per line, '#' comments allowed) from a file
instead of or in addition to positional arguments.`,
	Args: cobra.ArbitraryArgs,
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().StringP("output", "o", ".", "destination directory")
	getCmd.Flags().StringP("batch", "b", "", "file of URLs to download, one per line")
	getCmd.Flags().IntP("workers", "w", 4, "maximum concurrent chunk workers across all downloads")
	getCmd.Flags().Int64P("max-rate", "r", 0, "bandwidth cap in bytes/sec (0 = unlimited)")
	getCmd.Flags().String("redownload", "ask", "collision policy: always, never, ask, replace")
	getCmd.Flags().BoolP("verbose", "v", false, "verbose debug logging")
}

func readURLsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			urls = append(urls, line)
		}
	}
	return urls, scanner.Err()
}

func promptFileExists(name string) bool {
	fmt.Fprintf(os.Stderr, "%s already exists, download anyway? [y/N] ", name)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func runGet(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	batch, _ := cmd.Flags().GetString("batch")
	workers, _ := cmd.Flags().GetInt("workers")
	maxRate, _ := cmd.Flags().GetInt64("max-rate")
	redownloadFlag, _ := cmd.Flags().GetString("redownload")

	urls := append([]string{}, args...)
	if batch != "" {
		fileURLs, err := readURLsFromFile(batch)
		if err != nil {
			return err
		}
		urls = append(urls, fileURLs...)
	}
	if len(urls) == 0 {
		return cmd.Help()
	}

	redownload := manager.Redownload(redownloadFlag)

	openStateDB()
	isMaster, err := AcquireLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !isMaster {
		return fmt.Errorf("modfetch is already running a download; wait for it to finish first")
	}
	defer ReleaseLock()

	var maxBandwidth func() int64
	if maxRate > 0 {
		maxBandwidth = func() int64 { return maxRate }
	}

	m := manager.New(manager.Config{
		DownloadPath: output,
		MaxWorkers:   workers,
		MaxChunks:    workers,
		MaxBandwidth: maxBandwidth,
		FileExistsCB: promptFileExists,
	})

	tracker := newRunTracker(len(urls))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nPausing active downloads...")
		tracker.pauseAll(m)
	}()

	for _, rawURL := range urls {
		id := uuid.New().String()
		tracker.register(id, rawURL)

		err := m.Enqueue(manager.EnqueueRequest{
			ID:         id,
			URLs:       []string{rawURL},
			DestPath:   output,
			Redownload: redownload,
			ProgressCB: tracker.onProgress,
			FinishCB:   tracker.onFinish,
			FailedCB:   tracker.onFailed,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error enqueuing %s: %v\n", rawURL, err)
			tracker.fail()
		}
	}

	tracker.wait()
	signal.Stop(sigCh)

	if tracker.failures.Load() > 0 {
		return fmt.Errorf("%d of %d downloads failed", tracker.failures.Load(), len(urls))
	}
	return nil
}

// runTracker fans the Manager's per-download callbacks back into a single
// synchronization point runGet can wait on, and persists enough state for
// `ls`/`status`/Ctrl+C-driven pause to work without a resident daemon.
type runTracker struct {
	mu       sync.Mutex
	urls     map[string]string
	progress map[string]events.ProgressMsg
	start    time.Time
	done     chan struct{}
	pending  atomic.Int64
	failures atomic.Int64
	once     sync.Once
}

func newRunTracker(n int) *runTracker {
	t := &runTracker{
		urls:     make(map[string]string),
		progress: make(map[string]events.ProgressMsg),
		start:    time.Now(),
		done:     make(chan struct{}),
	}
	t.pending.Store(int64(n))
	return t
}

// splitFilePath divides a Manager-reported tempName path (spec.md §4.E's
// unusedName already joins dir+name) back into the DestPath/TempName pair
// state.Record and Manager.Resume expect.
func splitFilePath(path string) (destPath, tempName string) {
	if path == "" {
		return "", ""
	}
	return filepath.Dir(path), filepath.Base(path)
}

func (t *runTracker) register(id, url string) {
	t.mu.Lock()
	t.urls[id] = url
	t.mu.Unlock()
}

func (t *runTracker) onProgress(msg events.ProgressMsg) {
	t.mu.Lock()
	t.progress[msg.DownloadID] = msg
	t.mu.Unlock()

	if msg.Total <= 0 {
		return
	}
	destPath, tempName := splitFilePath(msg.FilePath)
	_ = state.Save(state.Record{
		ID:        msg.DownloadID,
		URLs:      []string{t.urlFor(msg.DownloadID)},
		DestPath:  destPath,
		TempName:  tempName,
		FinalName: msg.FilePath,
		TotalSize: msg.Total,
		Received:  msg.Downloaded,
		Status:    "downloading",
		StartedAt: t.start,
		Chunks:    toCheckpoints(msg.ChunksSnapshot),
	})
}

func (t *runTracker) onFinish(msg events.DownloadCompleteMsg) {
	fmt.Fprintf(os.Stderr, "Complete: %s (%s)\n", msg.Filename, utils.ConvertBytesToHumanReadable(msg.Size))
	_ = state.Delete(msg.DownloadID)
	t.advance()
}

func (t *runTracker) onFailed(msg events.DownloadErrorMsg) {
	fmt.Fprintf(os.Stderr, "Failed: %s: %v\n", t.urlFor(msg.DownloadID), msg.Err)
	t.failures.Add(1)
	t.advance()
}

func (t *runTracker) urlFor(id string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.urls[id]
}

func (t *runTracker) fail() {
	t.failures.Add(1)
	t.advance()
}

func (t *runTracker) advance() {
	if t.pending.Add(-1) <= 0 {
		t.once.Do(func() { close(t.done) })
	}
}

func (t *runTracker) wait() {
	<-t.done
}

func (t *runTracker) pauseAll(m *manager.Manager) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.urls))
	for id := range t.urls {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		checkpoints := m.Pause(id)
		if len(checkpoints) == 0 {
			continue
		}

		t.mu.Lock()
		last := t.progress[id]
		t.mu.Unlock()
		destPath, tempName := splitFilePath(last.FilePath)

		var received int64
		for _, c := range checkpoints {
			received += c.Received
		}

		_ = state.Save(state.Record{
			ID:        id,
			URLs:      []string{t.urlFor(id)},
			DestPath:  destPath,
			TempName:  tempName,
			TotalSize: last.Total,
			Received:  received,
			Status:    "paused",
			StartedAt: t.start,
			Chunks:    toCheckpoints(checkpoints),
		})
	}
	t.once.Do(func() { close(t.done) })
}

func toCheckpoints(chunks []events.ChunkSnapshot) []state.ChunkCheckpoint {
	out := make([]state.ChunkCheckpoint, len(chunks))
	for i, c := range chunks {
		out[i] = state.ChunkCheckpoint{URL: c.URL, Offset: c.Offset, Size: c.Size, Received: c.Received}
	}
	return out
}

func toManagerCheckpoints(chunks []state.ChunkCheckpoint) []manager.Checkpoint {
	out := make([]manager.Checkpoint, len(chunks))
	for i, c := range chunks {
		out[i] = manager.Checkpoint{URL: c.URL, Offset: c.Offset, Size: c.Size, Received: c.Received}
	}
	return out
}
