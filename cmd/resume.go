package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/modfetch/engine/internal/engine/manager"
	"github.com/modfetch/engine/internal/state"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume a paused download from its saved chunk checkpoints",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().IntP("workers", "w", 4, "maximum concurrent chunk workers")
	resumeCmd.Flags().Int64P("max-rate", "r", 0, "bandwidth cap in bytes/sec (0 = unlimited)")
}

func runResume(cmd *cobra.Command, args []string) error {
	workers, _ := cmd.Flags().GetInt("workers")
	maxRate, _ := cmd.Flags().GetInt64("max-rate")

	openStateDB()
	id, err := resolveDownloadID(args[0])
	if err != nil {
		return err
	}
	record, err := state.Load(id)
	if err != nil {
		return fmt.Errorf("load %s: %w", shortID(id), err)
	}
	if len(record.Chunks) == 0 {
		return fmt.Errorf("%s has no saved chunk checkpoints to resume from", shortID(id))
	}

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
		DownloadPath: record.DestPath,
		MaxWorkers:   workers,
		MaxChunks:    workers,
		MaxBandwidth: maxBandwidth,
		FileExistsCB: promptFileExists,
	})

	tracker := newRunTracker(1)
	tracker.register(record.ID, record.URLs[0])
	_ = state.UpdateStatus(record.ID, "downloading")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nPausing...")
		tracker.pauseAll(m)
	}()

	filePath := filepath.Join(record.DestPath, record.TempName)
	err = m.Resume(manager.ResumeRequest{
		ID:         record.ID,
		FilePath:   filePath,
		URLs:       record.URLs,
		Received:   record.Received,
		Size:       record.TotalSize,
		Started:    time.Now(),
		Chunks:     toManagerCheckpoints(record.Chunks),
		ProgressCB: tracker.onProgress,
		FinishCB:   tracker.onFinish,
		FailedCB:   tracker.onFailed,
	})
	if err != nil {
		return fmt.Errorf("resume %s: %w", shortID(id), err)
	}

	tracker.wait()
	signal.Stop(sigCh)

	if tracker.failures.Load() > 0 {
		return fmt.Errorf("resume of %s failed", shortID(id))
	}
	return nil
}
