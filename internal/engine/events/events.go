// Package events defines the callback/message payloads a Manager emits to
// its caller: progress snapshots, lifecycle transitions, and completion or
// failure payloads (spec.md §6).
package events

import (
	"net/http"
	"time"
)

// ChunkSnapshot is the persisted checkpoint shape from spec.md §6.
type ChunkSnapshot struct {
	URL      string
	Offset   int64
	Size     int64
	Received int64
}

// ProgressMsg is the signature described in spec.md §6:
// progress_cb(received_snapshot, total_size, chunks_snapshot?, chunkable, urls?, file_path).
// ChunksSnapshot is present (non-nil) only on synced acks.
type ProgressMsg struct {
	DownloadID     string
	Downloaded     int64
	Total          int64
	ChunksSnapshot []ChunkSnapshot
	Chunkable      bool
	URLs           []string
	FilePath       string
	ActiveWorkers  int
	Speed          float64
}

// DownloadStartedMsg describes a download whose first response headers are
// known. The Manager does not emit this message.
type DownloadStartedMsg struct {
	DownloadID string
	URL        string
	Filename   string
	Total      int64
	DestPath   string
}

// DownloadCompleteMsg is spec.md §6's completion callback payload.
type DownloadCompleteMsg struct {
	DownloadID       string
	Filename         string
	FilePath         string
	Headers          http.Header
	UnfinishedChunks int
	HadErrors        bool
	Size             int64
	Elapsed          time.Duration
	Total            int64
}

// DownloadErrorMsg signals a terminal failure (failed_cb).
type DownloadErrorMsg struct {
	DownloadID string
	Err        error
}

// DownloadPausedMsg describes a paused download and its captured checkpoint.
// The Manager does not emit this message; Pause returns the checkpoints.
type DownloadPausedMsg struct {
	DownloadID string
	Downloaded int64
	Chunks     []ChunkSnapshot
}

// DownloadResumedMsg identifies a paused download that was re-queued. The
// Manager does not emit this message.
type DownloadResumedMsg struct {
	DownloadID string
}
