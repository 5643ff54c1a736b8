package utils

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/modfetch/engine/internal/config"
)

const maxLogFiles = 10

var (
	debugOnce   sync.Once
	debugMu     sync.Mutex
	debugLogger *log.Logger
	debugDir    = config.GetLogsDir()
)

// ConfigureDebug overrides the directory debug logs are written to. Intended
// for tests; callers that never call it get the default app logs directory.
func ConfigureDebug(dir string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugDir = dir
	debugLogger = nil
	debugOnce = sync.Once{}
}

// Debug writes a formatted, timestamped line to the current debug log file.
// It never panics and a logging failure never propagates to the caller.
func Debug(format string, args ...any) {
	debugMu.Lock()
	dir := debugDir
	debugMu.Unlock()

	debugOnce.Do(func() {
		initDebugLogger(dir)
	})

	debugMu.Lock()
	logger := debugLogger
	debugMu.Unlock()

	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}

func initDebugLogger(dir string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}

	debugMu.Lock()
	debugLogger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	debugMu.Unlock()

	cleanupOldLogs(dir, maxLogFiles)
}

// cleanupOldLogs keeps only the keep most recent debug-*.log files in dir.
func cleanupOldLogs(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if len(n) > 6 && n[:6] == "debug-" {
			names = append(names, n)
		}
	}

	if len(names) <= keep {
		return
	}

	sort.Strings(names)
	for _, n := range names[:len(names)-keep] {
		_ = os.Remove(filepath.Join(dir, n))
	}
}
