package mcpsock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const logPrefix = "mcp-"

// LogRecord is one line of the session log.
type LogRecord struct {
	Time       time.Time       `json:"ts"`
	Event      string          `json:"event"`
	ClientID   string          `json:"clientId,omitempty"`
	ClientName string          `json:"clientName,omitempty"`
	Method     string          `json:"method,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// SessionLog appends connection and tool-call records to a JSON-lines file.
// One file is written per arbiter lifetime; its name carries the writer's pid
// so files left by dead processes can be recognized.
type SessionLog struct {
	mu   sync.Mutex
	f    *os.File
	enc  *json.Encoder
	path string
}

// OpenSessionLog creates a new log file in dir.
func OpenSessionLog(dir string) (*SessionLog, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := fmt.Sprintf("%s%d-%s.jsonl", logPrefix, os.Getpid(), uuid.NewString())
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	return &SessionLog{f: f, enc: json.NewEncoder(f), path: path}, nil
}

// Path returns the log file path.
func (l *SessionLog) Path() string { return l.path }

// Append writes one record. A nil log or a closed log drops it.
func (l *SessionLog) Append(rec LogRecord) error {
	if l == nil {
		return nil
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	return l.enc.Encode(rec)
}

func (l *SessionLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// CleanStaleLogs removes session logs written by processes that are no
// longer running. It returns the number of files removed.
func CleanStaleLogs(dir string, log *slog.Logger) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		pid, ok := logPID(e.Name())
		if !ok || e.IsDir() || pid == os.Getpid() || processAlive(pid) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			log.Debug("remove stale session log", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info("removed stale session logs", "count", removed)
	}
	return removed
}

// logPID extracts the pid from a name of the form mcp-<pid>-<id>.jsonl.
func logPID(name string) (int, bool) {
	if !strings.HasPrefix(name, logPrefix) || !strings.HasSuffix(name, ".jsonl") {
		return 0, false
	}
	rest := strings.TrimPrefix(name, logPrefix)
	i := strings.IndexByte(rest, '-')
	if i <= 0 {
		return 0, false
	}
	pid, err := strconv.Atoi(rest[:i])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
