package txn

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/hupe1980/vecsafe/internal/fs"
)

// OpLogFileName is the append-only JSONL record of every transactional
// outcome.
const OpLogFileName = "operations.log"

// opLog appends outcomes as JSON lines. Each append opens, writes,
// syncs and closes; the log is an audit trail, not a hot path.
type opLog struct {
	fs   fs.FileSystem
	path string
	mu   sync.Mutex
}

func newOpLog(fsys fs.FileSystem, path string) *opLog {
	return &opLog{fs: fsys, path: path}
}

func (l *opLog) Append(o *Outcome) error {
	if o.Err != nil {
		o.Error = o.Err.Error()
	}
	line, err := json.Marshal(o)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := l.fs.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadOpLog parses an operations log back into outcomes, oldest first.
// Used by tests and diagnostics tooling.
func ReadOpLog(fsys fs.FileSystem, path string) ([]Outcome, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Outcome
	start := 0
	for i, b := range data {
		if b != '\n' {
			continue
		}
		if i > start {
			var o Outcome
			if err := json.Unmarshal(data[start:i], &o); err != nil {
				return out, err
			}
			out = append(out, o)
		}
		start = i + 1
	}
	return out, nil
}
