package features

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// bulkLog copies the whole task log to <dir>/<taskId>-<runId>.log
type bulkLog struct {
	Base
	dir  string
	file *os.File
}

func newBulkLog(deps Deps) (Hook, error) {
	if deps.LogsDir == "" {
		return nil, fmt.Errorf("logs directory is not configured")
	}
	return &bulkLog{dir: deps.LogsDir}, nil
}

// path returns the log file written for the task run
func (b *bulkLog) path(t Task) string {
	return filepath.Join(b.dir, fmt.Sprintf("%s-%d.log", t.TaskID(), t.RunID()))
}

func (b *bulkLog) Created(ctx context.Context, t Task) error {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	f, err := os.OpenFile(b.path(t), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if err := t.AttachLog(f); err != nil {
		f.Close()
		return err
	}
	b.file = f
	return nil
}

func (b *bulkLog) Killed(ctx context.Context, t Task) error {
	if b.file == nil {
		return nil
	}
	t.DetachLog(b.file)
	err := b.file.Close()
	b.file = nil
	return err
}
