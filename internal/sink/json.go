package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const fileTimeLayout = "20060102_150405"

// JSONFile writes one copy_trading_<start>.json per run; rewriting it replaces the file.
type JSONFile struct {
	Dir string
}

func NewJSONFile(dir string) *JSONFile {
	return &JSONFile{Dir: dir}
}

func (j *JSONFile) Path(run RunLog) string {
	return filepath.Join(j.Dir, fmt.Sprintf("copy_trading_%s.json", run.StartedAt.Format(fileTimeLayout)))
}

func (j *JSONFile) Write(ctx context.Context, run RunLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.Dir != "" {
		if err := os.MkdirAll(j.Dir, 0o755); err != nil {
			return fmt.Errorf("создание каталога журнала: %w", err)
		}
	}

	payload, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("сериализация журнала: %w", err)
	}

	path := j.Path(run)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("запись журнала: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("запись журнала: %w", err)
	}
	return nil
}
