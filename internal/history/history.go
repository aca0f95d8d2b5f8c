// Package history records a unified-diff trail of pushed text edits so
// a superseded version can be reconstructed later. The trail is a local
// append-only log in the workspace, independent of the sync metadata.
package history

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Edit is one recorded change: a unified-diff patch plus line-level
// addition and deletion counts.
type Edit struct {
	Path      string `json:"path"`
	Patch     string `json:"patch"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	At        string `json:"at"`
}

// MakeEdit diffs two versions of a text file into an Edit. Identical
// inputs produce an empty patch with zero counts.
func MakeEdit(path, oldText, newText string) Edit {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(oldText, newText, true)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}

	patches := dmp.PatchMake(oldText, diffs)

	edit := Edit{
		Path:  path,
		Patch: dmp.PatchToText(patches),
	}

	for _, d := range diffs {
		lines := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") && d.Text != "" {
			lines++
		}

		switch d.Type {
		case diffmatchpatch.DiffInsert:
			edit.Additions += lines
		case diffmatchpatch.DiffDelete:
			edit.Deletions += lines
		case diffmatchpatch.DiffEqual:
		}
	}

	return edit
}

// FileRecorder appends edits as JSON lines under the workspace history
// directory, one log file per day.
type FileRecorder struct {
	dir    string
	logger *slog.Logger
}

// NewFileRecorder creates a recorder writing into <workspace>/history.
func NewFileRecorder(workspaceDir string, logger *slog.Logger) *FileRecorder {
	return &FileRecorder{
		dir:    filepath.Join(workspaceDir, "history"),
		logger: logger,
	}
}

// Record diffs the two versions and appends the edit to today's log.
// No-change pushes are skipped.
func (r *FileRecorder) Record(path, oldText, newText string) error {
	if oldText == newText {
		return nil
	}

	now := time.Now().UTC()

	edit := MakeEdit(path, oldText, newText)
	edit.At = now.Format(time.RFC3339)

	line, err := json.Marshal(edit)
	if err != nil {
		return fmt.Errorf("encoding edit record: %w", err)
	}

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return fmt.Errorf("creating history directory: %w", err)
	}

	logPath := filepath.Join(r.dir, now.Format("2006-01-02")+".jsonl")

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending edit record: %w", err)
	}

	r.logger.Debug("recorded edit",
		slog.String("path", path),
		slog.Int("additions", edit.Additions),
		slog.Int("deletions", edit.Deletions),
	)

	return nil
}
