package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/drive"
)

// BackupFolderName is the dedicated folder under the Drive root holding
// superseded conflict versions.
const BackupFolderName = "_conflict-backups"

// backupStampLayout renders a 15-character collision-resistant stamp.
const backupStampLayout = "20060102_150405"

// backupRemote is the slice of the drive client the backup path needs.
type backupRemote interface {
	EnsureFolder(ctx context.Context, parentID, name string) (string, error)
	CreateTextFile(ctx context.Context, name, parentID, content string) (*drive.File, error)
	CreateBinaryFile(ctx context.Context, name, parentID string, content []byte) (*drive.File, error)
}

// Backup preserves the losing side of a conflict before it is
// overwritten. A backup failure must propagate: it is the only record
// of the superseded content, so overwriting without it is not allowed.
type Backup struct {
	remote backupRemote
	logger *slog.Logger

	// now is injectable for deterministic backup names in tests.
	now func() time.Time
}

// NewBackup creates a conflict backup writer.
func NewBackup(remote backupRemote, logger *slog.Logger) *Backup {
	return &Backup{
		remote: remote,
		logger: logger,
		now:    time.Now,
	}
}

// Save copies content into the backup folder under rootID. The backup
// name carries a timestamp so repeated conflicts on the same file never
// collide; slashes in the original name are flattened to underscores.
// Binary content goes through the raw-bytes upload.
func (b *Backup) Save(ctx context.Context, rootID, fileName string, content []byte, binary bool) error {
	folderID, err := b.remote.EnsureFolder(ctx, rootID, BackupFolderName)
	if err != nil {
		return fmt.Errorf("ensuring backup folder: %w", err)
	}

	name := backupName(fileName, b.now().UTC())

	if binary {
		_, err = b.remote.CreateBinaryFile(ctx, name, folderID, content)
	} else {
		_, err = b.remote.CreateTextFile(ctx, name, folderID, string(content))
	}

	if err != nil {
		return fmt.Errorf("saving conflict backup %q: %w", name, err)
	}

	b.logger.Info("saved conflict backup",
		slog.String("file", fileName),
		slog.String("backup", name),
	)

	return nil
}

// backupName inserts the timestamp before the extension when one
// exists, appends it otherwise, and flattens path separators so the
// backup is a single flat file.
func backupName(fileName string, now time.Time) string {
	flat := strings.ReplaceAll(fileName, "/", "_")
	stamp := now.Format(backupStampLayout)

	ext := path.Ext(flat)
	if ext == "" {
		return flat + "_" + stamp
	}

	return strings.TrimSuffix(flat, ext) + "_" + stamp + ext
}
