// Package sync implements the reconciliation core: the pure diff
// classifier, the conflict backup policy, and the engine that applies a
// computed diff through the drive client.
package sync

import (
	"sort"

	"github.com/alexjbarnes/drive-sync/internal/meta"
)

// ConflictInfo describes a file changed on both sides. Times and
// checksums are empty strings when unknown, never absent.
type ConflictInfo struct {
	FileID             string
	FileName           string
	LocalChecksum      string
	RemoteChecksum     string
	LocalModifiedTime  string
	RemoteModifiedTime string
	IsEditDelete       bool
}

// SyncDiff partitions every known file identifier into at most one of
// six actions. Identifiers on neither side of any rule are in sync and
// appear nowhere.
type SyncDiff struct {
	ToPush              []string
	ToPull              []string
	Conflicts           []ConflictInfo
	EditDeleteConflicts []string
	LocalOnly           []string
	RemoteOnly          []string
}

// Empty reports whether the diff requires no action.
func (d SyncDiff) Empty() bool {
	return len(d.ToPush) == 0 && len(d.ToPull) == 0 && len(d.Conflicts) == 0 &&
		len(d.EditDeleteConflicts) == 0 && len(d.LocalOnly) == 0 && len(d.RemoteOnly) == 0
}

// ComputeSyncDiff classifies every file identifier known to either
// side. Pure and total: nil inputs are treated as empty, identical
// inputs always yield identical output, and every identifier lands in
// at most one bucket.
//
// Remote entries carrying a reserved system name are excluded from the
// universe entirely.
//
// A name-only difference (checksums equal, both names set, names
// differ) counts as a remote change, so a remote rename flows through
// the push/pull/conflict machinery rather than a dedicated rename path.
func ComputeSyncDiff(local *meta.LocalSyncMeta, remote *meta.SyncMeta, locallyModified map[string]struct{}) SyncDiff {
	if local == nil {
		local = meta.NewLocalSyncMeta()
	}

	if remote == nil {
		remote = meta.NewSyncMeta()
	}

	universe := map[string]struct{}{}

	for id := range local.Files {
		universe[id] = struct{}{}
	}

	for id, rf := range remote.Files {
		if meta.IsSystemName(rf.Name) {
			continue
		}

		universe[id] = struct{}{}
	}

	for id := range locallyModified {
		universe[id] = struct{}{}
	}

	var diff SyncDiff

	for id := range universe {
		lf, inLocal := local.Files[id]

		rf, inRemote := remote.Files[id]
		if inRemote && meta.IsSystemName(rf.Name) {
			inRemote = false
		}

		_, localChanged := locallyModified[id]

		hasLocal := inLocal || localChanged
		remoteChanged := inLocal && inRemote &&
			(lf.MD5Checksum != rf.MD5Checksum ||
				(lf.Name != "" && rf.Name != "" && lf.Name != rf.Name))

		switch {
		case hasLocal && !inRemote:
			if localChanged {
				diff.EditDeleteConflicts = append(diff.EditDeleteConflicts, id)
			} else {
				diff.LocalOnly = append(diff.LocalOnly, id)
			}
		case !hasLocal && inRemote:
			diff.RemoteOnly = append(diff.RemoteOnly, id)
		case localChanged && remoteChanged:
			diff.Conflicts = append(diff.Conflicts, ConflictInfo{
				FileID:             id,
				FileName:           conflictName(lf, rf),
				LocalChecksum:      lf.MD5Checksum,
				RemoteChecksum:     rf.MD5Checksum,
				LocalModifiedTime:  lf.ModifiedTime,
				RemoteModifiedTime: rf.ModifiedTime,
			})
		case localChanged:
			diff.ToPush = append(diff.ToPush, id)
		case remoteChanged:
			diff.ToPull = append(diff.ToPull, id)
		}
	}

	sort.Strings(diff.ToPush)
	sort.Strings(diff.ToPull)
	sort.Strings(diff.EditDeleteConflicts)
	sort.Strings(diff.LocalOnly)
	sort.Strings(diff.RemoteOnly)
	sort.Slice(diff.Conflicts, func(i, j int) bool {
		return diff.Conflicts[i].FileID < diff.Conflicts[j].FileID
	})

	return diff
}

// conflictName picks the best known display name for a conflict record.
func conflictName(lf meta.LocalFileMeta, rf meta.FileSyncMeta) string {
	if rf.Name != "" {
		return rf.Name
	}

	return lf.Name
}
