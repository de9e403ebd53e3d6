package syncer

import (
	"context"
	"path"
	"strings"

	"github.com/gbasin/gdrive-git-sync/internal/source"
	"github.com/gbasin/gdrive-git-sync/internal/state"
)

type actionKind int

const (
	actionAdd actionKind = iota
	actionModify
	actionRename
	actionDelete
)

func (k actionKind) String() string {
	switch k {
	case actionAdd:
		return "add"
	case actionModify:
		return "modify"
	case actionRename:
		return "rename"
	case actionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// action is one repository mutation derived from a change-feed entry.
type action struct {
	kind   actionKind
	fileID string
	change source.Change
	// prev is the stored record, when the file was already tracked.
	prev *state.FileRecord
	// contentChanged marks renames whose content also changed.
	contentChanged bool
	// sidecarPath is filled during apply when a text rendition is written
	// or carried across a rename.
	sidecarPath string

	authorName  string
	authorEmail string
}

// dedupeLatest keeps only the latest feed entry per file id, positioned at
// its final occurrence so feed order of the surviving entries is preserved.
func dedupeLatest(changes []source.Change) []source.Change {
	latest := map[string]int{}
	for i, change := range changes {
		if change.FileID != "" {
			latest[change.FileID] = i
		}
	}
	var out []source.Change
	for i, change := range changes {
		if change.FileID == "" {
			continue
		}
		if latest[change.FileID] == i {
			out = append(out, change)
		}
	}
	return out
}

// classify turns surviving feed entries into repository actions, applying the
// exclusion filters and the content-hash dedup against stored records.
func (e *Engine) classify(ctx context.Context, changes []source.Change) ([]*action, error) {
	var actions []*action
	for _, change := range changes {
		prev, err := e.store.GetRecord(ctx, change.FileID)
		if err != nil {
			return nil, err
		}
		act := e.classifyOne(change, prev)
		if act != nil {
			actions = append(actions, act)
		}
	}
	return actions, nil
}

func (e *Engine) classifyOne(change source.Change, prev *state.FileRecord) *action {
	tracked := prev != nil && !prev.Tombstoned

	// Removed, trashed, moved out of the watched folder, or newly matching a
	// filter: all collapse to a delete when the file was tracked.
	if change.Removed || !change.InScope || change.Path == "" || e.filtered(change) {
		if !tracked {
			return nil
		}
		return &action{
			kind:        actionDelete,
			fileID:      change.FileID,
			change:      change,
			prev:        prev,
			authorName:  change.EditorName,
			authorEmail: change.EditorEmail,
		}
	}

	if !tracked {
		return &action{
			kind:        actionAdd,
			fileID:      change.FileID,
			change:      change,
			prev:        prev,
			authorName:  change.EditorName,
			authorEmail: change.EditorEmail,
		}
	}

	contentChanged := contentDiffers(change, prev)
	if prev.Path != change.Path {
		return &action{
			kind:           actionRename,
			fileID:         change.FileID,
			change:         change,
			prev:           prev,
			contentChanged: contentChanged,
			authorName:     change.EditorName,
			authorEmail:    change.EditorEmail,
		}
	}
	if contentChanged {
		return &action{
			kind:        actionModify,
			fileID:      change.FileID,
			change:      change,
			prev:        prev,
			authorName:  change.EditorName,
			authorEmail: change.EditorEmail,
		}
	}
	// Identical content at the identical path: dedup, even when other
	// metadata moved. Never produces a commit.
	return nil
}

// missingDeletes returns delete actions for tracked files absent from a full
// listing, which is how a full resync notices deletions that happened while
// no cursor was held.
func (e *Engine) missingDeletes(ctx context.Context, listed map[string]bool) ([]*action, error) {
	records, err := e.store.ListRecords(ctx, "")
	if err != nil {
		return nil, err
	}
	var actions []*action
	for _, rec := range records {
		if listed[rec.FileID] {
			continue
		}
		rec := rec
		actions = append(actions, &action{
			kind:   actionDelete,
			fileID: rec.FileID,
			prev:   &rec,
		})
	}
	return actions, nil
}

// contentDiffers compares the provider checksum, falling back to the
// modified time for native document types that carry no checksum.
func contentDiffers(change source.Change, prev *state.FileRecord) bool {
	if change.ContentHash != "" || prev.ContentHash != "" {
		return change.ContentHash != prev.ContentHash
	}
	return change.ModifiedTime != prev.ModifiedTime
}

// filtered reports whether a change matches an exclude pattern, a denylisted
// extension, or the size ceiling.
func (e *Engine) filtered(change source.Change) bool {
	if matchesExclude(e.cfg.ExcludePaths, change.Path) {
		return true
	}
	lowered := strings.ToLower(change.Name)
	for _, ext := range e.cfg.SkipExtensions {
		if strings.HasSuffix(lowered, strings.ToLower(ext)) {
			return true
		}
	}
	if e.cfg.MaxFileSize > 0 && change.Size > e.cfg.MaxFileSize {
		return true
	}
	return false
}

// matchesExclude checks the path and each of its ancestor directories
// against the configured glob patterns.
func matchesExclude(patterns []string, relPath string) bool {
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, relPath); ok {
			return true
		}
		trimmed := strings.TrimSuffix(pattern, "/*")
		parts := strings.Split(relPath, "/")
		for i := range parts {
			partial := strings.Join(parts[:i+1], "/")
			if ok, _ := path.Match(trimmed, partial); ok {
				return true
			}
		}
	}
	return false
}
