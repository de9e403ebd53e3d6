package syncer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gbasin/gdrive-git-sync/internal/extract"
	"github.com/gbasin/gdrive-git-sync/internal/gitrepo"
	"github.com/gbasin/gdrive-git-sync/internal/source"
	"github.com/gbasin/gdrive-git-sync/internal/state"
)

// Trigger identifies what started a run. It only affects logging and the
// lease holder id, never the sync semantics.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerTimer   Trigger = "timer"
	TriggerSetup   Trigger = "setup"
	TriggerRenew   Trigger = "renew"
)

// Status is the outcome of a run.
type Status string

const (
	// StatusOK means every derived change was committed and pushed.
	StatusOK Status = "ok"
	// StatusSkipped means another holder owned the lease; nothing ran.
	StatusSkipped Status = "skipped"
	// StatusPartial means some batches were pushed but a later one failed;
	// the cursor was held back so the remainder replays on the next run.
	StatusPartial Status = "partial"
)

// Result summarizes a run.
type Result struct {
	Status       Status
	FilesChanged int
	FilesListed  int
	Warnings     []string
}

// RepoWriter is the slice of the git layer the engine drives. A fresh
// writer is produced per run via RepoFactory and discarded afterwards.
type RepoWriter interface {
	WriteFile(relPath string, content []byte) error
	Rename(oldRel, newRel string) error
	Delete(relPath string) error
	HasStagedChanges() (bool, error)
	Commit(message, authorName, authorEmail string, when time.Time) (string, error)
	Push(ctx context.Context) error
	ResetToRemote(ctx context.Context) error
	Cleanup()
}

// RepoFactory clones the target repository and returns a writer over it.
type RepoFactory func(ctx context.Context) (RepoWriter, error)

// Config carries the sync policy knobs.
type Config struct {
	ExcludePaths   []string
	SkipExtensions []string
	MaxFileSize    int64

	DefaultAuthorName  string
	DefaultAuthorEmail string
	DocsSubdir         string

	LeaseTTL           time.Duration
	TombstoneRetention time.Duration
}

// Engine runs leased, cursor-driven sync passes from a change source into a
// git repository, persisting per-file records for dedup and rename tracking.
type Engine struct {
	store   state.Store
	source  source.Source
	newRepo RepoFactory
	reg     *extract.Registry
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

func New(store state.Store, src source.Source, newRepo RepoFactory, reg *extract.Registry, cfg Config, log *zap.Logger) *Engine {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = state.DefaultLeaseTTL
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = 30 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:   store,
		source:  src,
		newRepo: newRepo,
		reg:     reg,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Run executes one incremental pass. When no cursor has been stored yet it
// falls back to a full listing of the watched folder.
func (e *Engine) Run(ctx context.Context, trigger Trigger) (Result, error) {
	return e.withLease(ctx, trigger, func(ctx context.Context) (Result, error) {
		cursor, err := e.store.ReadCursor(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("read cursor: %w", err)
		}
		return e.run(ctx, cursor)
	})
}

// RunFull executes one pass from a full listing of the watched folder,
// ignoring any stored cursor. Already-tracked files with unchanged content
// dedup against their records, so re-listing is idempotent.
func (e *Engine) RunFull(ctx context.Context, trigger Trigger) (Result, error) {
	return e.withLease(ctx, trigger, func(ctx context.Context) (Result, error) {
		return e.run(ctx, "")
	})
}

func (e *Engine) withLease(ctx context.Context, trigger Trigger, fn func(context.Context) (Result, error)) (Result, error) {
	holderID := string(trigger) + "-" + uuid.NewString()
	if err := e.store.TryAcquireLease(ctx, holderID, e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, state.ErrLeaseHeld) {
			e.log.Info("sync lease held elsewhere, skipping",
				zap.String("trigger", string(trigger)))
			return Result{Status: StatusSkipped}, nil
		}
		return Result{}, fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if err := e.store.ReleaseLease(context.WithoutCancel(ctx), holderID); err != nil {
			e.log.Warn("release lease", zap.Error(err))
		}
	}()
	res, err := fn(ctx)
	if err != nil {
		e.log.Error("sync run failed",
			zap.String("trigger", string(trigger)), zap.Error(err))
		return res, err
	}
	e.log.Info("sync run finished",
		zap.String("trigger", string(trigger)),
		zap.String("status", string(res.Status)),
		zap.Int("files_changed", res.FilesChanged),
		zap.Int("warnings", len(res.Warnings)))
	return res, err
}

// run is the leased body: enumerate, classify, apply, persist. An empty
// cursor means a full folder listing seeded with a fresh start token.
func (e *Engine) run(ctx context.Context, cursor string) (Result, error) {
	var (
		res    Result
		events []source.Change
		next   string
		err    error
	)
	if cursor == "" {
		next, err = e.source.StartCursor(ctx)
		if err != nil {
			return res, fmt.Errorf("start cursor: %w", err)
		}
		events, err = e.source.ListFolder(ctx)
		if err != nil {
			return res, fmt.Errorf("list folder: %w", err)
		}
		res.FilesListed = len(events)
	} else {
		events, next, err = e.source.ListChanges(ctx, cursor)
		if err != nil {
			return res, fmt.Errorf("list changes: %w", err)
		}
	}

	actions, err := e.classify(ctx, dedupeLatest(events))
	if err != nil {
		return res, fmt.Errorf("classify changes: %w", err)
	}
	if cursor == "" {
		// A full listing is authoritative: tracked files it no longer
		// contains were deleted while no cursor was held.
		listed := make(map[string]bool, len(events))
		for _, event := range events {
			listed[event.FileID] = true
		}
		missing, err := e.missingDeletes(ctx, listed)
		if err != nil {
			return res, fmt.Errorf("reconcile tracked files: %w", err)
		}
		actions = append(actions, missing...)
	}
	if len(actions) == 0 {
		// Nothing to commit. Advancing the cursor here is safe: there is no
		// repository work this run could lose.
		if err := e.store.WriteCursorAndRecords(ctx, next, nil); err != nil {
			return res, fmt.Errorf("advance cursor: %w", err)
		}
		res.Status = StatusOK
		return res, nil
	}

	writer, err := e.newRepo(ctx)
	if err != nil {
		return res, fmt.Errorf("clone repository: %w", err)
	}
	defer writer.Cleanup()

	batches := batchByEditor(actions, e.cfg.DefaultAuthorName, e.cfg.DefaultAuthorEmail)
	var pushed []*action
	for i, batch := range batches {
		warnings, err := e.pushBatch(ctx, writer, batch)
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			if len(pushed) == 0 {
				return res, err
			}
			// Earlier batches are on the remote. Persist their records so
			// the replay dedups them, but hold the cursor back so the
			// failed tail is re-derived next run.
			e.log.Warn("batch failed after partial progress",
				zap.Int("batch", i), zap.Int("pushed", len(pushed)), zap.Error(err))
			now := e.now()
			records := make([]state.FileRecord, 0, len(pushed))
			for _, act := range pushed {
				records = append(records, e.recordFor(act, now))
			}
			if perr := e.store.PutRecords(ctx, records); perr != nil {
				return res, fmt.Errorf("persist partial records: %w (after %w)", perr, err)
			}
			res.Status = StatusPartial
			res.FilesChanged = len(pushed)
			res.Warnings = append(res.Warnings, fmt.Sprintf("batch %d failed: %v", i+1, err))
			return res, nil
		}
		pushed = append(pushed, batch.actions...)
	}

	now := e.now()
	records := make([]state.FileRecord, 0, len(pushed))
	for _, act := range pushed {
		records = append(records, e.recordFor(act, now))
	}
	if err := e.store.WriteCursorAndRecords(ctx, next, records); err != nil {
		return res, fmt.Errorf("persist cursor and records: %w", err)
	}
	if n, err := e.store.PruneTombstones(ctx, now.Add(-e.cfg.TombstoneRetention)); err != nil {
		e.log.Warn("prune tombstones", zap.Error(err))
	} else if n > 0 {
		e.log.Debug("pruned tombstoned records", zap.Int("count", n))
	}
	res.Status = StatusOK
	res.FilesChanged = len(pushed)
	return res, nil
}

// pushBatch applies, commits, and pushes one batch. On a non-fast-forward
// rejection it resets the clone to the remote head, re-applies the batch,
// and pushes once more; a second rejection is returned to the caller.
func (e *Engine) pushBatch(ctx context.Context, writer RepoWriter, batch commitBatch) ([]string, error) {
	warnings, committed, err := e.applyAndCommit(ctx, writer, batch)
	if err != nil || !committed {
		return warnings, err
	}
	err = writer.Push(ctx)
	if !errors.Is(err, gitrepo.ErrNotFastForward) {
		return warnings, err
	}

	e.log.Info("push rejected, resetting to remote and retrying",
		zap.String("author", batch.authorName))
	if err := writer.ResetToRemote(ctx); err != nil {
		return warnings, fmt.Errorf("reset to remote: %w", err)
	}
	retryWarnings, committed, err := e.applyAndCommit(ctx, writer, batch)
	warnings = append(warnings, retryWarnings...)
	if err != nil {
		return warnings, err
	}
	if !committed {
		// The concurrent push already contained this batch's effect.
		return warnings, nil
	}
	if err := writer.Push(ctx); err != nil {
		return warnings, fmt.Errorf("push retry: %w", err)
	}
	return warnings, nil
}

func (e *Engine) applyAndCommit(ctx context.Context, writer RepoWriter, batch commitBatch) ([]string, bool, error) {
	var warnings []string
	for _, act := range batch.actions {
		w, err := e.apply(ctx, writer, act)
		warnings = append(warnings, w...)
		if err != nil {
			return warnings, false, fmt.Errorf("%s %s: %w", act.kind, act.fileID, err)
		}
	}
	staged, err := writer.HasStagedChanges()
	if err != nil {
		return warnings, false, err
	}
	if !staged {
		return warnings, false, nil
	}
	if _, err := writer.Commit(batch.message(), batch.authorName, batch.authorEmail, e.now()); err != nil {
		return warnings, false, fmt.Errorf("commit: %w", err)
	}
	return warnings, true, nil
}

// apply stages one action's file operations in the working tree.
func (e *Engine) apply(ctx context.Context, writer RepoWriter, act *action) ([]string, error) {
	switch act.kind {
	case actionDelete:
		if err := writer.Delete(e.docs(committedRelPath(act.prev.Path, act.prev.MimeType))); err != nil {
			return nil, err
		}
		if act.prev.SidecarPath != "" {
			if err := writer.Delete(e.docs(act.prev.SidecarPath)); err != nil {
				return nil, err
			}
		}
		return nil, nil

	case actionRename:
		oldRel := committedRelPath(act.prev.Path, act.prev.MimeType)
		newRel := committedRelPath(act.change.Path, act.change.MimeType)
		if err := writer.Rename(e.docs(oldRel), e.docs(newRel)); err != nil {
			return nil, err
		}
		newSidecar := sidecarRelPath(act.change.Path, act.change.Name, act.change.MimeType)
		if act.prev.SidecarPath != "" {
			if newSidecar != "" {
				if err := writer.Rename(e.docs(act.prev.SidecarPath), e.docs(newSidecar)); err != nil {
					return nil, err
				}
				act.sidecarPath = newSidecar
			} else if err := writer.Delete(e.docs(act.prev.SidecarPath)); err != nil {
				return nil, err
			}
		}
		if act.contentChanged {
			return e.writeContent(ctx, writer, act)
		}
		return nil, nil

	default: // add, modify
		return e.writeContent(ctx, writer, act)
	}
}

// writeContent fetches the file body, stages the original, and stages the
// extracted text rendition when one is available. Extraction failures are
// warnings, never run failures.
func (e *Engine) writeContent(ctx context.Context, writer RepoWriter, act *action) ([]string, error) {
	change := act.change
	var (
		content []byte
		err     error
	)
	if export, ok := extract.NativeExports[change.MimeType]; ok {
		content, err = e.source.Export(ctx, change.FileID, export.MimeType)
	} else {
		content, err = e.source.Download(ctx, change.FileID)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch content: %w", err)
	}
	if err := writer.WriteFile(e.docs(committedRelPath(change.Path, change.MimeType)), content); err != nil {
		return nil, err
	}

	sidecar := sidecarRelPath(change.Path, change.Name, change.MimeType)
	if sidecar == "" {
		return nil, nil
	}
	extractor, ok := e.reg.For(change.Name, change.MimeType)
	if !ok {
		return []string{fmt.Sprintf("%s: no extractor registered, original committed without text rendition", change.Path)}, nil
	}
	text, err := extractor.Extract(change.Name, content)
	if err != nil {
		e.log.Warn("extraction failed",
			zap.String("path", change.Path), zap.Error(err))
		return []string{fmt.Sprintf("%s: extraction failed: %v", change.Path, err)}, nil
	}
	if err := writer.WriteFile(e.docs(sidecar), text); err != nil {
		return nil, err
	}
	act.sidecarPath = sidecar
	return nil, nil
}

// recordFor builds the persisted record reflecting a completed action.
func (e *Engine) recordFor(act *action, now time.Time) state.FileRecord {
	if act.kind == actionDelete {
		rec := *act.prev
		rec.Tombstoned = true
		rec.DeletedAt = now
		return rec
	}
	rec := state.FileRecord{
		FileID:          act.fileID,
		Path:            act.change.Path,
		Name:            act.change.Name,
		ContentHash:     act.change.ContentHash,
		ModifiedTime:    act.change.ModifiedTime,
		MimeType:        act.change.MimeType,
		SidecarPath:     act.sidecarPath,
		LastEditorName:  act.authorName,
		LastEditorEmail: act.authorEmail,
	}
	_, rec.Exportable = extract.NativeExports[act.change.MimeType]
	return rec
}

// docs prefixes a provider-relative path with the configured subdirectory
// inside the repository.
func (e *Engine) docs(rel string) string {
	if e.cfg.DocsSubdir == "" {
		return rel
	}
	return path.Join(e.cfg.DocsSubdir, rel)
}

// committedRelPath is where the original bytes live in the repository.
// Native document exports gain the export extension, since the provider
// name carries none.
func committedRelPath(relPath, mimeType string) string {
	if export, ok := extract.NativeExports[mimeType]; ok {
		return relPath + export.Ext
	}
	return relPath
}

// sidecarRelPath is where the text rendition lives, or "" when the type
// gets none.
func sidecarRelPath(relPath, name, mimeType string) string {
	sidecar := extract.SidecarName(name, mimeType)
	if sidecar == "" {
		return ""
	}
	dir := path.Dir(relPath)
	if dir == "." {
		return sidecar
	}
	return dir + "/" + sidecar
}
