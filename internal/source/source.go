// Package source defines the provider-neutral remote file source. Provider
// payloads are normalized into these shapes at the boundary so the sync engine
// never branches on raw API responses.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPermission marks authorization failures, which must stay distinguishable
// from an empty change feed.
var ErrPermission = errors.New("permission denied")

// PermissionError wraps a provider authorization failure.
type PermissionError struct {
	Op  string
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: permission denied: %v", e.Op, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

func (e *PermissionError) Is(target error) bool { return target == ErrPermission }

// Change is one normalized change-feed entry, in provider feed order.
type Change struct {
	FileID string
	// Removed covers both feed removals and provider-side trash.
	Removed bool
	// InScope reports whether the file currently lives under the watched
	// folder. Files moved elsewhere arrive with InScope false.
	InScope bool
	// Path is the folder-relative, slash-separated path. Empty when the file
	// is removed or out of scope.
	Path     string
	Name     string
	MimeType string
	// ContentHash is the provider content checksum. Empty for native document
	// types, which carry only ModifiedTime.
	ContentHash  string
	ModifiedTime string
	Size         int64
	EditorName   string
	EditorEmail  string
}

// Channel describes a registered push-notification channel.
type Channel struct {
	ID         string
	ResourceID string
	Expiration time.Time
}

// Source lists changes, resolves content, and manages the notification
// channel for one watched remote folder.
type Source interface {
	// StartCursor returns the cursor marking the current head of the feed.
	StartCursor(ctx context.Context) (string, error)
	// ListChanges drains the feed from cursor through the terminal page and
	// returns the next cursor to persist.
	ListChanges(ctx context.Context, cursor string) ([]Change, string, error)
	// ListFolder walks the full watched tree and returns synthetic created
	// changes, ordered by ancestry then name.
	ListFolder(ctx context.Context) ([]Change, error)
	// Download fetches raw bytes for a binary file.
	Download(ctx context.Context, fileID string) ([]byte, error)
	// Export fetches a provider-native file as the given rendition type.
	Export(ctx context.Context, fileID, mimeType string) ([]byte, error)

	CreateChannel(ctx context.Context, webhookURL, cursor string) (Channel, error)
	StopChannel(ctx context.Context, channelID, resourceID string) error
}
