// Package driveapi implements the remote file source over the Google Drive
// v3 API. All provider payloads are normalized here; nothing above this
// package sees a raw Drive response.
package driveapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/gbasin/gdrive-git-sync/internal/source"
)

const (
	changePageSize = 1000
	listPageSize   = 1000

	// Field masks keep change payloads small and stable.
	changeFields = "nextPageToken,newStartPageToken," +
		"changes(fileId,removed,file(id,name,parents,mimeType,md5Checksum," +
		"trashed,modifiedTime,size,lastModifyingUser(displayName,emailAddress)))"
	fileListFields = "nextPageToken,files(id,name,parents,mimeType,md5Checksum," +
		"trashed,modifiedTime,size,lastModifyingUser(displayName,emailAddress))"

	folderMimeType = "application/vnd.google-apps.folder"
)

// Client implements source.Source for one watched Drive folder.
type Client struct {
	svc      *drive.Service
	folderID string
	log      *zap.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// folder metadata cache for ancestry walks, reset at the start of
	// every change listing so folder renames are picked up
	folders map[string]*folderMeta
}

type folderMeta struct {
	name    string
	parents []string
	missing bool
}

// New builds a client using application default credentials with read-only
// Drive scope.
func New(ctx context.Context, folderID string, logger *zap.Logger) (*Client, error) {
	svc, err := drive.NewService(ctx, option.WithScopes(drive.DriveReadonlyScope))
	if err != nil {
		return nil, err
	}
	return NewWithService(svc, folderID, logger), nil
}

// NewWithService wraps an existing Drive service. Tests inject a service
// backed by a local HTTP server here.
func NewWithService(svc *drive.Service, folderID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		svc:        svc,
		folderID:   strings.TrimSpace(folderID),
		log:        logger,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
		folders:    map[string]*folderMeta{},
	}
}

func (c *Client) StartCursor(ctx context.Context) (string, error) {
	var token string
	err := c.withRetry(ctx, "changes.getStartPageToken", func() error {
		resp, err := c.svc.Changes.GetStartPageToken().Context(ctx).Do()
		if err != nil {
			return err
		}
		token = resp.StartPageToken
		return nil
	})
	return token, err
}

func (c *Client) ListChanges(ctx context.Context, cursor string) ([]source.Change, string, error) {
	c.folders = map[string]*folderMeta{}
	var out []source.Change
	current := cursor
	for {
		var resp *drive.ChangeList
		err := c.withRetry(ctx, "changes.list", func() error {
			var callErr error
			resp, callErr = c.svc.Changes.List(current).
				Fields(googleapi.Field(changeFields)).
				Spaces("drive").
				IncludeRemoved(true).
				PageSize(changePageSize).
				Context(ctx).Do()
			return callErr
		})
		if err != nil {
			return nil, "", err
		}
		for _, raw := range resp.Changes {
			change, ok, err := c.normalizeChange(ctx, raw)
			if err != nil {
				return nil, "", err
			}
			if ok {
				out = append(out, change)
			}
		}
		if resp.NextPageToken != "" {
			current = resp.NextPageToken
			continue
		}
		next := resp.NewStartPageToken
		if next == "" {
			next = current
		}
		return out, next, nil
	}
}

func (c *Client) normalizeChange(ctx context.Context, raw *drive.Change) (source.Change, bool, error) {
	if raw == nil || raw.FileId == "" {
		return source.Change{}, false, nil
	}
	change := source.Change{FileID: raw.FileId, Removed: raw.Removed}
	file := raw.File
	if file == nil {
		change.Removed = true
		return change, true, nil
	}
	// Folders carry no content; creating or renaming one must not surface
	// as a file change.
	if file.MimeType == folderMimeType {
		return source.Change{}, false, nil
	}
	if file.Trashed {
		change.Removed = true
		change.Name = file.Name
		return change, true, nil
	}
	change.Name = file.Name
	change.MimeType = file.MimeType
	change.ContentHash = file.Md5Checksum
	change.ModifiedTime = file.ModifiedTime
	change.Size = file.Size
	if user := file.LastModifyingUser; user != nil {
		change.EditorName = user.DisplayName
		change.EditorEmail = user.EmailAddress
	}
	inScope, err := c.isInFolder(ctx, file.Parents)
	if err != nil {
		return source.Change{}, false, err
	}
	if inScope {
		change.InScope = true
		change.Path, err = c.resolvePath(ctx, file.Name, file.Parents)
		if err != nil {
			return source.Change{}, false, err
		}
	}
	return change, true, nil
}

// isInFolder walks the parent ancestry looking for the watched folder.
func (c *Client) isInFolder(ctx context.Context, parents []string) (bool, error) {
	if len(parents) == 0 {
		return false, nil
	}
	visited := map[string]bool{}
	queue := append([]string(nil), parents...)
	for len(queue) > 0 {
		parentID := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if visited[parentID] {
			continue
		}
		visited[parentID] = true
		if parentID == c.folderID {
			return true, nil
		}
		meta, err := c.folder(ctx, parentID)
		if err != nil {
			return false, err
		}
		if meta.missing {
			continue
		}
		queue = append(queue, meta.parents...)
	}
	return false, nil
}

// resolvePath builds the folder-relative path by walking the first-parent
// chain up to the watched folder.
func (c *Client) resolvePath(ctx context.Context, name string, parents []string) (string, error) {
	if len(parents) == 0 {
		return name, nil
	}
	var parts []string
	current := parents[0]
	for current != "" && current != c.folderID {
		meta, err := c.folder(ctx, current)
		if err != nil {
			return "", err
		}
		if meta.missing {
			break
		}
		parts = append(parts, meta.name)
		if len(meta.parents) == 0 {
			break
		}
		current = meta.parents[0]
	}
	// reverse ancestry: walked leaf-to-root
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	parts = append(parts, name)
	return strings.Join(parts, "/"), nil
}

// folder looks up folder metadata, caching successes and definitive
// not-found answers for the current listing. Transient lookup failures
// are returned to the caller rather than cached, so a flaky files.get
// never scopes a live file out of the watched tree.
func (c *Client) folder(ctx context.Context, folderID string) (*folderMeta, error) {
	if meta, ok := c.folders[folderID]; ok {
		return meta, nil
	}
	var file *drive.File
	err := c.withRetry(ctx, "files.get", func() error {
		var callErr error
		file, callErr = c.svc.Files.Get(folderID).
			Fields("name,parents").
			Context(ctx).Do()
		return callErr
	})
	if err != nil {
		if isNotFound(err) {
			meta := &folderMeta{missing: true}
			c.folders[folderID] = meta
			return meta, nil
		}
		c.log.Debug("folder lookup failed", zap.String("folderId", folderID), zap.Error(err))
		return nil, err
	}
	meta := &folderMeta{name: file.Name, parents: file.Parents}
	c.folders[folderID] = meta
	return meta, nil
}

// ListFolder walks the watched tree depth-first, folders in name order, and
// returns the files as synthetic created changes.
func (c *Client) ListFolder(ctx context.Context) ([]source.Change, error) {
	var out []source.Change
	err := c.walkFolder(ctx, c.folderID, "", &out)
	return out, err
}

func (c *Client) walkFolder(ctx context.Context, folderID, prefix string, out *[]source.Change) error {
	query := fmt.Sprintf("'%s' in parents and trashed = false", folderID)
	pageToken := ""
	var files []*drive.File
	for {
		var resp *drive.FileList
		err := c.withRetry(ctx, "files.list", func() error {
			call := c.svc.Files.List().
				Q(query).
				Fields(googleapi.Field(fileListFields)).
				OrderBy("name").
				PageSize(listPageSize).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var callErr error
			resp, callErr = call.Do()
			return callErr
		})
		if err != nil {
			return err
		}
		files = append(files, resp.Files...)
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	for _, file := range files {
		if file.MimeType == folderMimeType {
			continue
		}
		change := source.Change{
			FileID:       file.Id,
			InScope:      true,
			Path:         prefix + file.Name,
			Name:         file.Name,
			MimeType:     file.MimeType,
			ContentHash:  file.Md5Checksum,
			ModifiedTime: file.ModifiedTime,
			Size:         file.Size,
		}
		if user := file.LastModifyingUser; user != nil {
			change.EditorName = user.DisplayName
			change.EditorEmail = user.EmailAddress
		}
		*out = append(*out, change)
	}
	for _, file := range files {
		if file.MimeType != folderMimeType {
			continue
		}
		if err := c.walkFolder(ctx, file.Id, prefix+file.Name+"/", out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Download(ctx context.Context, fileID string) ([]byte, error) {
	var content []byte
	err := c.withRetry(ctx, "files.get media", func() error {
		resp, err := c.svc.Files.Get(fileID).Context(ctx).Download()
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		var readErr error
		content, readErr = io.ReadAll(resp.Body)
		return readErr
	})
	return content, err
}

func (c *Client) Export(ctx context.Context, fileID, mimeType string) ([]byte, error) {
	var content []byte
	err := c.withRetry(ctx, "files.export", func() error {
		resp, err := c.svc.Files.Export(fileID, mimeType).Context(ctx).Download()
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		var readErr error
		content, readErr = io.ReadAll(resp.Body)
		return readErr
	})
	return content, err
}

func (c *Client) CreateChannel(ctx context.Context, webhookURL, cursor string) (source.Channel, error) {
	channelID := uuid.NewString()
	body := &drive.Channel{
		Id:      channelID,
		Type:    "web_hook",
		Address: webhookURL,
	}
	var created *drive.Channel
	err := c.withRetry(ctx, "changes.watch", func() error {
		var callErr error
		created, callErr = c.svc.Changes.Watch(cursor, body).
			Fields("resourceId,expiration").
			Context(ctx).Do()
		return callErr
	})
	if err != nil {
		return source.Channel{}, err
	}
	return source.Channel{
		ID:         channelID,
		ResourceID: created.ResourceId,
		Expiration: time.UnixMilli(created.Expiration),
	}, nil
}

func (c *Client) StopChannel(ctx context.Context, channelID, resourceID string) error {
	return c.withRetry(ctx, "channels.stop", func() error {
		return c.svc.Channels.Stop(&drive.Channel{
			Id:         channelID,
			ResourceId: resourceID,
		}).Context(ctx).Do()
	})
}

// withRetry retries transient failures (rate limits, 5xx, network) with
// bounded exponential backoff. Authorization failures are wrapped as
// permission errors and never retried.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if isPermissionDenied(err) {
			return &source.PermissionError{Op: op, Err: err}
		}
		if !isTransient(err) || attempt >= c.maxRetries {
			return fmt.Errorf("%s: %w", op, err)
		}
		c.log.Debug("retrying drive call", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
		if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
			return waitErr
		}
	}
}

func isPermissionDenied(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound
	}
	return false
}

func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || (apiErr.Code >= 500 && apiErr.Code <= 599)
	}
	// Non-API errors are network-level failures; worth a retry.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
