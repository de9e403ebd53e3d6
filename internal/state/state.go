// Package state persists the sync cursor, per-file fingerprints, the watch
// channel record, and the distributed sync lease.
package state

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrLeaseHeld     = errors.New("sync lease held")
	ErrNotLeaseOwner = errors.New("not the lease owner")
	ErrInvalidInput  = errors.New("invalid input")
)

// DefaultLeaseTTL bounds crash-recovery latency while exceeding the
// worst-case run duration.
const DefaultLeaseTTL = 10 * time.Minute

// Lease is the mutual-exclusion record. At most one unexpired lease exists.
type Lease struct {
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the lease is reclaimable at the given instant.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// FileRecord tracks one remote file, keyed by the provider's stable file id.
// Paths change under rename; the file id does not.
type FileRecord struct {
	FileID          string    `json:"fileId"`
	Path            string    `json:"path"`
	Name            string    `json:"name"`
	ContentHash     string    `json:"contentHash,omitempty"`
	ModifiedTime    string    `json:"modifiedTime,omitempty"`
	MimeType        string    `json:"mimeType,omitempty"`
	Exportable      bool      `json:"exportable,omitempty"`
	SidecarPath     string    `json:"sidecarPath,omitempty"`
	LastEditorName  string    `json:"lastEditorName,omitempty"`
	LastEditorEmail string    `json:"lastEditorEmail,omitempty"`
	Tombstoned      bool      `json:"tombstoned,omitempty"`
	DeletedAt       time.Time `json:"deletedAt,omitempty"`
}

// Channel records the provider push-notification channel currently registered.
type Channel struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resourceId"`
	Expiration time.Time `json:"expiration"`
}

// Store is the typed accessor over the durable document store. All mutating
// calls are single-transaction operations.
type Store interface {
	// TryAcquireLease atomically acquires the sync lease for holderID.
	// Returns ErrLeaseHeld when an unexpired lease is owned by someone else.
	// Never blocks waiting for the lease.
	TryAcquireLease(ctx context.Context, holderID string, ttl time.Duration) error
	// ReleaseLease deletes the lease if holderID owns it.
	ReleaseLease(ctx context.Context, holderID string) error

	ReadCursor(ctx context.Context) (string, error)
	// WriteCursorAndRecords advances the cursor and upserts records in one
	// logical transaction.
	WriteCursorAndRecords(ctx context.Context, cursor string, records []FileRecord) error
	// PutRecords upserts records without touching the cursor.
	PutRecords(ctx context.Context, records []FileRecord) error
	GetRecord(ctx context.Context, fileID string) (*FileRecord, error)
	// ListRecords returns non-tombstoned records whose path starts with
	// pathPrefix, ordered by path. An empty prefix lists everything.
	ListRecords(ctx context.Context, pathPrefix string) ([]FileRecord, error)
	// PruneTombstones removes tombstoned records deleted before cutoff.
	PruneTombstones(ctx context.Context, cutoff time.Time) (int, error)

	ReadChannel(ctx context.Context) (*Channel, error)
	WriteChannel(ctx context.Context, ch Channel) error
	ClearChannel(ctx context.Context) error

	Close() error
}

// MemoryStore is an in-process Store for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	lease   *Lease
	cursor  string
	records map[string]FileRecord
	channel *Channel
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: map[string]FileRecord{},
		now:     time.Now,
	}
}

func (s *MemoryStore) TryAcquireLease(ctx context.Context, holderID string, ttl time.Duration) error {
	if strings.TrimSpace(holderID) == "" {
		return ErrInvalidInput
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.lease != nil && s.lease.HolderID != holderID && !s.lease.Expired(now) {
		return ErrLeaseHeld
	}
	s.lease = &Lease{
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lease == nil {
		return nil
	}
	if s.lease.HolderID != holderID {
		return ErrNotLeaseOwner
	}
	s.lease = nil
	return nil
}

func (s *MemoryStore) ReadCursor(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *MemoryStore) WriteCursorAndRecords(ctx context.Context, cursor string, records []FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	for _, record := range records {
		if record.FileID == "" {
			return ErrInvalidInput
		}
		s.records[record.FileID] = record
	}
	return nil
}

func (s *MemoryStore) PutRecords(ctx context.Context, records []FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		if record.FileID == "" {
			return ErrInvalidInput
		}
		s.records[record.FileID] = record
	}
	return nil
}

func (s *MemoryStore) GetRecord(ctx context.Context, fileID string) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[fileID]
	if !ok {
		return nil, nil
	}
	copied := record
	return &copied, nil
}

func (s *MemoryStore) ListRecords(ctx context.Context, pathPrefix string) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FileRecord
	for _, record := range s.records {
		if record.Tombstoned {
			continue
		}
		if pathPrefix != "" && !strings.HasPrefix(record.Path, pathPrefix) {
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) PruneTombstones(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, record := range s.records {
		if record.Tombstoned && record.DeletedAt.Before(cutoff) {
			delete(s.records, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) ReadChannel(ctx context.Context) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return nil, nil
	}
	copied := *s.channel
	return &copied, nil
}

func (s *MemoryStore) WriteChannel(ctx context.Context, ch Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = &ch
	return nil
}

func (s *MemoryStore) ClearChannel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = nil
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// SetClock overrides the store clock. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
