// Package session keeps editing drafts: the in-progress block list of one
// editor session, held outside the database until it is saved.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"flowidly/api/internal/document"
)

var (
	ErrDraftNotFound = errors.New("draft not found or expired")
	// ErrDraftBusy means concurrent writers kept winning an Update.
	ErrDraftBusy = errors.New("draft is being updated concurrently")
)

// Draft is one editor session's working copy of a proposal.
type Draft struct {
	ID          string `json:"id"`
	ProposalID  string `json:"proposalId"`
	UserID      string `json:"userId"`
	BaseVersion int    `json:"baseVersion"`
	// Revision counts the updates applied to this draft.
	Revision    int              `json:"revision"`
	StoredIDs   []string         `json:"storedIds"`
	Fingerprint string           `json:"fingerprint"`
	Blocks      []document.Block `json:"blocks"`
	CopiedStyle *document.Style  `json:"copiedStyle,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// Dirty reports whether the blocks differ from what was last loaded or saved.
func (d Draft) Dirty() bool {
	return document.Fingerprint(d.Blocks) != d.Fingerprint
}

// Store persists drafts between requests.
type Store interface {
	Save(ctx context.Context, draft Draft) error
	Load(ctx context.Context, proposalID, draftID string) (Draft, error)
	// Update applies fn to the stored draft and writes the result with its
	// revision bumped, atomically with respect to other updates. fn may run
	// more than once; an error from fn aborts without writing.
	Update(ctx context.Context, proposalID, draftID string, fn func(*Draft) error) (Draft, error)
	Delete(ctx context.Context, proposalID, draftID string) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests. Entries expire after ttl; a zero ttl keeps them forever.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	drafts map[string]memoryEntry
}

type memoryEntry struct {
	draft   Draft
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, drafts: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Save(_ context.Context, draft Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(draft)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, proposalID, draftID string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(draftKey(proposalID, draftID))
}

func (s *MemoryStore) Update(_ context.Context, proposalID, draftID string, fn func(*Draft) error) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft, err := s.get(draftKey(proposalID, draftID))
	if err != nil {
		return Draft{}, err
	}
	if err := fn(&draft); err != nil {
		return Draft{}, err
	}
	draft.Revision++
	s.put(draft)
	return draft, nil
}

// put and get expect s.mu to be held.
func (s *MemoryStore) put(draft Draft) {
	entry := memoryEntry{draft: draft}
	if s.ttl > 0 {
		entry.expires = s.now().Add(s.ttl)
	}
	s.drafts[draftKey(draft.ProposalID, draft.ID)] = entry
}

func (s *MemoryStore) get(key string) (Draft, error) {
	entry, ok := s.drafts[key]
	if !ok {
		return Draft{}, ErrDraftNotFound
	}
	if !entry.expires.IsZero() && s.now().After(entry.expires) {
		delete(s.drafts, key)
		return Draft{}, ErrDraftNotFound
	}
	return entry.draft, nil
}

func (s *MemoryStore) Delete(_ context.Context, proposalID, draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, draftKey(proposalID, draftID))
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func draftKey(proposalID, draftID string) string {
	return "draft:" + proposalID + ":" + draftID
}
