package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"flowidly/api/internal/document"
	"flowidly/api/internal/export"
	"flowidly/api/internal/gitrepo"
	"flowidly/api/internal/metrics"
	"flowidly/api/internal/rbac"
	"flowidly/api/internal/session"
	"flowidly/api/internal/store"
	"flowidly/api/internal/util"
)

// draftSyncAttempts bounds the writes that record a completed save on the
// stored draft.
const draftSyncAttempts = 3

// draftLocks serializes the requests of one editing session in this process.
// The zero value is ready to use.
type draftLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *draftLocks) lock(proposalID, draftID string) func() {
	key := proposalID + ":" + draftID
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// DraftView is a draft as the editor sees it.
type DraftView struct {
	session.Draft
	IsDirty bool     `json:"dirty"`
	Total   *float64 `json:"total"`
}

func viewOf(d session.Draft) DraftView {
	return DraftView{Draft: d, IsDirty: d.Dirty(), Total: totalOf(d.Blocks)}
}

// SaveOutcome reports what a save wrote.
type SaveOutcome struct {
	Saved   bool      `json:"saved"`
	Version int       `json:"version"`
	Draft   DraftView `json:"draft"`
}

// OpenDraft starts an editing session on the proposal's stored blocks.
func (s *Service) OpenDraft(ctx context.Context, caller Caller, proposalID string) (DraftView, error) {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return DraftView{}, err
	}
	proposal, err := s.ownedProposal(ctx, caller, proposalID)
	if err != nil {
		return DraftView{}, err
	}
	blocks, storedIDs, err := s.loadBlocks(ctx, proposalID)
	if err != nil {
		return DraftView{}, err
	}
	draft := session.Draft{
		ID:          util.NewID("sess"),
		ProposalID:  proposalID,
		UserID:      caller.UserID,
		BaseVersion: proposal.Version,
		StoredIDs:   storedIDs,
		Fingerprint: document.Fingerprint(blocks),
		Blocks:      blocks,
		UpdatedAt:   s.now().UTC(),
	}
	if len(storedIDs) == 0 {
		// the seeded default block is not stored yet
		draft.Fingerprint = ""
	}
	if err := s.drafts.Save(ctx, draft); err != nil {
		return DraftView{}, fmt.Errorf("store draft: %w", err)
	}
	return viewOf(draft), nil
}

func (s *Service) GetDraft(ctx context.Context, caller Caller, proposalID, draftID string) (DraftView, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return DraftView{}, err
	}
	draft, err := s.ownedDraft(ctx, caller, proposalID, draftID)
	if err != nil {
		return DraftView{}, err
	}
	return viewOf(draft), nil
}

// ApplyCommand runs one editor command and stores the resulting draft.
func (s *Service) ApplyCommand(ctx context.Context, caller Caller, proposalID, draftID string, cmd Command) (DraftView, error) {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return DraftView{}, err
	}
	unlock := s.draftLocks.lock(proposalID, draftID)
	defer unlock()
	if _, err := s.ownedDraft(ctx, caller, proposalID, draftID); err != nil {
		return DraftView{}, err
	}
	draft, err := s.drafts.Update(ctx, proposalID, draftID, func(d *session.Draft) error {
		if err := applyCommand(d, cmd); err != nil {
			return err
		}
		d.UpdatedAt = s.now().UTC()
		return nil
	})
	if err != nil {
		return DraftView{}, err
	}
	s.metrics.CommandApplied(cmd.Op)
	return viewOf(draft), nil
}

// SaveDraft writes the draft's changes to the proposal. Unless force is set
// the write only succeeds while the proposal is still at the draft's base
// version. A failed write leaves the draft as it was.
func (s *Service) SaveDraft(ctx context.Context, caller Caller, proposalID, draftID string, force bool) (SaveOutcome, error) {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return SaveOutcome{}, err
	}
	proposal, err := s.ownedProposal(ctx, caller, proposalID)
	if err != nil {
		return SaveOutcome{}, err
	}
	unlock := s.draftLocks.lock(proposalID, draftID)
	defer unlock()
	draft, err := s.ownedDraft(ctx, caller, proposalID, draftID)
	if err != nil {
		return SaveOutcome{}, err
	}

	plan := document.PlanSave(draft.Blocks, draft.StoredIDs)
	if !draft.Dirty() && len(plan.Inserts) == 0 && len(plan.Deletes) == 0 {
		s.metrics.SaveFinished(metrics.SaveNoop)
		return SaveOutcome{Saved: false, Version: draft.BaseVersion, Draft: viewOf(draft)}, nil
	}

	expected := draft.BaseVersion
	if force {
		expected = 0
	}
	total := totalOf(draft.Blocks)
	text := export.PlainText(draft.Blocks)
	result, err := s.store.SaveSections(ctx, proposalID, store.SectionWrites{
		Inserts:         toSections(plan.Inserts),
		Updates:         toSections(plan.Updates),
		Deletes:         plan.Deletes,
		ExpectedVersion: expected,
		TotalAmount:     total,
		SearchText:      text,
	})
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			s.metrics.SaveFinished(metrics.SaveConflict)
			return SaveOutcome{}, domainError(http.StatusConflict, "VERSION_CONFLICT",
				"The proposal was changed by someone else", map[string]any{"baseVersion": draft.BaseVersion})
		}
		s.metrics.SaveFinished(metrics.SaveFailed)
		log.Error().Err(err).Str("proposal", proposalID).Str("draft", draftID).Msg("save draft failed")
		return SaveOutcome{}, domainError(http.StatusInternalServerError, "SAVE_FAILED", err.Error(), nil)
	}

	saved := document.AssignIDs(draft.Blocks, result.InsertedIDs)
	storedIDs := document.PersistedIDs(saved)
	fingerprint := document.Fingerprint(saved)
	synced, syncErr := s.syncSavedDraft(ctx, proposalID, draftID, func(d *session.Draft) error {
		d.Blocks = document.AssignIDs(d.Blocks, result.InsertedIDs)
		d.BaseVersion = result.Version
		d.StoredIDs = storedIDs
		d.Fingerprint = fingerprint
		d.UpdatedAt = s.now().UTC()
		return nil
	})
	s.metrics.SaveFinished(metrics.SaveOK)

	s.recordEvent(proposalID, EventEdited, map[string]any{
		"version":  result.Version,
		"user_id":  caller.UserID,
		"inserted": len(plan.Inserts),
		"deleted":  len(plan.Deletes),
	}, RequestMeta{})
	s.backup(proposal, caller, result.Version, saved)

	proposal.Version = result.Version
	proposal.TotalAmount = total
	s.reindex(proposal, text)

	switch {
	case errors.Is(syncErr, session.ErrDraftNotFound):
		// discarded or expired while saving
		draft.Blocks = saved
		draft.BaseVersion = result.Version
		draft.StoredIDs = storedIDs
		draft.Fingerprint = fingerprint
		synced = draft
	case syncErr != nil:
		return SaveOutcome{}, domainError(http.StatusInternalServerError, "DRAFT_SYNC_FAILED",
			"The proposal was saved but the editing session was lost; reopen the proposal to keep editing",
			map[string]any{"version": result.Version})
	}
	return SaveOutcome{Saved: true, Version: result.Version, Draft: viewOf(synced)}, nil
}

// syncSavedDraft records a completed save on the stored draft. When the draft
// cannot be written it is dropped, so its stale pending ids are never
// inserted a second time.
func (s *Service) syncSavedDraft(ctx context.Context, proposalID, draftID string, fn func(*session.Draft) error) (session.Draft, error) {
	var err error
	for attempt := 0; attempt < draftSyncAttempts; attempt++ {
		var synced session.Draft
		synced, err = s.drafts.Update(ctx, proposalID, draftID, fn)
		if err == nil || errors.Is(err, session.ErrDraftNotFound) {
			return synced, err
		}
	}
	log.Error().Err(err).Str("proposal", proposalID).Str("draft", draftID).Msg("store saved draft failed, dropping it")
	if delErr := s.drafts.Delete(ctx, proposalID, draftID); delErr != nil {
		log.Warn().Err(delErr).Str("proposal", proposalID).Str("draft", draftID).Msg("drop stale draft failed")
	}
	return session.Draft{}, err
}

// backup commits the saved blocks to the proposal's snapshot history.
func (s *Service) backup(proposal store.Proposal, caller Caller, version int, blocks []document.Block) {
	if s.git == nil {
		return
	}
	snapshot := gitrepo.Snapshot{Title: proposal.Title, Version: version, Sections: document.Flatten(blocks)}
	author := caller.Email
	if author == "" {
		author = caller.UserID
	}
	s.background(func() {
		info, err := s.git.Commit(proposal.ID, snapshot, author, fmt.Sprintf("Save version %d", version))
		if err != nil {
			if !errors.Is(err, gitrepo.ErrNoChanges) {
				log.Warn().Err(err).Str("proposal", proposal.ID).Msg("snapshot commit failed")
			}
			return
		}
		s.recordEvent(proposal.ID, EventBackupCreated, map[string]any{"hash": info.Hash, "version": version}, RequestMeta{})
	})
}

func (s *Service) DiscardDraft(ctx context.Context, caller Caller, proposalID, draftID string) error {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return err
	}
	if _, err := s.ownedDraft(ctx, caller, proposalID, draftID); err != nil {
		return err
	}
	return s.drafts.Delete(ctx, proposalID, draftID)
}

// ownedDraft loads a draft that belongs to the caller. Admins may reach any
// draft.
func (s *Service) ownedDraft(ctx context.Context, caller Caller, proposalID, draftID string) (session.Draft, error) {
	draft, err := s.drafts.Load(ctx, proposalID, draftID)
	if err != nil {
		return session.Draft{}, err
	}
	if !caller.isAdmin() && draft.UserID != caller.UserID {
		return session.Draft{}, notFound("Draft not found")
	}
	return draft, nil
}
