package app

import (
	"context"
	"errors"

	"flowidly/api/internal/document"
	"flowidly/api/internal/gitrepo"
	"flowidly/api/internal/rbac"
)

const defaultHistoryLimit = 50

// SnapshotView is the proposal as it was saved at one commit.
type SnapshotView struct {
	Commit  gitrepo.CommitInfo `json:"commit"`
	Title   string             `json:"title"`
	Version int                `json:"version"`
	Blocks  []document.Block   `json:"blocks"`
	Total   *float64           `json:"total"`
}

func (s *Service) History(ctx context.Context, caller Caller, proposalID string, limit int) ([]gitrepo.CommitInfo, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.ownedProposal(ctx, caller, proposalID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.git.History(proposalID, limit)
}

func (s *Service) SnapshotAt(ctx context.Context, caller Caller, proposalID, hash string) (SnapshotView, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return SnapshotView{}, err
	}
	if _, err := s.ownedProposal(ctx, caller, proposalID); err != nil {
		return SnapshotView{}, err
	}
	if s.git == nil {
		return SnapshotView{}, notFound("Snapshot not found")
	}
	snapshot, info, err := s.git.Snapshot(proposalID, hash)
	if err != nil {
		if errors.Is(err, gitrepo.ErrNoHistory) || errors.Is(err, gitrepo.ErrUnknownRevision) {
			return SnapshotView{}, notFound("Snapshot not found")
		}
		return SnapshotView{}, err
	}
	blocks := document.Hydrate(snapshot.Sections)
	return SnapshotView{
		Commit:  info,
		Title:   snapshot.Title,
		Version: snapshot.Version,
		Blocks:  blocks,
		Total:   totalOf(blocks),
	}, nil
}
