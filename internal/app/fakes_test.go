package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowidly/api/internal/assets"
	"flowidly/api/internal/auth"
	"flowidly/api/internal/config"
	"flowidly/api/internal/export"
	"flowidly/api/internal/gitrepo"
	"flowidly/api/internal/metrics"
	"flowidly/api/internal/search"
	"flowidly/api/internal/session"
	"flowidly/api/internal/store"
)

const testSecret = "test-secret"

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeStore struct {
	mu sync.Mutex

	listProposalsFn      func(context.Context, string, bool) ([]store.Proposal, error)
	listTemplatesFn      func(context.Context, string) ([]store.Proposal, error)
	getProposalFn        func(context.Context, string) (store.Proposal, error)
	getProposalByTokenFn func(context.Context, string) (store.Proposal, error)
	insertProposalFn     func(context.Context, store.Proposal) (store.Proposal, error)
	updateProposalFn     func(context.Context, store.Proposal) error
	deleteProposalFn     func(context.Context, string) (bool, error)
	markViewedFn         func(context.Context, string) (bool, error)
	listSectionsFn       func(context.Context, string) ([]store.Section, error)
	saveSectionsFn       func(context.Context, string, store.SectionWrites) (store.SaveResult, error)
	insertEventFn        func(context.Context, store.Event) error
	listEventsFn         func(context.Context, string, int) ([]store.Event, error)
	pingFn               func(context.Context) error

	events []store.Event
	saves  []store.SectionWrites
}

func (f *fakeStore) ListProposals(ctx context.Context, ownerID string, includeTemplates bool) ([]store.Proposal, error) {
	if f.listProposalsFn != nil {
		return f.listProposalsFn(ctx, ownerID, includeTemplates)
	}
	return []store.Proposal{}, nil
}

func (f *fakeStore) ListTemplates(ctx context.Context, ownerID string) ([]store.Proposal, error) {
	if f.listTemplatesFn != nil {
		return f.listTemplatesFn(ctx, ownerID)
	}
	return []store.Proposal{}, nil
}

func (f *fakeStore) GetProposal(ctx context.Context, id string) (store.Proposal, error) {
	if f.getProposalFn != nil {
		return f.getProposalFn(ctx, id)
	}
	return store.Proposal{}, sql.ErrNoRows
}

func (f *fakeStore) GetProposalByToken(ctx context.Context, token string) (store.Proposal, error) {
	if f.getProposalByTokenFn != nil {
		return f.getProposalByTokenFn(ctx, token)
	}
	return store.Proposal{}, sql.ErrNoRows
}

func (f *fakeStore) InsertProposal(ctx context.Context, item store.Proposal) (store.Proposal, error) {
	if f.insertProposalFn != nil {
		return f.insertProposalFn(ctx, item)
	}
	item.ID = "p-new"
	item.Version = 1
	return item, nil
}

func (f *fakeStore) UpdateProposal(ctx context.Context, item store.Proposal) error {
	if f.updateProposalFn != nil {
		return f.updateProposalFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) DeleteProposal(ctx context.Context, id string) (bool, error) {
	if f.deleteProposalFn != nil {
		return f.deleteProposalFn(ctx, id)
	}
	return true, nil
}

func (f *fakeStore) MarkViewed(ctx context.Context, id string) (bool, error) {
	if f.markViewedFn != nil {
		return f.markViewedFn(ctx, id)
	}
	return false, nil
}

func (f *fakeStore) ListSections(ctx context.Context, id string) ([]store.Section, error) {
	if f.listSectionsFn != nil {
		return f.listSectionsFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeStore) SaveSections(ctx context.Context, id string, writes store.SectionWrites) (store.SaveResult, error) {
	f.mu.Lock()
	f.saves = append(f.saves, writes)
	f.mu.Unlock()
	if f.saveSectionsFn != nil {
		return f.saveSectionsFn(ctx, id, writes)
	}
	inserted := make(map[string]string, len(writes.Inserts))
	for i, section := range writes.Inserts {
		inserted[section.ID] = fmt.Sprintf("s-%d", i+1)
	}
	return store.SaveResult{Version: writes.ExpectedVersion + 1, InsertedIDs: inserted}, nil
}

func (f *fakeStore) InsertEvent(ctx context.Context, event store.Event) error {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	if f.insertEventFn != nil {
		return f.insertEventFn(ctx, event)
	}
	return nil
}

func (f *fakeStore) ListEvents(ctx context.Context, id string, limit int) ([]store.Event, error) {
	if f.listEventsFn != nil {
		return f.listEventsFn(ctx, id, limit)
	}
	return []store.Event{}, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.events))
	for i, e := range f.events {
		types[i] = e.EventType
	}
	return types
}

type fakeGit struct {
	commitFn   func(string, gitrepo.Snapshot, string, string) (gitrepo.CommitInfo, error)
	historyFn  func(string, int) ([]gitrepo.CommitInfo, error)
	snapshotFn func(string, string) (gitrepo.Snapshot, gitrepo.CommitInfo, error)

	commits []gitrepo.Snapshot
}

func (f *fakeGit) Commit(id string, snapshot gitrepo.Snapshot, author, message string) (gitrepo.CommitInfo, error) {
	f.commits = append(f.commits, snapshot)
	if f.commitFn != nil {
		return f.commitFn(id, snapshot, author, message)
	}
	return gitrepo.CommitInfo{Hash: "abc1234", Message: message, Author: author, CreatedAt: testNow}, nil
}

func (f *fakeGit) History(id string, limit int) ([]gitrepo.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(id, limit)
	}
	return []gitrepo.CommitInfo{}, nil
}

func (f *fakeGit) Snapshot(id, hash string) (gitrepo.Snapshot, gitrepo.CommitInfo, error) {
	if f.snapshotFn != nil {
		return f.snapshotFn(id, hash)
	}
	return gitrepo.Snapshot{}, gitrepo.CommitInfo{}, gitrepo.ErrNoHistory
}

type fakeSearch struct {
	indexed []search.ProposalRecord
	deleted []string
	queries []search.Query
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexProposal(rec search.ProposalRecord) { f.indexed = append(f.indexed, rec) }

func (f *fakeSearch) DeleteProposal(id string) { f.deleted = append(f.deleted, id) }

type fakeAssets struct {
	uploadFn func(context.Context, string, string, string, io.Reader, int64) (assets.Asset, error)
}

func (f *fakeAssets) Upload(ctx context.Context, proposalID, filename, contentType string, r io.Reader, size int64) (assets.Asset, error) {
	if f.uploadFn != nil {
		return f.uploadFn(ctx, proposalID, filename, contentType, r, size)
	}
	return assets.Asset{Key: "proposals/" + proposalID + "/x.png", URL: "http://cdn/x.png", ContentType: contentType, Size: size}, nil
}

type testEnv struct {
	svc     *Service
	store   *fakeStore
	git     *fakeGit
	search  *fakeSearch
	drafts  *session.MemoryStore
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   &fakeStore{},
		git:     &fakeGit{},
		search:  &fakeSearch{},
		drafts:  session.NewMemoryStore(time.Hour),
		metrics: metrics.New(),
	}
	env.svc = &Service{
		cfg:     config.Config{AuthSecret: testSecret, PublicBaseURL: "https://proposals.test"},
		store:   env.store,
		drafts:  env.drafts,
		git:     env.git,
		search:  env.search,
		assets:  &fakeAssets{},
		metrics: env.metrics,
		renderPDF: func(context.Context, string, string) (*export.Result, error) {
			return nil, export.ErrPDFDependencyMissing
		},
		renderDOCX: func(context.Context, string, string) (*export.Result, error) {
			return nil, export.ErrDOCXDependencyMissing
		},
		background: func(fn func()) { fn() },
		now:        func() time.Time { return testNow },
	}
	return env
}

// withProposal makes the fake store serve one proposal and its sections.
func (env *testEnv) withProposal(p store.Proposal, sections ...store.Section) {
	env.store.getProposalFn = func(_ context.Context, id string) (store.Proposal, error) {
		if id != p.ID {
			return store.Proposal{}, sql.ErrNoRows
		}
		return p, nil
	}
	env.store.getProposalByTokenFn = func(_ context.Context, token string) (store.Proposal, error) {
		if token != p.AccessToken {
			return store.Proposal{}, sql.ErrNoRows
		}
		return p, nil
	}
	env.store.listSectionsFn = func(_ context.Context, id string) ([]store.Section, error) {
		if id != p.ID {
			return nil, nil
		}
		return sections, nil
	}
}

func owner() Caller { return Caller{UserID: "u-1", Email: "ana@example.com", Role: "editor"} }

func ownedProposal() store.Proposal {
	return store.Proposal{
		ID:          "p-1",
		OwnerID:     "u-1",
		Title:       "Website redesign",
		ClientName:  "Acme",
		ClientEmail: "buyer@acme.test",
		Status:      store.StatusDraft,
		Currency:    "USD",
		AccessToken: "tok-1",
		Version:     3,
		UpdatedAt:   testNow,
	}
}

func textSection(id string, order int, html string) store.Section {
	content, _ := json.Marshal(map[string]any{
		"background_color": "#FFFFFF",
		"elements": []map[string]any{
			{"id": "el-" + id, "type": "text", "display_order": 0, "content": map[string]any{"html": html}},
		},
	})
	return store.Section{ID: id, ProposalID: "p-1", SectionType: "text", Content: content, DisplayOrder: order, Visible: true}
}

func pricingSection(id string, order int, price float64) store.Section {
	content, _ := json.Marshal(map[string]any{
		"background_color": "#FFFFFF",
		"elements": []map[string]any{
			{"id": "el-" + id, "type": "pricing", "display_order": 0, "content": map[string]any{
				"lineItems": []map[string]any{{"id": "li-1", "description": "Build", "quantity": 2, "unit_price": price}},
				"discount":  map[string]any{"type": "none", "value": 0},
				"currency":  "USD",
			}},
		},
	})
	return store.Section{ID: id, ProposalID: "p-1", SectionType: "pricing", Content: content, DisplayOrder: order, Visible: true}
}

func bearer(t *testing.T, caller Caller) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   caller.UserID,
		Email: caller.Email,
		Role:  string(caller.Role),
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return "Bearer " + token
}
