package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowidly/api/internal/document"
	"flowidly/api/internal/gitrepo"
	"flowidly/api/internal/rbac"
	"flowidly/api/internal/session"
	"flowidly/api/internal/store"
)

func requireDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, status, domainErr.Status)
	assert.Equal(t, code, domainErr.Code)
	return domainErr
}

func TestCreateProposalValidatesAndRecords(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.CreateProposal(context.Background(), owner(), CreateProposalInput{Title: "  "})
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")

	var inserted store.Proposal
	env.store.insertProposalFn = func(_ context.Context, p store.Proposal) (store.Proposal, error) {
		inserted = p
		p.ID = "p-9"
		return p, nil
	}
	created, err := env.svc.CreateProposal(context.Background(), owner(), CreateProposalInput{Title: " Pitch ", Currency: "eur"})
	require.NoError(t, err)

	assert.Equal(t, "p-9", created.ID)
	assert.Equal(t, "Pitch", inserted.Title)
	assert.Equal(t, "u-1", inserted.OwnerID)
	assert.Equal(t, store.StatusDraft, inserted.Status)
	assert.Equal(t, "EUR", inserted.Currency)
	assert.Equal(t, []string{EventCreated}, env.store.eventTypes())
	require.Len(t, env.search.indexed, 1)
	assert.Equal(t, "p-9", env.search.indexed[0].ID)
}

func TestCreateTemplateHasNoStatus(t *testing.T) {
	env := newTestEnv(t)
	var inserted store.Proposal
	env.store.insertProposalFn = func(_ context.Context, p store.Proposal) (store.Proposal, error) {
		inserted = p
		return p, nil
	}

	_, err := env.svc.CreateProposal(context.Background(), owner(), CreateProposalInput{Title: "Agency template", IsTemplate: true})
	require.NoError(t, err)

	assert.True(t, inserted.IsTemplate)
	assert.Empty(t, inserted.Status)
}

func TestViewerCannotWrite(t *testing.T) {
	env := newTestEnv(t)
	viewer := Caller{UserID: "u-1", Role: rbac.RoleViewer}

	_, err := env.svc.CreateProposal(context.Background(), viewer, CreateProposalInput{Title: "x"})
	requireDomainError(t, err, http.StatusForbidden, "FORBIDDEN")

	_, err = env.svc.ListProposals(context.Background(), viewer, false)
	require.NoError(t, err)
}

func TestOtherOwnersProposalLooksMissing(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal())

	_, err := env.svc.GetProposal(context.Background(), Caller{UserID: "u-2", Role: rbac.RoleEditor}, "p-1")
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	got, err := env.svc.GetProposal(context.Background(), Caller{UserID: "u-9", Role: rbac.RoleAdmin}, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.ID)
}

func TestListProposalsScopesToOwner(t *testing.T) {
	env := newTestEnv(t)
	var scopes []string
	env.store.listProposalsFn = func(_ context.Context, ownerID string, _ bool) ([]store.Proposal, error) {
		scopes = append(scopes, ownerID)
		return nil, nil
	}

	_, err := env.svc.ListProposals(context.Background(), owner(), true)
	require.NoError(t, err)
	_, err = env.svc.ListProposals(context.Background(), Caller{UserID: "root", Role: rbac.RoleAdmin}, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"u-1", ""}, scopes)
}

func TestUpdateProposalToSentPublishes(t *testing.T) {
	env := newTestEnv(t)
	current := ownedProposal()
	env.store.getProposalFn = func(context.Context, string) (store.Proposal, error) { return current, nil }
	env.store.updateProposalFn = func(_ context.Context, p store.Proposal) error {
		current = p
		return nil
	}

	sent := "Sent"
	updated, err := env.svc.UpdateProposal(context.Background(), owner(), "p-1", UpdateProposalInput{Status: &sent})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, updated.Status)
	assert.Equal(t, []string{EventPublished}, env.store.eventTypes())

	_, err = env.svc.UpdateProposal(context.Background(), owner(), "p-1", UpdateProposalInput{Status: &sent})
	require.NoError(t, err)
	assert.Len(t, env.store.eventTypes(), 1, "already sent")

	bogus := "archived"
	_, err = env.svc.UpdateProposal(context.Background(), owner(), "p-1", UpdateProposalInput{Status: &bogus})
	requireDomainError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestDeleteProposalDropsSearchEntry(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal())

	require.NoError(t, env.svc.DeleteProposal(context.Background(), owner(), "p-1"))
	assert.Equal(t, []string{"p-1"}, env.search.deleted)
}

func TestProposalBlocksIncludesTotal(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal(), textSection("a", 0, "<p>Hi</p>"), pricingSection("b", 1, 125))

	view, err := env.svc.ProposalBlocks(context.Background(), owner(), "p-1")
	require.NoError(t, err)

	require.Len(t, view.Blocks, 2)
	require.NotNil(t, view.Total)
	assert.InDelta(t, 250, *view.Total, 1e-9)
}

func TestCreateFromTemplateCopiesBlocks(t *testing.T) {
	env := newTestEnv(t)
	tmpl := ownedProposal()
	tmpl.IsTemplate = true
	tmpl.Status = ""
	env.withProposal(tmpl, textSection("a", 0, "<p>Intro</p>"), pricingSection("b", 1, 10))

	var inserted store.Proposal
	env.store.insertProposalFn = func(_ context.Context, p store.Proposal) (store.Proposal, error) {
		inserted = p
		p.ID = "p-new"
		return p, nil
	}

	created, err := env.svc.CreateFromTemplate(context.Background(), owner(), "p-1", FromTemplateInput{ClientName: "Globex"})
	require.NoError(t, err)

	assert.Equal(t, "p-new", created.ID)
	assert.Equal(t, "p-1", inserted.TemplateID)
	assert.Equal(t, tmpl.Title, inserted.Title)
	assert.Equal(t, store.StatusDraft, inserted.Status)
	require.Len(t, env.store.saves, 1)
	writes := env.store.saves[0]
	require.Len(t, writes.Inserts, 2)
	assert.Empty(t, writes.Updates)
	assert.Empty(t, writes.Deletes)
	for _, section := range writes.Inserts {
		assert.NotEqual(t, "a", section.ID)
		assert.NotEqual(t, "b", section.ID)
		assert.NotContains(t, string(section.Content), `"el-a"`)
		assert.NotContains(t, string(section.Content), `"el-b"`)
	}
	assert.Contains(t, string(writes.Inserts[0].Content), "Intro")
	require.NotNil(t, writes.TotalAmount)
	assert.InDelta(t, 20, *writes.TotalAmount, 1e-9)
	require.Len(t, env.store.events, 1)
	assert.Equal(t, "p-1", env.store.events[0].EventData["template_id"])
}

func TestCreateFromTemplateRejectsProposals(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal())

	_, err := env.svc.CreateFromTemplate(context.Background(), owner(), "p-1", FromTemplateInput{})
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func openEditedDraft(t *testing.T, env *testEnv) DraftView {
	t.Helper()
	env.withProposal(ownedProposal(), textSection("a", 0, "<p>Hello</p>"), pricingSection("b", 1, 50))
	opened, err := env.svc.OpenDraft(context.Background(), owner(), "p-1")
	require.NoError(t, err)
	assert.False(t, opened.IsDirty)
	assert.Equal(t, 3, opened.BaseVersion)

	edited, err := env.svc.ApplyCommand(context.Background(), owner(), "p-1", opened.ID, Command{Op: "addBlock"})
	require.NoError(t, err)
	assert.True(t, edited.IsDirty)
	require.Len(t, edited.Blocks, 3)
	return edited
}

func TestSaveDraftPersistsAndFollowsUp(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)

	outcome, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, false)
	require.NoError(t, err)

	assert.True(t, outcome.Saved)
	assert.Equal(t, 4, outcome.Version)
	assert.False(t, outcome.Draft.IsDirty)
	assert.Equal(t, []string{"a", "b", "s-1"}, document.PersistedIDs(outcome.Draft.Blocks))
	assert.Equal(t, []string{"a", "b", "s-1"}, outcome.Draft.StoredIDs)

	require.Len(t, env.store.saves, 1)
	writes := env.store.saves[0]
	assert.Equal(t, 3, writes.ExpectedVersion)
	assert.Len(t, writes.Inserts, 1)
	assert.Len(t, writes.Updates, 2)
	assert.Contains(t, writes.SearchText, "Hello")

	assert.Equal(t, []string{EventEdited, EventBackupCreated}, env.store.eventTypes())
	assert.Equal(t, "abc1234", env.store.events[1].EventData["hash"])
	require.Len(t, env.git.commits, 1)
	assert.Equal(t, 4, env.git.commits[0].Version)
	assert.Len(t, env.git.commits[0].Sections, 3)
	require.NotEmpty(t, env.search.indexed)
	assert.Contains(t, env.search.indexed[len(env.search.indexed)-1].Text, "Hello")

	stored, err := env.drafts.Load(context.Background(), "p-1", draft.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.BaseVersion)
	assert.False(t, stored.Dirty())
}

func TestSaveDraftWithoutChangesWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)
	_, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, false)
	require.NoError(t, err)

	again, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, false)
	require.NoError(t, err)

	assert.False(t, again.Saved)
	assert.Equal(t, 4, again.Version)
	assert.Len(t, env.store.saves, 1)
}

func TestSaveDraftConflictLeavesDraftUntouched(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)
	env.store.saveSectionsFn = func(context.Context, string, store.SectionWrites) (store.SaveResult, error) {
		return store.SaveResult{}, store.ErrVersionConflict
	}

	_, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, false)
	requireDomainError(t, err, http.StatusConflict, "VERSION_CONFLICT")

	stored, loadErr := env.drafts.Load(context.Background(), "p-1", draft.ID)
	require.NoError(t, loadErr)
	assert.Equal(t, 3, stored.BaseVersion)
	assert.True(t, stored.Dirty())
	assert.True(t, stored.Blocks[2].ID.IsPending())
	assert.Empty(t, env.store.events)
	assert.Empty(t, env.git.commits)
}

func TestSaveDraftFailureReportsCause(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)
	env.store.saveSectionsFn = func(context.Context, string, store.SectionWrites) (store.SaveResult, error) {
		return store.SaveResult{}, errors.New("insert section: connection reset")
	}

	_, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, false)
	domainErr := requireDomainError(t, err, http.StatusInternalServerError, "SAVE_FAILED")
	assert.Contains(t, domainErr.Message, "connection reset")

	stored, loadErr := env.drafts.Load(context.Background(), "p-1", draft.ID)
	require.NoError(t, loadErr)
	assert.Equal(t, draft.Fingerprint, stored.Fingerprint)
	assert.Len(t, stored.Blocks, 3)
}

func TestForcedSaveSkipsVersionCheck(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)

	_, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, true)
	require.NoError(t, err)

	require.Len(t, env.store.saves, 1)
	assert.Equal(t, 0, env.store.saves[0].ExpectedVersion)
}

func TestSaveWithUnchangedSnapshotSkipsBackupEvent(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)
	env.git.commitFn = func(string, gitrepo.Snapshot, string, string) (gitrepo.CommitInfo, error) {
		return gitrepo.CommitInfo{}, gitrepo.ErrNoChanges
	}

	_, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, false)
	require.NoError(t, err)

	assert.Equal(t, []string{EventEdited}, env.store.eventTypes())
}

func TestDraftsBelongToTheirEditor(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)

	_, err := env.svc.GetDraft(context.Background(), Caller{UserID: "u-2", Role: rbac.RoleEditor}, "p-1", draft.ID)
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	require.NoError(t, env.svc.DiscardDraft(context.Background(), owner(), "p-1", draft.ID))
	_, err = env.svc.GetDraft(context.Background(), owner(), "p-1", draft.ID)
	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "DRAFT_NOT_FOUND", code)
}

func TestOpenDraftOnEmptyProposalIsDirty(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal())

	opened, err := env.svc.OpenDraft(context.Background(), owner(), "p-1")
	require.NoError(t, err)

	require.Len(t, opened.Blocks, 1)
	assert.True(t, opened.Blocks[0].ID.IsPending())
	assert.True(t, opened.IsDirty)
	assert.Empty(t, opened.StoredIDs)
}

func TestSnapshotAtHydratesBlocks(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal())
	sections := document.Flatten(document.Hydrate([]document.Record{
		{ID: "a", Order: 0, Content: []byte(`{"elements":[{"id":"e","type":"divider","display_order":0,"content":{}}]}`), Visible: true},
	}))
	env.git.snapshotFn = func(_ string, hash string) (gitrepo.Snapshot, gitrepo.CommitInfo, error) {
		if hash != "abc1234" {
			return gitrepo.Snapshot{}, gitrepo.CommitInfo{}, gitrepo.ErrUnknownRevision
		}
		return gitrepo.Snapshot{Title: "Old title", Version: 2, Sections: sections}, gitrepo.CommitInfo{Hash: hash}, nil
	}

	view, err := env.svc.SnapshotAt(context.Background(), owner(), "p-1", "abc1234")
	require.NoError(t, err)
	assert.Equal(t, "Old title", view.Title)
	assert.Equal(t, 2, view.Version)
	require.Len(t, view.Blocks, 1)
	assert.Nil(t, view.Total)

	_, err = env.svc.SnapshotAt(context.Background(), owner(), "p-1", "fff0000")
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestReportEventChecksType(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal())

	_, err := env.svc.ReportEvent(context.Background(), owner(), "p-1", ReportEventInput{EventType: "LIKED"}, RequestMeta{})
	requireDomainError(t, err, http.StatusBadRequest, "UNKNOWN_EVENT")

	event, err := env.svc.ReportEvent(context.Background(), owner(), "p-1",
		ReportEventInput{EventType: "email_sent", EventData: map[string]any{"to": "buyer@acme.test"}},
		RequestMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, EventEmailSent, event.EventType)
	assert.Equal(t, []string{EventEmailSent}, env.store.eventTypes())
	assert.Equal(t, "10.0.0.1", env.store.events[0].IPAddress)
}

func TestAuditFailuresDoNotSurface(t *testing.T) {
	env := newTestEnv(t)
	env.store.insertEventFn = func(context.Context, store.Event) error { return errors.New("db down") }

	_, err := env.svc.CreateProposal(context.Background(), owner(), CreateProposalInput{Title: "Pitch"})
	require.NoError(t, err)
}

func TestPublicProposalMarksFirstView(t *testing.T) {
	env := newTestEnv(t)
	p := ownedProposal()
	p.Status = store.StatusSent
	hidden := textSection("c", 2, "<p>internal notes</p>")
	hidden.Visible = false
	env.withProposal(p, textSection("a", 0, "<p>Hello</p>"), pricingSection("b", 1, 40), hidden)
	views := 0
	env.store.markViewedFn = func(context.Context, string) (bool, error) {
		views++
		return views == 1, nil
	}

	meta := RequestMeta{IP: "203.0.113.9", UserAgent: "Mozilla/5.0"}
	view, err := env.svc.PublicProposal(context.Background(), "tok-1", meta)
	require.NoError(t, err)
	_, err = env.svc.PublicProposal(context.Background(), "tok-1", meta)
	require.NoError(t, err)

	assert.Equal(t, store.StatusViewed, view.Status)
	assert.Len(t, view.Blocks, 2)
	require.Len(t, view.Totals, 1)
	assert.InDelta(t, 80, view.Totals[0].Total, 1e-9)
	assert.Equal(t, []string{EventViewed}, env.store.eventTypes())
	assert.Equal(t, "203.0.113.9", env.store.events[0].IPAddress)
	assert.Equal(t, "Mozilla/5.0", env.store.events[0].UserAgent)

	_, err = env.svc.PublicProposal(context.Background(), "nope", meta)
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestPublicHTMLRendersVisibleBlocks(t *testing.T) {
	env := newTestEnv(t)
	hidden := textSection("c", 1, "<p>internal notes</p>")
	hidden.Visible = false
	env.withProposal(ownedProposal(), textSection("a", 0, "<p>Hello client</p>"), hidden)

	html, err := env.svc.PublicHTML(context.Background(), "tok-1", RequestMeta{})
	require.NoError(t, err)

	assert.Contains(t, html, "<p>Hello client</p>")
	assert.NotContains(t, html, "internal notes")
}

func TestExportFormats(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal(), textSection("a", 0, "<p>Hello</p>"))

	result, err := env.svc.Export(context.Background(), owner(), "p-1", "html")
	require.NoError(t, err)
	assert.Equal(t, "Website-redesign.html", result.Filename)
	assert.True(t, strings.Contains(string(result.Data), "<p>Hello</p>"))

	_, err = env.svc.Export(context.Background(), owner(), "p-1", "pdf")
	requireDomainError(t, err, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE")

	_, err = env.svc.Export(context.Background(), owner(), "p-1", "odt")
	requireDomainError(t, err, http.StatusBadRequest, "UNSUPPORTED_FORMAT")
}

func TestSearchIsOwnerScoped(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Search(context.Background(), owner(), "redesign", 5)
	require.NoError(t, err)

	require.Len(t, env.search.queries, 1)
	assert.Equal(t, "u-1", env.search.queries[0].OwnerID)
	assert.Equal(t, "redesign", env.search.queries[0].Text)
	assert.Equal(t, 5, env.search.queries[0].Limit)
}

func TestConcurrentCommandsAllLand(t *testing.T) {
	env := newTestEnv(t)
	env.withProposal(ownedProposal(), textSection("a", 0, "<p>Hello</p>"))
	opened, err := env.svc.OpenDraft(context.Background(), owner(), "p-1")
	require.NoError(t, err)

	const editors = 200
	var wg sync.WaitGroup
	for i := 0; i < editors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.ApplyCommand(context.Background(), owner(), "p-1", opened.ID, Command{Op: "addBlock"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := env.drafts.Load(context.Background(), "p-1", opened.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Blocks, 1+editors)
	assert.Equal(t, editors, stored.Revision)
}

// unwritableDrafts stores drafts but fails every update.
type unwritableDrafts struct {
	*session.MemoryStore
}

func (unwritableDrafts) Update(context.Context, string, string, func(*session.Draft) error) (session.Draft, error) {
	return session.Draft{}, errors.New("redis: connection refused")
}

func TestSaveDropsDraftItCannotUpdate(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)
	env.svc.drafts = unwritableDrafts{env.drafts}

	_, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, false)
	domainErr := requireDomainError(t, err, http.StatusInternalServerError, "DRAFT_SYNC_FAILED")
	assert.Equal(t, map[string]any{"version": 4}, domainErr.Details)

	require.Len(t, env.store.saves, 1)
	assert.Equal(t, []string{EventEdited, EventBackupCreated}, env.store.eventTypes())
	_, loadErr := env.drafts.Load(context.Background(), "p-1", draft.ID)
	assert.ErrorIs(t, loadErr, session.ErrDraftNotFound)
}

func TestSaveSurvivesDraftDiscardedMidSave(t *testing.T) {
	env := newTestEnv(t)
	draft := openEditedDraft(t, env)
	env.store.saveSectionsFn = func(_ context.Context, _ string, writes store.SectionWrites) (store.SaveResult, error) {
		require.NoError(t, env.drafts.Delete(context.Background(), "p-1", draft.ID))
		return store.SaveResult{Version: 4, InsertedIDs: map[string]string{writes.Inserts[0].ID: "s-9"}}, nil
	}

	outcome, err := env.svc.SaveDraft(context.Background(), owner(), "p-1", draft.ID, false)
	require.NoError(t, err)
	assert.True(t, outcome.Saved)
	assert.Equal(t, []string{"a", "b", "s-9"}, outcome.Draft.StoredIDs)
	assert.False(t, outcome.Draft.IsDirty)
}

func TestCreateFromTemplateRemovesProposalWhenCopyFails(t *testing.T) {
	env := newTestEnv(t)
	tmpl := ownedProposal()
	tmpl.IsTemplate = true
	env.withProposal(tmpl, textSection("a", 0, "<p>Intro</p>"))
	env.store.saveSectionsFn = func(context.Context, string, store.SectionWrites) (store.SaveResult, error) {
		return store.SaveResult{}, errors.New("db down")
	}
	var deleted []string
	env.store.deleteProposalFn = func(_ context.Context, id string) (bool, error) {
		deleted = append(deleted, id)
		return true, nil
	}

	_, err := env.svc.CreateFromTemplate(context.Background(), owner(), "p-1", FromTemplateInput{})
	require.ErrorContains(t, err, "db down")

	assert.Equal(t, []string{"p-new"}, deleted)
	assert.Empty(t, env.store.events)
	assert.Empty(t, env.search.indexed)
}

func TestProposalViewCarriesShareURL(t *testing.T) {
	env := newTestEnv(t)
	p := ownedProposal()
	p.AccessToken = "tok 1"

	assert.Equal(t, "https://proposals.test/p/tok%201", env.svc.View(p).ShareURL)

	p.IsTemplate = true
	assert.Empty(t, env.svc.View(p).ShareURL)
}
