package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"flowidly/api/internal/assets"
	"flowidly/api/internal/auth"
	"flowidly/api/internal/config"
	"flowidly/api/internal/document"
	"flowidly/api/internal/export"
	"flowidly/api/internal/gitrepo"
	"flowidly/api/internal/metrics"
	"flowidly/api/internal/rbac"
	"flowidly/api/internal/search"
	"flowidly/api/internal/session"
	"flowidly/api/internal/store"
)

// Caller is the authenticated user behind a request.
type Caller struct {
	UserID string
	Email  string
	Role   rbac.Role
}

func (c Caller) isAdmin() bool {
	return c.Role == rbac.RoleAdmin
}

type dataStore interface {
	ListProposals(context.Context, string, bool) ([]store.Proposal, error)
	ListTemplates(context.Context, string) ([]store.Proposal, error)
	GetProposal(context.Context, string) (store.Proposal, error)
	GetProposalByToken(context.Context, string) (store.Proposal, error)
	InsertProposal(context.Context, store.Proposal) (store.Proposal, error)
	UpdateProposal(context.Context, store.Proposal) error
	DeleteProposal(context.Context, string) (bool, error)
	MarkViewed(context.Context, string) (bool, error)
	ListSections(context.Context, string) ([]store.Section, error)
	SaveSections(context.Context, string, store.SectionWrites) (store.SaveResult, error)
	InsertEvent(context.Context, store.Event) error
	ListEvents(context.Context, string, int) ([]store.Event, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	Commit(string, gitrepo.Snapshot, string, string) (gitrepo.CommitInfo, error)
	History(string, int) ([]gitrepo.CommitInfo, error)
	Snapshot(string, string) (gitrepo.Snapshot, gitrepo.CommitInfo, error)
}

type searchIndex interface {
	Search(search.Query) search.Response
	IndexProposal(search.ProposalRecord)
	DeleteProposal(string)
}

type assetStorage interface {
	Upload(ctx context.Context, proposalID, filename, contentType string, r io.Reader, size int64) (assets.Asset, error)
}

type renderFunc func(ctx context.Context, html, title string) (*export.Result, error)

type Service struct {
	cfg        config.Config
	store      dataStore
	drafts     session.Store
	git        gitService
	search     searchIndex
	assets     assetStorage
	metrics    *metrics.Metrics
	renderPDF  renderFunc
	renderDOCX renderFunc
	background func(func())
	now        func() time.Time
	draftLocks draftLocks
}

// Deps groups the collaborators New wires into a Service.
type Deps struct {
	Store   *store.PostgresStore
	Drafts  session.Store
	Git     *gitrepo.Service
	Search  *search.Service
	Assets  *assets.Storage
	Metrics *metrics.Metrics
}

func New(cfg config.Config, deps Deps) *Service {
	svc := &Service{
		cfg:        cfg,
		store:      deps.Store,
		drafts:     deps.Drafts,
		metrics:    deps.Metrics,
		renderPDF:  export.PDF,
		renderDOCX: export.DOCX,
		background: func(fn func()) { go fn() },
		now:        time.Now,
	}
	// optional backends stay nil interfaces when absent
	if deps.Git != nil {
		svc.git = deps.Git
	}
	if deps.Search != nil {
		svc.search = deps.Search
	}
	if deps.Assets != nil {
		svc.assets = deps.Assets
	}
	return svc
}

// Ping checks the database and the draft store.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.drafts != nil {
		checks["drafts"] = s.drafts.Ping(ctx)
	}
	return checks
}

func (s *Service) CallerFromToken(token string) (Caller, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.AuthSecret), token)
	if err != nil {
		return Caller{}, err
	}
	return Caller{UserID: claims.Sub, Email: claims.Email, Role: rbac.Normalize(claims.Role)}, nil
}

func authorize(caller Caller, action rbac.Action) error {
	if !rbac.Can(caller.Role, action) {
		return errForbidden
	}
	return nil
}

// ownedProposal loads a proposal the caller may act on. Proposals of other
// owners look missing.
func (s *Service) ownedProposal(ctx context.Context, caller Caller, proposalID string) (store.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Proposal{}, notFound("Proposal not found")
		}
		return store.Proposal{}, err
	}
	if !caller.isAdmin() && proposal.OwnerID != caller.UserID {
		return store.Proposal{}, notFound("Proposal not found")
	}
	return proposal, nil
}

func (s *Service) ownerScope(caller Caller) string {
	if caller.isAdmin() {
		return ""
	}
	return caller.UserID
}

type CreateProposalInput struct {
	Title         string `json:"title"`
	ClientName    string `json:"clientName"`
	ClientEmail   string `json:"clientEmail"`
	ClientCompany string `json:"clientCompany"`
	Currency      string `json:"currency"`
	IsTemplate    bool   `json:"isTemplate"`
}

type UpdateProposalInput struct {
	Title         *string `json:"title"`
	ClientName    *string `json:"clientName"`
	ClientEmail   *string `json:"clientEmail"`
	ClientCompany *string `json:"clientCompany"`
	Currency      *string `json:"currency"`
	Status        *string `json:"status"`
}

var allowedStatuses = map[string]struct{}{
	store.StatusDraft:     {},
	store.StatusSent:      {},
	store.StatusViewed:    {},
	store.StatusSigned:    {},
	store.StatusPaid:      {},
	store.StatusExpired:   {},
	store.StatusCancelled: {},
}

// ProposalView is a proposal as its owner sees it, with the link clients
// open it by.
type ProposalView struct {
	store.Proposal
	ShareURL string `json:"shareUrl,omitempty"`
}

func (s *Service) View(p store.Proposal) ProposalView {
	return ProposalView{Proposal: p, ShareURL: s.shareURL(p)}
}

func (s *Service) Views(items []store.Proposal) []ProposalView {
	views := make([]ProposalView, len(items))
	for i, p := range items {
		views[i] = s.View(p)
	}
	return views
}

// shareURL is the public viewer link. Templates are never shared.
func (s *Service) shareURL(p store.Proposal) string {
	if p.IsTemplate || p.AccessToken == "" {
		return ""
	}
	return s.cfg.PublicBaseURL + "/p/" + url.PathEscape(p.AccessToken)
}

func (s *Service) ListProposals(ctx context.Context, caller Caller, includeTemplates bool) ([]store.Proposal, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListProposals(ctx, s.ownerScope(caller), includeTemplates)
}

func (s *Service) GetProposal(ctx context.Context, caller Caller, proposalID string) (store.Proposal, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return store.Proposal{}, err
	}
	return s.ownedProposal(ctx, caller, proposalID)
}

func (s *Service) CreateProposal(ctx context.Context, caller Caller, input CreateProposalInput) (store.Proposal, error) {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return store.Proposal{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Proposal{}, badRequest("VALIDATION_ERROR", "title is required")
	}
	status := store.StatusDraft
	if input.IsTemplate {
		status = ""
	}
	created, err := s.store.InsertProposal(ctx, store.Proposal{
		OwnerID:       caller.UserID,
		Title:         title,
		ClientName:    strings.TrimSpace(input.ClientName),
		ClientEmail:   strings.TrimSpace(input.ClientEmail),
		ClientCompany: strings.TrimSpace(input.ClientCompany),
		Status:        status,
		IsTemplate:    input.IsTemplate,
		Currency:      strings.ToUpper(strings.TrimSpace(input.Currency)),
	})
	if err != nil {
		return store.Proposal{}, err
	}
	s.recordEvent(created.ID, EventCreated, map[string]any{"owner_id": caller.UserID}, RequestMeta{})
	s.reindex(created, "")
	return created, nil
}

func (s *Service) UpdateProposal(ctx context.Context, caller Caller, proposalID string, input UpdateProposalInput) (store.Proposal, error) {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return store.Proposal{}, err
	}
	proposal, err := s.ownedProposal(ctx, caller, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	previous := proposal.Status

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return store.Proposal{}, badRequest("VALIDATION_ERROR", "title is required")
		}
		proposal.Title = title
	}
	if input.ClientName != nil {
		proposal.ClientName = strings.TrimSpace(*input.ClientName)
	}
	if input.ClientEmail != nil {
		proposal.ClientEmail = strings.TrimSpace(*input.ClientEmail)
	}
	if input.ClientCompany != nil {
		proposal.ClientCompany = strings.TrimSpace(*input.ClientCompany)
	}
	if input.Currency != nil && strings.TrimSpace(*input.Currency) != "" {
		proposal.Currency = strings.ToUpper(strings.TrimSpace(*input.Currency))
	}
	if input.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*input.Status))
		if proposal.IsTemplate && status != "" {
			return store.Proposal{}, badRequest("VALIDATION_ERROR", "templates have no status")
		}
		if _, ok := allowedStatuses[status]; !ok && !proposal.IsTemplate {
			return store.Proposal{}, badRequest("VALIDATION_ERROR", "unknown status")
		}
		proposal.Status = status
	}

	if err := s.store.UpdateProposal(ctx, proposal); err != nil {
		return store.Proposal{}, err
	}
	updated, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	if previous != store.StatusSent && updated.Status == store.StatusSent {
		s.recordEvent(updated.ID, EventPublished, map[string]any{"client_email": updated.ClientEmail}, RequestMeta{})
	}
	if blocks, _, err := s.loadBlocks(ctx, proposalID); err == nil {
		s.reindex(updated, export.PlainText(blocks))
	} else {
		log.Warn().Err(err).Str("proposal", proposalID).Msg("load blocks for indexing failed")
	}
	return updated, nil
}

func (s *Service) DeleteProposal(ctx context.Context, caller Caller, proposalID string) error {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return err
	}
	if _, err := s.ownedProposal(ctx, caller, proposalID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if !deleted {
		return notFound("Proposal not found")
	}
	if s.search != nil {
		s.search.DeleteProposal(proposalID)
	}
	return nil
}

// BlocksView is a proposal's stored blocks with the priced total.
type BlocksView struct {
	Blocks []document.Block `json:"blocks"`
	Total  *float64         `json:"total"`
}

func (s *Service) ProposalBlocks(ctx context.Context, caller Caller, proposalID string) (BlocksView, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return BlocksView{}, err
	}
	if _, err := s.ownedProposal(ctx, caller, proposalID); err != nil {
		return BlocksView{}, err
	}
	blocks, _, err := s.loadBlocks(ctx, proposalID)
	if err != nil {
		return BlocksView{}, err
	}
	return BlocksView{Blocks: blocks, Total: totalOf(blocks)}, nil
}

func (s *Service) ListTemplates(ctx context.Context, caller Caller) ([]store.Proposal, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListTemplates(ctx, s.ownerScope(caller))
}

type FromTemplateInput struct {
	Title         string `json:"title"`
	ClientName    string `json:"clientName"`
	ClientEmail   string `json:"clientEmail"`
	ClientCompany string `json:"clientCompany"`
}

// CreateFromTemplate starts a proposal whose blocks are independent copies of
// the template's.
func (s *Service) CreateFromTemplate(ctx context.Context, caller Caller, templateID string, input FromTemplateInput) (store.Proposal, error) {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return store.Proposal{}, err
	}
	tmpl, err := s.ownedProposal(ctx, caller, templateID)
	if err != nil {
		return store.Proposal{}, err
	}
	if !tmpl.IsTemplate {
		return store.Proposal{}, notFound("Template not found")
	}
	templateBlocks, _, err := s.loadBlocks(ctx, templateID)
	if err != nil {
		return store.Proposal{}, err
	}
	blocks := make([]document.Block, len(templateBlocks))
	for i, b := range templateBlocks {
		blocks[i] = document.Copy(b)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = tmpl.Title
	}
	created, err := s.store.InsertProposal(ctx, store.Proposal{
		OwnerID:       caller.UserID,
		Title:         title,
		ClientName:    strings.TrimSpace(input.ClientName),
		ClientEmail:   strings.TrimSpace(input.ClientEmail),
		ClientCompany: strings.TrimSpace(input.ClientCompany),
		Status:        store.StatusDraft,
		TemplateID:    tmpl.ID,
		Currency:      tmpl.Currency,
	})
	if err != nil {
		return store.Proposal{}, err
	}

	plan := document.PlanSave(blocks, nil)
	text := export.PlainText(blocks)
	result, err := s.store.SaveSections(ctx, created.ID, store.SectionWrites{
		Inserts:     toSections(plan.Inserts),
		TotalAmount: totalOf(blocks),
		SearchText:  text,
	})
	if err != nil {
		s.dropProposal(ctx, created.ID)
		return store.Proposal{}, fmt.Errorf("copy template blocks: %w", err)
	}
	created.Version = result.Version
	created.TotalAmount = totalOf(blocks)

	s.recordEvent(created.ID, EventCreated, map[string]any{"owner_id": caller.UserID, "template_id": tmpl.ID}, RequestMeta{})
	s.reindex(created, text)
	return created, nil
}

// dropProposal removes a proposal whose creation did not complete.
func (s *Service) dropProposal(ctx context.Context, proposalID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eventTimeout)
	defer cancel()
	if _, err := s.store.DeleteProposal(cleanupCtx, proposalID); err != nil {
		log.Error().Err(err).Str("proposal", proposalID).Msg("remove incomplete proposal failed")
	}
}

func (s *Service) Search(ctx context.Context, caller Caller, text string, limit int) (search.Response, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{Text: text, OwnerID: s.ownerScope(caller), IncludeTemplates: true, Limit: limit}), nil
}

func (s *Service) UploadAsset(ctx context.Context, caller Caller, proposalID, filename, contentType string, r io.Reader, size int64) (assets.Asset, error) {
	if err := authorize(caller, rbac.ActionWrite); err != nil {
		return assets.Asset{}, err
	}
	if _, err := s.ownedProposal(ctx, caller, proposalID); err != nil {
		return assets.Asset{}, err
	}
	if s.assets == nil {
		return assets.Asset{}, assets.ErrDisabled
	}
	asset, err := s.assets.Upload(ctx, proposalID, filename, contentType, r, size)
	if err != nil {
		switch {
		case errors.Is(err, assets.ErrUnsupportedType):
			return assets.Asset{}, badRequest("UNSUPPORTED_MEDIA", err.Error())
		case errors.Is(err, assets.ErrTooLarge):
			return assets.Asset{}, domainError(http.StatusRequestEntityTooLarge, "TOO_LARGE", err.Error(), nil)
		}
		return assets.Asset{}, err
	}
	return asset, nil
}

// loadBlocks hydrates the stored sections of a proposal and returns their ids.
func (s *Service) loadBlocks(ctx context.Context, proposalID string) ([]document.Block, []string, error) {
	sections, err := s.store.ListSections(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	records := make([]document.Record, len(sections))
	ids := make([]string, len(sections))
	for i, section := range sections {
		records[i] = document.Record{
			ID:          section.ID,
			Order:       section.DisplayOrder,
			SectionType: section.SectionType,
			Title:       section.Title,
			Content:     section.Content,
			Visible:     section.Visible,
		}
		ids[i] = section.ID
	}
	return document.Hydrate(records), ids, nil
}

func toSections(records []document.Record) []store.Section {
	out := make([]store.Section, len(records))
	for i, rec := range records {
		out[i] = store.Section{
			ID:           rec.ID,
			SectionType:  rec.SectionType,
			Title:        rec.Title,
			Content:      rec.Content,
			DisplayOrder: rec.Order,
			Visible:      rec.Visible,
		}
	}
	return out
}

func totalOf(blocks []document.Block) *float64 {
	total, ok := document.Total(blocks)
	if !ok {
		return nil
	}
	return &total
}

// reindex pushes the proposal and its block text to search.
func (s *Service) reindex(p store.Proposal, text string) {
	if s.search == nil {
		return
	}
	s.search.IndexProposal(search.ProposalRecord{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		Title:         p.Title,
		ClientName:    p.ClientName,
		ClientCompany: p.ClientCompany,
		Status:        p.Status,
		IsTemplate:    p.IsTemplate,
		Text:          text,
	})
	log.Debug().Str("proposal", p.ID).Msg("proposal queued for indexing")
}
