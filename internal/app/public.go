package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"flowidly/api/internal/document"
	"flowidly/api/internal/export"
	"flowidly/api/internal/rbac"
	"flowidly/api/internal/store"
)

const exportTimeout = 60 * time.Second

// PublicProposal is what a client sees through the share link.
type PublicProposal struct {
	ID            string                   `json:"id"`
	Title         string                   `json:"title"`
	ClientName    string                   `json:"clientName"`
	ClientCompany string                   `json:"clientCompany,omitempty"`
	Status        string                   `json:"status,omitempty"`
	Currency      string                   `json:"currency"`
	UpdatedAt     time.Time                `json:"updatedAt"`
	Blocks        []document.Block         `json:"blocks"`
	Totals        []document.PricingTotals `json:"totals"`
	Total         *float64                 `json:"total"`
}

func (s *Service) proposalByToken(ctx context.Context, token string) (store.Proposal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return store.Proposal{}, notFound("Proposal not found")
	}
	proposal, err := s.store.GetProposalByToken(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Proposal{}, notFound("Proposal not found")
		}
		return store.Proposal{}, err
	}
	return proposal, nil
}

// markViewed stamps the first view of a proposal and records it.
func (s *Service) markViewed(ctx context.Context, proposal store.Proposal, meta RequestMeta) error {
	first, err := s.store.MarkViewed(ctx, proposal.ID)
	if err != nil {
		return err
	}
	if first {
		s.recordEvent(proposal.ID, EventViewed, map[string]any{}, meta)
	}
	return nil
}

func (s *Service) PublicProposal(ctx context.Context, token string, meta RequestMeta) (PublicProposal, error) {
	proposal, err := s.proposalByToken(ctx, token)
	if err != nil {
		return PublicProposal{}, err
	}
	if err := s.markViewed(ctx, proposal, meta); err != nil {
		return PublicProposal{}, err
	}
	blocks, _, err := s.loadBlocks(ctx, proposal.ID)
	if err != nil {
		return PublicProposal{}, err
	}
	public := document.PublicBlocks(blocks)
	totals := []document.PricingTotals{}
	for _, b := range public {
		for _, el := range b.Content.Elements {
			if pricing, ok := el.Content.(document.PricingContent); ok {
				totals = append(totals, document.Totals(pricing))
			}
		}
	}
	status := proposal.Status
	if status == store.StatusSent {
		status = store.StatusViewed
	}
	return PublicProposal{
		ID:            proposal.ID,
		Title:         proposal.Title,
		ClientName:    proposal.ClientName,
		ClientCompany: proposal.ClientCompany,
		Status:        status,
		Currency:      proposal.Currency,
		UpdatedAt:     proposal.UpdatedAt,
		Blocks:        public,
		Totals:        totals,
		Total:         totalOf(blocks),
	}, nil
}

func (s *Service) PublicHTML(ctx context.Context, token string, meta RequestMeta) (string, error) {
	proposal, err := s.proposalByToken(ctx, token)
	if err != nil {
		return "", err
	}
	if err := s.markViewed(ctx, proposal, meta); err != nil {
		return "", err
	}
	return s.renderProposal(ctx, proposal)
}

func (s *Service) PublicPDF(ctx context.Context, token string) (*export.Result, error) {
	proposal, err := s.proposalByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.exportProposal(ctx, proposal, export.FormatPDF)
}

// Export renders a proposal for download by its owner.
func (s *Service) Export(ctx context.Context, caller Caller, proposalID, format string) (*export.Result, error) {
	if err := authorize(caller, rbac.ActionRead); err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, badRequest("UNSUPPORTED_FORMAT", "format must be html, pdf or docx")
	}
	proposal, err := s.ownedProposal(ctx, caller, proposalID)
	if err != nil {
		return nil, err
	}
	return s.exportProposal(ctx, proposal, parsed)
}

func (s *Service) exportProposal(ctx context.Context, proposal store.Proposal, format export.Format) (*export.Result, error) {
	html, err := s.renderProposal(ctx, proposal)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, exportTimeout)
	defer cancel()

	var result *export.Result
	switch format {
	case export.FormatHTML:
		return export.HTML(html, proposal.Title), nil
	case export.FormatDOCX:
		result, err = s.renderDOCX(ctx, html, proposal.Title)
	default:
		result, err = s.renderPDF(ctx, html, proposal.Title)
	}
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil)
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) renderProposal(ctx context.Context, proposal store.Proposal) (string, error) {
	blocks, _, err := s.loadBlocks(ctx, proposal.ID)
	if err != nil {
		return "", err
	}
	return export.RenderHTML(export.View{
		Title:         proposal.Title,
		ClientName:    proposal.ClientName,
		ClientCompany: proposal.ClientCompany,
		Currency:      proposal.Currency,
		UpdatedAt:     proposal.UpdatedAt,
		Blocks:        blocks,
	})
}
