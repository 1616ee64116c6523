package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const proposalColumns = `
	id::text, owner_id, title, client_name, client_email, client_company, status,
	is_template, template_id::text, currency, total_amount::float8, access_token, version,
	sent_at, viewed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (Proposal, error) {
	var (
		item       Proposal
		company    sql.NullString
		status     sql.NullString
		templateID sql.NullString
		total      sql.NullFloat64
		sentAt     sql.NullTime
		viewedAt   sql.NullTime
	)
	err := row.Scan(
		&item.ID, &item.OwnerID, &item.Title, &item.ClientName, &item.ClientEmail, &company, &status,
		&item.IsTemplate, &templateID, &item.Currency, &total, &item.AccessToken, &item.Version,
		&sentAt, &viewedAt, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Proposal{}, err
	}
	item.ClientCompany = company.String
	item.Status = status.String
	item.TemplateID = templateID.String
	if total.Valid {
		item.TotalAmount = &total.Float64
	}
	if sentAt.Valid {
		item.SentAt = &sentAt.Time
	}
	if viewedAt.Valid {
		item.ViewedAt = &viewedAt.Time
	}
	return item, nil
}

// ListProposals lists an owner's proposals, newest first. An empty ownerID
// lists every owner's.
func (s *PostgresStore) ListProposals(ctx context.Context, ownerID string, includeTemplates bool) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE ($1 = '' OR owner_id = $1)
		  AND ($2 OR NOT is_template)
		ORDER BY created_at DESC
	`, ownerID, includeTemplates)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

// ListTemplates lists the templates visible to ownerID.
func (s *PostgresStore) ListTemplates(ctx context.Context, ownerID string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE is_template AND ($1 = '' OR owner_id = $1)
		ORDER BY title ASC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id::text=$1`, proposalID)
	return scanProposal(row)
}

// GetProposalByToken resolves a share token. Templates are never shared.
func (s *PostgresStore) GetProposalByToken(ctx context.Context, token string) (Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE access_token=$1 AND NOT is_template
	`, token)
	return scanProposal(row)
}

// InsertProposal stores a new proposal and returns it with the generated id,
// token, version and timestamps filled in.
func (s *PostgresStore) InsertProposal(ctx context.Context, item Proposal) (Proposal, error) {
	currency := item.Currency
	if currency == "" {
		currency = "USD"
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO proposals(owner_id, title, client_name, client_email, client_company, status, is_template, template_id, currency)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8::uuid, $9)
		RETURNING `+proposalColumns,
		item.OwnerID, item.Title, item.ClientName, item.ClientEmail, nilIfEmpty(item.ClientCompany),
		nilIfEmpty(item.Status), item.IsTemplate, nilIfEmpty(item.TemplateID), currency,
	)
	created, err := scanProposal(row)
	if err != nil {
		return Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	return created, nil
}

// UpdateProposal writes the editable proposal fields. sent_at is stamped the
// first time the status becomes sent.
func (s *PostgresStore) UpdateProposal(ctx context.Context, item Proposal) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET title=$2, client_name=$3, client_email=$4, client_company=$5, status=$6, currency=$7,
			sent_at = CASE WHEN $6 = 'sent' AND sent_at IS NULL THEN NOW() ELSE sent_at END,
			updated_at=NOW()
		WHERE id::text=$1
	`, item.ID, item.Title, item.ClientName, item.ClientEmail, nilIfEmpty(item.ClientCompany), nilIfEmpty(item.Status), item.Currency)
	if err != nil {
		return fmt.Errorf("update proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update proposal rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteProposal removes the proposal; its sections and events go with it.
func (s *PostgresStore) DeleteProposal(ctx context.Context, proposalID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM proposals WHERE id::text=$1`, proposalID)
	if err != nil {
		return false, fmt.Errorf("delete proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete proposal rows: %w", err)
	}
	return affected > 0, nil
}

// MarkViewed records the first public view. It reports false when the
// proposal had already been viewed.
func (s *PostgresStore) MarkViewed(ctx context.Context, proposalID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET viewed_at=NOW(),
			status = CASE WHEN status = 'sent' THEN 'viewed' ELSE status END
		WHERE id::text=$1 AND viewed_at IS NULL
	`, proposalID)
	if err != nil {
		return false, fmt.Errorf("mark proposal viewed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark proposal viewed rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListSections(ctx context.Context, proposalID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, proposal_id::text, section_type, title, content, display_order, is_visible, created_at, updated_at
		FROM proposal_sections
		WHERE proposal_id::text=$1
		ORDER BY display_order ASC, created_at ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		var (
			item    Section
			content []byte
		)
		if err := rows.Scan(&item.ID, &item.ProposalID, &item.SectionType, &item.Title, &content, &item.DisplayOrder, &item.Visible, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		item.Content = json.RawMessage(content)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

// SaveSections applies one save of a proposal's blocks in a single
// transaction and bumps the proposal version. With ExpectedVersion set, a
// proposal saved by someone else in the meantime fails with
// ErrVersionConflict and nothing is written.
func (s *PostgresStore) SaveSections(ctx context.Context, proposalID string, writes SectionWrites) (SaveResult, error) {
	result := SaveResult{InsertedIDs: make(map[string]string, len(writes.Inserts))}
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var current int
		if err := tx.QueryRowContext(ctx, `SELECT version FROM proposals WHERE id::text=$1 FOR UPDATE`, proposalID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return err
			}
			return fmt.Errorf("lock proposal: %w", err)
		}
		if writes.ExpectedVersion > 0 && writes.ExpectedVersion != current {
			return ErrVersionConflict
		}

		for _, id := range writes.Deletes {
			if _, err := tx.ExecContext(ctx, `DELETE FROM proposal_sections WHERE id::text=$1 AND proposal_id::text=$2`, id, proposalID); err != nil {
				return fmt.Errorf("delete section %s: %w", id, err)
			}
		}
		for _, item := range writes.Updates {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO proposal_sections(id, proposal_id, section_type, title, content, display_order, is_visible)
				VALUES($1::uuid, $2::uuid, $3, $4, $5::jsonb, $6, $7)
				ON CONFLICT (id) DO UPDATE
				SET section_type=EXCLUDED.section_type, title=EXCLUDED.title, content=EXCLUDED.content,
					display_order=EXCLUDED.display_order, is_visible=EXCLUDED.is_visible, updated_at=NOW()
				WHERE proposal_sections.proposal_id = EXCLUDED.proposal_id
			`, item.ID, proposalID, sectionType(item.SectionType), item.Title, string(contentOrEmpty(item.Content)), item.DisplayOrder, item.Visible)
			if err != nil {
				return fmt.Errorf("update section %s: %w", item.ID, err)
			}
		}
		for _, item := range writes.Inserts {
			var id string
			err := tx.QueryRowContext(ctx, `
				INSERT INTO proposal_sections(proposal_id, section_type, title, content, display_order, is_visible)
				VALUES($1::uuid, $2, $3, $4::jsonb, $5, $6)
				RETURNING id::text
			`, proposalID, sectionType(item.SectionType), item.Title, string(contentOrEmpty(item.Content)), item.DisplayOrder, item.Visible).Scan(&id)
			if err != nil {
				return fmt.Errorf("insert section: %w", err)
			}
			result.InsertedIDs[item.ID] = id
		}

		err := tx.QueryRowContext(ctx, `
			UPDATE proposals
			SET version=version+1, total_amount=$2, search_text=$3, updated_at=NOW()
			WHERE id::text=$1
			RETURNING version
		`, proposalID, writes.TotalAmount, writes.SearchText).Scan(&result.Version)
		if err != nil {
			return fmt.Errorf("bump proposal version: %w", err)
		}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}
	return result, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event Event) error {
	data := event.EventData
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposal_events(proposal_id, event_type, event_data, ip_address, user_agent)
		VALUES($1::uuid, $2, $3::jsonb, $4, $5)
	`, event.ProposalID, event.EventType, string(payload), nilIfEmpty(event.IPAddress), nilIfEmpty(event.UserAgent))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, proposalID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id::text, event_type, event_data, coalesce(ip_address, ''), coalesce(user_agent, ''), created_at
		FROM proposal_events
		WHERE proposal_id::text=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, proposalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	items := make([]Event, 0)
	for rows.Next() {
		var (
			item Event
			data []byte
		)
		if err := rows.Scan(&item.ID, &item.ProposalID, &item.EventType, &data, &item.IPAddress, &item.UserAgent, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		item.EventData = map[string]any{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &item.EventData); err != nil {
				return nil, fmt.Errorf("decode event data: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return items, nil
}

func nilIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func sectionType(value string) string {
	if strings.TrimSpace(value) == "" {
		return "text"
	}
	return value
}

func contentOrEmpty(content json.RawMessage) json.RawMessage {
	if len(content) == 0 {
		return json.RawMessage(`{}`)
	}
	return content
}
