package dispute

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskvine/walletd/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const complaintColumns = `
	id, escrow_id, filed_by, filer_role, reason, resolved, outcome, payout,
	resolved_by, note, created_at, resolved_at`

func (p *PostgresStore) Create(ctx context.Context, c *Complaint) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO complaints (id, escrow_id, filed_by, filer_role, reason, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
	`, c.ID, c.EscrowID, c.FiledBy, c.FilerRole, c.Reason, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create complaint: %w", err)
	}
	return nil
}

func scanComplaint(row interface{ Scan(...interface{}) error }) (*Complaint, error) {
	c := &Complaint{}
	var outcome, resolvedBy, note sql.NullString
	var payout sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&c.ID, &c.EscrowID, &c.FiledBy, &c.FilerRole, &c.Reason,
		&c.Resolved, &outcome, &payout, &resolvedBy, &note, &c.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	c.Outcome = Outcome(outcome.String)
	c.ResolvedBy = resolvedBy.String
	c.Note = note.String
	if payout.Valid {
		if c.Payout, err = money.Parse(strings.TrimSpace(payout.String)); err != nil {
			return nil, err
		}
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	return c, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Complaint, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+complaintColumns+` FROM complaints WHERE id = $1`, id)
	c, err := scanComplaint(row)
	if err == sql.ErrNoRows {
		return nil, ErrComplaintNotFound
	}
	return c, err
}

func (p *PostgresStore) GetByEscrow(ctx context.Context, escrowID string) (*Complaint, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+complaintColumns+` FROM complaints WHERE escrow_id = $1`, escrowID)
	c, err := scanComplaint(row)
	if err == sql.ErrNoRows {
		return nil, ErrComplaintNotFound
	}
	return c, err
}

func (p *PostgresStore) Resolve(ctx context.Context, id string, outcome Outcome, payout money.Amount, resolvedBy, note string) (*Complaint, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE complaints SET
			resolved    = TRUE,
			outcome     = $2,
			payout      = $3::NUMERIC(20,2),
			resolved_by = $4,
			note        = NULLIF($5, ''),
			resolved_at = NOW()
		WHERE id = $1 AND resolved = FALSE
		RETURNING `+complaintColumns, id, string(outcome), payout.String(), resolvedBy, note)
	c, err := scanComplaint(row)
	if err != sql.ErrNoRows {
		return c, err
	}

	var exists bool
	if ierr := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM complaints WHERE id = $1)`, id).Scan(&exists); ierr != nil {
		return nil, ierr
	}
	if !exists {
		return nil, ErrComplaintNotFound
	}
	return nil, ErrAlreadyResolved
}

func (p *PostgresStore) List(ctx context.Context, onlyOpen bool, limit, offset int) ([]*Complaint, int, error) {
	where := ""
	if onlyOpen {
		where = " WHERE resolved = FALSE"
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM complaints"+where).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+complaintColumns+` FROM complaints`+where+`
		ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var complaints []*Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, 0, err
		}
		complaints = append(complaints, c)
	}
	return complaints, total, rows.Err()
}
