package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/money"
)

// PostgresStore implements Store with PostgreSQL. The state machine's
// exactly-once guarantee rests on the conditional updates here: every
// transition names the status it expects, so the second of two racing
// writers matches zero rows.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `
	id, payer_id, payee_id, booking_id, gross, platform_fee, payment_fee, net,
	currency, method, status, has_complaint, complaint_by, complaint_reason,
	complaint_at, hold_until, resolution, resolved_by, resolved_at,
	hold_txn_id, close_txn_id, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, payer_id, payee_id, booking_id, gross, platform_fee, payment_fee, net,
			currency, method, status, has_complaint, hold_until, hold_txn_id,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), $5::NUMERIC(20,2), $6::NUMERIC(20,2),
			$7::NUMERIC(20,2), $8::NUMERIC(20,2), $9, NULLIF($10, ''), $11, FALSE,
			$12, NULLIF($13, ''), $14, $14
		)
	`, e.ID, e.PayerID, e.PayeeID, e.BookingID,
		e.Gross.String(), e.PlatformFee.String(), e.PaymentFee.String(), e.Net.String(),
		e.Currency, string(e.Method), string(e.Status), e.HoldUntil, e.HoldTxnID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create escrow: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(row rowScanner) (*Escrow, error) {
	e := &Escrow{}
	var gross, platformFee, paymentFee, net string
	var bookingID, method, complaintBy, complaintReason, resolution, resolvedBy, holdTxn, closeTxn sql.NullString
	var complaintAt, resolvedAt sql.NullTime
	err := row.Scan(&e.ID, &e.PayerID, &e.PayeeID, &bookingID,
		&gross, &platformFee, &paymentFee, &net,
		&e.Currency, &method, &e.Status, &e.HasComplaint, &complaintBy, &complaintReason,
		&complaintAt, &e.HoldUntil, &resolution, &resolvedBy, &resolvedAt,
		&holdTxn, &closeTxn, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if e.Gross, err = money.Parse(strings.TrimSpace(gross)); err != nil {
		return nil, fmt.Errorf("corrupt gross amount on escrow %s: %w", e.ID, err)
	}
	if e.PlatformFee, err = money.Parse(strings.TrimSpace(platformFee)); err != nil {
		return nil, err
	}
	if e.PaymentFee, err = money.Parse(strings.TrimSpace(paymentFee)); err != nil {
		return nil, err
	}
	if e.Net, err = money.Parse(strings.TrimSpace(net)); err != nil {
		return nil, err
	}
	e.BookingID = bookingID.String
	e.Method = fees.Method(method.String)
	e.ComplaintBy = complaintBy.String
	e.ComplaintReason = complaintReason.String
	e.Resolution = resolution.String
	e.ResolvedBy = resolvedBy.String
	e.HoldTxnID = holdTxn.String
	e.CloseTxnID = closeTxn.String
	if complaintAt.Valid {
		e.ComplaintAt = &complaintAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func (p *PostgresStore) Claim(ctx context.Context, id string, from Status, requireNoComplaint bool) (*Escrow, error) {
	query := `
		UPDATE escrows SET status = 'releasing', updated_at = NOW()
		WHERE id = $1 AND status = $2`
	if requireNoComplaint {
		query += ` AND has_complaint = FALSE`
	}
	query += ` RETURNING ` + escrowColumns

	row := p.db.QueryRowContext(ctx, query, id, string(from))
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		// Distinguish a missing row from a lost race.
		var exists bool
		if ierr := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, id).Scan(&exists); ierr != nil {
			return nil, ierr
		}
		if !exists {
			return nil, ErrEscrowNotFound
		}
		return nil, ErrInvalidState
	}
	return e, err
}

func (p *PostgresStore) Revert(ctx context.Context, id string, to Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'releasing'
	`, id, string(to))
	if err != nil {
		return fmt.Errorf("failed to revert escrow claim: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status           = $2,
			resolution       = NULLIF($3, ''),
			resolved_by      = NULLIF($4, ''),
			resolved_at      = $5,
			close_txn_id     = NULLIF($6, ''),
			updated_at       = NOW()
		WHERE id = $1
	`, e.ID, string(e.Status), e.Resolution, e.ResolvedBy, e.ResolvedAt, e.CloseTxnID)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, id, filerID, reason string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE escrows SET
			status           = 'disputed',
			has_complaint    = TRUE,
			complaint_by     = $2,
			complaint_reason = $3,
			complaint_at     = NOW(),
			updated_at       = NOW()
		WHERE id = $1 AND status = 'held' AND hold_until > NOW()
		RETURNING `+escrowColumns, id, filerID, reason)
	e, err := scanEscrow(row)
	if err != sql.ErrNoRows {
		return e, err
	}

	// The condition failed; find out why for a precise error.
	var status string
	var holdUntil time.Time
	inner := p.db.QueryRowContext(ctx,
		`SELECT status, hold_until FROM escrows WHERE id = $1`, id).Scan(&status, &holdUntil)
	if inner == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	if inner != nil {
		return nil, inner
	}
	if Status(status) == StatusDisputed {
		return nil, ErrAlreadyDisputed
	}
	if Status(status) == StatusHeld {
		return nil, fmt.Errorf("%w: complaint window closed", ErrInvalidState)
	}
	return nil, ErrInvalidState
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Escrow, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("(payer_id = $%[1]d OR payee_id = $%[1]d)", f.UserID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.MinAmount != nil {
		add("gross >= $%d::NUMERIC(20,2)", f.MinAmount.String())
	}
	if f.MaxAmount != nil {
		add("gross <= $%d::NUMERIC(20,2)", f.MaxAmount.String())
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM escrows"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + escrowColumns + ` FROM escrows` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var escrows []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, 0, err
		}
		escrows = append(escrows, e)
	}
	return escrows, total, rows.Err()
}

func (p *PostgresStore) ListReadyForRelease(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'held' AND has_complaint = FALSE AND hold_until <= $1
		ORDER BY hold_until
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ready []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		ready = append(ready, e)
	}
	return ready, rows.Err()
}

func (p *PostgresStore) SumOpen(ctx context.Context, payerID string) (money.Amount, int, error) {
	var sum string
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(gross), 0), COUNT(*)
		FROM escrows
		WHERE payer_id = $1 AND status IN ('held', 'disputed', 'releasing')
	`, payerID).Scan(&sum, &count)
	if err != nil {
		return 0, 0, err
	}
	amount, err := money.Parse(strings.TrimSpace(sum))
	if err != nil {
		return 0, 0, err
	}
	return amount, count, nil
}
