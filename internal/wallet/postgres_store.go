package wallet

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/taskvine/walletd/internal/fees"
	"github.com/taskvine/walletd/internal/idgen"
	"github.com/taskvine/walletd/internal/money"
)

// PostgresStore implements Store with PostgreSQL. Money moves inside
// serializable transactions; the CHECK constraints on the wallets table
// (available >= 0, held >= 0) are the last line of defense against
// overdraft regardless of what the application layer got wrong.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// isCheckViolation reports whether err is a postgres CHECK constraint
// failure (code 23514), which on the wallets table means overdraft.
func isCheckViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23514" {
		return true
	}
	return false
}

// isSerializationConflict reports whether err is a transaction conflict
// (serialization failure or deadlock) that a clean re-run can resolve.
// Two concurrent money moves touching the same wallet row under
// serializable isolation abort one of the transactions with 40001.
func isSerializationConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// asStoreErr maps transient postgres failures to ErrStoreUnavailable so
// callers retry with backoff instead of treating them as internal
// errors. Domain errors and everything else pass through unchanged.
func asStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if isSerializationConflict(err) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// Class 08: connection exceptions.
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && strings.HasPrefix(string(pqErr.Code), "08") {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func scanAmount(s string) (money.Amount, error) {
	return money.Parse(strings.TrimSpace(s))
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	var available, held, deposited, withdrawn string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, available, held, currency, total_deposited, total_withdrawn, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.ID, &available, &held, &w.Currency, &deposited, &withdrawn, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	if w.Available, err = scanAmount(available); err != nil {
		return nil, fmt.Errorf("corrupt available balance for %s: %w", userID, err)
	}
	if w.Held, err = scanAmount(held); err != nil {
		return nil, fmt.Errorf("corrupt held balance for %s: %w", userID, err)
	}
	if w.TotalDeposited, err = scanAmount(deposited); err != nil {
		return nil, err
	}
	if w.TotalWithdrawn, err = scanAmount(withdrawn); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, available, held, currency, total_deposited, total_withdrawn, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5, 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, w.ID, w.UserID, w.Available.String(), w.Held.String(), w.Currency)
	if err != nil {
		return fmt.Errorf("failed to create wallet: %w", err)
	}
	return nil
}

// Hold moves gross from the payer's available balance into held. One
// clean retry on a serialization conflict; a second conflict surfaces
// as ErrStoreUnavailable.
func (p *PostgresStore) Hold(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error) {
	id, err := p.hold(ctx, payerID, gross, escrowID)
	if isSerializationConflict(err) {
		id, err = p.hold(ctx, payerID, gross, escrowID)
	}
	return id, asStoreErr(err)
}

func (p *PostgresStore) hold(ctx context.Context, payerID string, gross money.Amount, escrowID string) (string, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available - $2::NUMERIC(20,2),
			held       = held      + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, payerID, gross.String())
	if err != nil {
		if isCheckViolation(err) {
			return "", ErrInsufficientBalance
		}
		return "", fmt.Errorf("failed to place hold: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return "", ErrWalletNotFound
	}

	txn := NewEscrowHold(idgen.WithPrefix("txn"), payerID, gross, escrowID)
	if err := insertTxn(ctx, tx, txn); err != nil {
		return "", err
	}
	return txn.ID, tx.Commit()
}

// Settle closes a hold: payout to the payee, fee to the platform, any
// remainder back to the payer. Retried once on serialization conflict.
func (p *PostgresStore) Settle(ctx context.Context, payerID, payeeID string, gross, payout, fee money.Amount, escrowID string) (string, error) {
	id, err := p.settle(ctx, payerID, payeeID, gross, payout, fee, escrowID)
	if isSerializationConflict(err) {
		id, err = p.settle(ctx, payerID, payeeID, gross, payout, fee, escrowID)
	}
	return id, asStoreErr(err)
}

func (p *PostgresStore) settle(ctx context.Context, payerID, payeeID string, gross, payout, fee money.Amount, escrowID string) (string, error) {
	remainder := gross - payout - fee
	if remainder < 0 {
		return "", ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			held       = held      - $2::NUMERIC(20,2),
			available  = available + $3::NUMERIC(20,2),
			updated_at = NOW()
		WHERE user_id = $1
	`, payerID, gross.String(), remainder.String())
	if err != nil {
		if isCheckViolation(err) {
			return "", fmt.Errorf("%w: held balance below escrow amount", ErrInvalidState)
		}
		return "", fmt.Errorf("failed to debit payer held: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return "", ErrWalletNotFound
	}

	var primaryID string
	if payout > 0 {
		if err := creditInTx(ctx, tx, payeeID, payout); err != nil {
			return "", fmt.Errorf("failed to credit payee: %w", err)
		}
		txn := NewEscrowRelease(idgen.WithPrefix("txn"), payeeID, payout, escrowID)
		if err := insertTxn(ctx, tx, txn); err != nil {
			return "", err
		}
		primaryID = txn.ID
	}
	if fee > 0 {
		if err := creditInTx(ctx, tx, PlatformAccount, fee); err != nil {
			return "", fmt.Errorf("failed to credit platform fees: %w", err)
		}
		if err := insertTxn(ctx, tx, NewFee(idgen.WithPrefix("txn"), fee, escrowID)); err != nil {
			return "", err
		}
	}
	if remainder > 0 {
		txn := NewEscrowRefund(idgen.WithPrefix("txn"), payerID, remainder, escrowID)
		if err := insertTxn(ctx, tx, txn); err != nil {
			return "", err
		}
		if primaryID == "" {
			primaryID = txn.ID
		}
	}
	return primaryID, tx.Commit()
}

// creditInTx upserts a wallet and adds to its available balance. The
// recipient of a release may never have touched their wallet before.
func creditInTx(ctx context.Context, tx *sql.Tx, userID string, amount money.Amount) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, available, held, currency, total_deposited, total_withdrawn, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), 0, 'USD', 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available  = wallets.available + $3::NUMERIC(20,2),
			updated_at = NOW()
	`, idgen.WithPrefix("wal"), userID, amount.String())
	return err
}

func insertTxn(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, status, method, escrow_id, description, created_at, expires_at, completed_at, failed_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12)
	`, txn.ID, txn.UserID, txn.Type, txn.Amount.String(), txn.Status, string(txn.Method),
		txn.EscrowID, txn.Description, txn.CreatedAt, txn.ExpiresAt, txn.CompletedAt, txn.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateDeposit(ctx context.Context, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Make sure the wallet row exists so the eventual credit has a target.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, available, held, currency, total_deposited, total_withdrawn, created_at, updated_at)
		VALUES ($1, $2, 0, 0, 'USD', 0, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, idgen.WithPrefix("wal"), txn.UserID)
	if err != nil {
		return fmt.Errorf("failed to ensure wallet: %w", err)
	}
	if err := insertTxn(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ResolveDeposit(ctx context.Context, txnID string, ok bool) (*Transaction, error) {
	txn, err := p.resolveDeposit(ctx, txnID, ok)
	if isSerializationConflict(err) {
		txn, err = p.resolveDeposit(ctx, txnID, ok)
	}
	return txn, asStoreErr(err)
}

func (p *PostgresStore) resolveDeposit(ctx context.Context, txnID string, ok bool) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Claim the deposit first; the status condition makes resolution
	// exactly-once even when the provider retries the callback.
	newStatus := StatusFailed
	if ok {
		newStatus = StatusCompleted
	}
	var userID, amountStr string
	err = tx.QueryRowContext(ctx, `
		UPDATE transactions SET
			status       = $2,
			completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END,
			failed_at    = CASE WHEN $2 = 'failed'    THEN NOW() ELSE failed_at    END
		WHERE id = $1 AND type = 'deposit' AND status IN ('pending', 'processing')
		RETURNING user_id, amount
	`, txnID, newStatus).Scan(&userID, &amountStr)
	if err == sql.ErrNoRows {
		// Distinguish missing from already resolved.
		var status string
		inner := tx.QueryRowContext(ctx,
			`SELECT status FROM transactions WHERE id = $1 AND type = 'deposit'`, txnID).Scan(&status)
		if inner == sql.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		if inner != nil {
			return nil, inner
		}
		return nil, fmt.Errorf("%w: deposit is %s", ErrInvalidState, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve deposit: %w", err)
	}

	if ok {
		amount, perr := scanAmount(amountStr)
		if perr != nil {
			return nil, perr
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wallets SET
				available       = available       + $2::NUMERIC(20,2),
				total_deposited = total_deposited + $2::NUMERIC(20,2),
				updated_at      = NOW()
			WHERE user_id = $1
		`, userID, amount.String())
		if err != nil {
			return nil, fmt.Errorf("failed to credit deposit: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetTransaction(ctx, txnID)
}

func (p *PostgresStore) Withdraw(ctx context.Context, txn *Transaction) error {
	err := p.withdraw(ctx, txn)
	if isSerializationConflict(err) {
		err = p.withdraw(ctx, txn)
	}
	return asStoreErr(err)
}

func (p *PostgresStore) withdraw(ctx context.Context, txn *Transaction) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	debit := txn.Amount.Neg()
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available       = available       - $2::NUMERIC(20,2),
			total_withdrawn = total_withdrawn + $2::NUMERIC(20,2),
			updated_at      = NOW()
		WHERE user_id = $1
	`, txn.UserID, debit.String())
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to debit withdrawal: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	if err := insertTxn(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	txn := &Transaction{}
	var amount string
	var method, escrowID, description sql.NullString
	var expiresAt, completedAt, failedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, amount, status, method, escrow_id, description,
		       created_at, expires_at, completed_at, failed_at
		FROM transactions WHERE id = $1
	`, id).Scan(&txn.ID, &txn.UserID, &txn.Type, &amount, &txn.Status, &method,
		&escrowID, &description, &txn.CreatedAt, &expiresAt, &completedAt, &failedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	if txn.Amount, err = scanAmount(amount); err != nil {
		return nil, err
	}
	txn.Method = fees.Method(method.String)
	txn.EscrowID = escrowID.String
	txn.Description = description.String
	if expiresAt.Valid {
		txn.ExpiresAt = &expiresAt.Time
	}
	if completedAt.Valid {
		txn.CompletedAt = &completedAt.Time
	}
	if failedAt.Valid {
		txn.FailedAt = &failedAt.Time
	}
	return txn, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, f Filter) ([]*Transaction, int, error) {
	where, args := buildFilter(f)

	var total int
	countQuery := "SELECT COUNT(*) FROM transactions" + where
	if err := p.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, type, amount, status, method, escrow_id, description,
		       created_at, expires_at, completed_at, failed_at
		FROM transactions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		var amount string
		var method, escrowID, description sql.NullString
		var expiresAt, completedAt, failedAt sql.NullTime
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Type, &amount, &txn.Status, &method,
			&escrowID, &description, &txn.CreatedAt, &expiresAt, &completedAt, &failedAt); err != nil {
			return nil, 0, err
		}
		if txn.Amount, err = scanAmount(amount); err != nil {
			return nil, 0, err
		}
		txn.Method = fees.Method(method.String)
		txn.EscrowID = escrowID.String
		txn.Description = description.String
		if expiresAt.Valid {
			txn.ExpiresAt = &expiresAt.Time
		}
		if completedAt.Valid {
			txn.CompletedAt = &completedAt.Time
		}
		if failedAt.Valid {
			txn.FailedAt = &failedAt.Time
		}
		txns = append(txns, txn)
	}
	return txns, total, rows.Err()
}

func buildFilter(f Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		add("type = ANY($%d)", pq.Array(types))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}
	if f.Method != "" {
		add("method = $%d", string(f.Method))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.MinAmount != nil {
		add("amount >= $%d::NUMERIC(20,2)", f.MinAmount.String())
	}
	if f.MaxAmount != nil {
		add("amount <= $%d::NUMERIC(20,2)", f.MaxAmount.String())
	}
	if f.Cursor != nil {
		// Keyset position: everything strictly after the cursor in
		// (created_at DESC, id DESC) order.
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (p *PostgresStore) ExpireDeposits(ctx context.Context, before time.Time, limit int) ([]string, error) {
	// Claim rows with a conditional update so concurrent sweeps never
	// cancel the same deposit twice.
	rows, err := p.db.QueryContext(ctx, `
		UPDATE transactions SET status = 'cancelled'
		WHERE id IN (
			SELECT id FROM transactions
			WHERE type = 'deposit' AND status = 'pending' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to expire deposits: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) SumCompleted(ctx context.Context, userID string) (money.Amount, error) {
	var sum string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE user_id = $1 AND status = 'completed'
	`, userID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return scanAmount(sum)
}

func (p *PostgresStore) Stats(ctx context.Context) (*AdminStats, error) {
	stats := &AdminStats{}
	var available, held string
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(available), 0), COALESCE(SUM(held), 0)
		FROM wallets WHERE user_id <> $1
	`, PlatformAccount).Scan(&stats.TotalWallets, &available, &held)
	if err != nil {
		return nil, err
	}
	if stats.TotalAvailable, err = scanAmount(available); err != nil {
		return nil, err
	}
	if stats.TotalHeld, err = scanAmount(held); err != nil {
		return nil, err
	}

	var revenue string
	err = p.db.QueryRowContext(ctx, `
		SELECT COALESCE(available, 0) FROM wallets WHERE user_id = $1
	`, PlatformAccount).Scan(&revenue)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if err == nil {
		if stats.PlatformRevenue, err = scanAmount(revenue); err != nil {
			return nil, err
		}
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE created_at >= date_trunc('day', NOW())
	`).Scan(&stats.TransactionsToday)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
