package fire

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/taskvine/walletd/internal/idgen"
)

// PostgresStore persists fire state in PostgreSQL. Point movements run in
// serializable transactions so the balance row and its ledger entry commit
// together; CHECK (fire >= 0) backstops overspends that race past the
// in-transaction guard.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, fire, total_earned, total_spent, total_purchased, created_at, updated_at
		FROM fire_balances WHERE user_id = $1`, userID).
		Scan(&bal.UserID, &bal.Fire, &bal.TotalEarned, &bal.TotalSpent,
			&bal.TotalPurchased, &bal.CreatedAt, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fire balance: %w", err)
	}
	return bal, nil
}

// adjustBalance applies a signed delta plus lifetime-total bumps, creating
// the balance row on first touch, and returns the balance before the delta.
func adjustBalance(ctx context.Context, tx *sql.Tx, userID string, delta, earned, spent, purchased int64) (int64, error) {
	var before, after int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO fire_balances (user_id, fire, total_earned, total_spent, total_purchased, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			fire = fire_balances.fire + $2,
			total_earned = fire_balances.total_earned + $3,
			total_spent = fire_balances.total_spent + $4,
			total_purchased = fire_balances.total_purchased + $5,
			updated_at = NOW()
		RETURNING fire`, userID, delta, earned, spent, purchased).Scan(&after)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23514" {
			return 0, ErrInsufficientFire
		}
		return 0, fmt.Errorf("failed to adjust fire balance: %w", err)
	}
	before = after - delta
	return before, nil
}

func insertFireTxn(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO fire_transactions (id, user_id, type, amount, balance_before, balance_after, boost_id, wallet_txn_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		txn.ID, txn.UserID, string(txn.Type), txn.Amount, txn.Before, txn.After,
		txn.BoostID, txn.WalletTxnID, txn.Description, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert fire transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Credit(ctx context.Context, userID string, amount int64, t TxType, walletTxnID, description string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	earned, purchased := amount, int64(0)
	if t == TxPurchase {
		earned, purchased = 0, amount
	}
	before, err := adjustBalance(ctx, tx, userID, amount, earned, 0, purchased)
	if err != nil {
		return nil, err
	}
	txn := &Transaction{
		ID:          idgen.WithPrefix("ftxn"),
		UserID:      userID,
		Type:        t,
		Amount:      amount,
		Before:      before,
		After:       before + amount,
		WalletTxnID: walletTxnID,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertFireTxn(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fire credit: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) ClaimDaily(ctx context.Context, userID, day string, reward int64) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The unique (user_id, day) constraint is the claim; a duplicate key
	// means someone else got here first today. Under serializable
	// isolation postgres may surface the same conflict as a
	// serialization failure, which on this statement can only mean a
	// concurrent claim committed.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fire_daily_claims (user_id, day, created_at) VALUES ($1, $2, NOW())`,
		userID, day)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && (pqErr.Code == "23505" || pqErr.Code == "40001") {
			return nil, ErrAlreadyClaimedToday
		}
		return nil, fmt.Errorf("failed to record daily claim: %w", err)
	}

	before, err := adjustBalance(ctx, tx, userID, reward, reward, 0, 0)
	if err != nil {
		return nil, err
	}
	txn := &Transaction{
		ID:          idgen.WithPrefix("ftxn"),
		UserID:      userID,
		Type:        TxDailyLogin,
		Amount:      reward,
		Before:      before,
		After:       before + reward,
		Description: "daily login reward",
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertFireTxn(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit daily claim: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) HasClaimed(ctx context.Context, userID, day string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM fire_daily_claims WHERE user_id = $1 AND day = $2)`,
		userID, day).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check daily claim: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) SpendOnBoost(ctx context.Context, userID string, cost int64, boost *Boost) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	before, err := adjustBalance(ctx, tx, userID, -cost, 0, cost, 0)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO fire_boosts (id, user_id, type, cost, expired, activated_at, expires_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6)`,
		boost.ID, boost.UserID, string(boost.Type), boost.Cost, boost.ActivatedAt, boost.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert boost: %w", err)
	}
	txn := &Transaction{
		ID:          idgen.WithPrefix("ftxn"),
		UserID:      userID,
		Type:        TxBoost,
		Amount:      -cost,
		Before:      before,
		After:       before - cost,
		BoostID:     boost.ID,
		Description: fmt.Sprintf("activated %s boost", boost.Type),
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertFireTxn(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit boost activation: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) ExtendBoost(ctx context.Context, boostID string, cost int64, newExpiry time.Time) (*Transaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var userID string
	var boostType string
	err = tx.QueryRowContext(ctx, `
		UPDATE fire_boosts SET expires_at = $2 WHERE id = $1 AND expired = FALSE
		RETURNING user_id, type`, boostID, newExpiry).Scan(&userID, &boostType)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("boost %s not found or expired", boostID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to extend boost: %w", err)
	}

	before, err := adjustBalance(ctx, tx, userID, -cost, 0, cost, 0)
	if err != nil {
		return nil, err
	}
	txn := &Transaction{
		ID:          idgen.WithPrefix("ftxn"),
		UserID:      userID,
		Type:        TxBoost,
		Amount:      -cost,
		Before:      before,
		After:       before - cost,
		BoostID:     boostID,
		Description: fmt.Sprintf("extended %s boost", boostType),
		CreatedAt:   time.Now().UTC(),
	}
	if err := insertFireTxn(ctx, tx, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit boost extension: %w", err)
	}
	return txn, nil
}

func scanBoost(row interface{ Scan(...any) error }) (*Boost, error) {
	b := &Boost{}
	var t string
	if err := row.Scan(&b.ID, &b.UserID, &t, &b.Cost, &b.Expired, &b.ActivatedAt, &b.ExpiresAt); err != nil {
		return nil, err
	}
	b.Type = BoostType(t)
	return b, nil
}

func (s *PostgresStore) ActiveBoost(ctx context.Context, userID string, t BoostType, now time.Time) (*Boost, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, cost, expired, activated_at, expires_at
		FROM fire_boosts
		WHERE user_id = $1 AND type = $2 AND expired = FALSE AND expires_at > $3
		ORDER BY expires_at DESC LIMIT 1`, userID, string(t), now)
	b, err := scanBoost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active boost: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ActiveBoosts(ctx context.Context, userID string, now time.Time) ([]*Boost, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, cost, expired, activated_at, expires_at
		FROM fire_boosts
		WHERE user_id = $1 AND expired = FALSE AND expires_at > $2
		ORDER BY expires_at ASC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list active boosts: %w", err)
	}
	defer rows.Close()

	var out []*Boost
	for rows.Next() {
		b, err := scanBoost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan boost: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*Transaction, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fire_transactions WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count fire transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, balance_before, balance_after,
		       COALESCE(boost_id, ''), COALESCE(wallet_txn_id, ''), description, created_at
		FROM fire_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list fire transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		var t string
		if err := rows.Scan(&txn.ID, &txn.UserID, &t, &txn.Amount, &txn.Before, &txn.After,
			&txn.BoostID, &txn.WalletTxnID, &txn.Description, &txn.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan fire transaction: %w", err)
		}
		txn.Type = TxType(t)
		out = append(out, txn)
	}
	return out, total, rows.Err()
}

func (s *PostgresStore) ExpireBoosts(ctx context.Context, before time.Time, limit int) ([]string, error) {
	// Claim via SKIP LOCKED so overlapping sweeps grab disjoint rows.
	rows, err := s.db.QueryContext(ctx, `
		UPDATE fire_boosts SET expired = TRUE
		WHERE id IN (
			SELECT id FROM fire_boosts
			WHERE expired = FALSE AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to expire boosts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired boost id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
