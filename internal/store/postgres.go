package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/formation"
	"github.com/trigon/triangle-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Formation updates carry a version check so a lost update surfaces as
// ErrVersionConflict instead of silently corrupting the fill count.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// execer covers *pgxpool.Pool and pgx.Tx so the insert helpers serve both
// the standalone calls and the multi-step transactions.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Formations ---

func (s *PostgresStore) CreateFormation(ctx context.Context, f *model.Formation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertFormation(ctx, tx, f); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertFormation(ctx context.Context, tx pgx.Tx, f *model.Formation) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO formations (id, plan_type, filled_count, state, parent_id, version, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)`,
		f.ID, f.PlanType, f.FilledCount, string(f.State), f.ParentID, f.Version, f.CreatedAt, f.CompletedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: formation %s", ErrDuplicate, f.ID)
	}
	if err != nil {
		return fmt.Errorf("insert formation %s: %w", f.ID, err)
	}
	for _, p := range f.Positions {
		_, err := tx.Exec(ctx,
			`INSERT INTO positions (formation_id, key, occupant_id, paid, reserved_at)
			 VALUES ($1, $2, NULLIF($3, ''), $4, $5)`,
			f.ID, p.Key, p.OccupantID, p.Paid, p.ReservedAt,
		)
		if err != nil {
			return fmt.Errorf("insert position %s/%s: %w", f.ID, p.Key, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetFormation(ctx context.Context, id string) (*model.Formation, error) {
	f, err := s.scanFormation(ctx, id)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *PostgresStore) scanFormation(ctx context.Context, id string) (*model.Formation, error) {
	var f model.Formation
	var state string

	err := s.pool.QueryRow(ctx,
		`SELECT id, plan_type, filled_count, state, COALESCE(parent_id, ''), version, created_at, completed_at
		 FROM formations WHERE id = $1`, id).
		Scan(&f.ID, &f.PlanType, &f.FilledCount, &state, &f.ParentID, &f.Version, &f.CreatedAt, &f.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: formation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get formation %s: %w", id, err)
	}
	f.State = model.FormationState(state)

	rows, err := s.pool.Query(ctx,
		`SELECT key, COALESCE(occupant_id, ''), paid, reserved_at
		 FROM positions WHERE formation_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get positions %s: %w", id, err)
	}
	defer rows.Close()

	byKey := make(map[string]model.Position, formation.Size)
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.Key, &p.OccupantID, &p.Paid, &p.ReservedAt); err != nil {
			return nil, err
		}
		byKey[p.Key] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Materialize in scheme (BFS) order regardless of row order.
	f.Positions = make([]model.Position, 0, formation.Size)
	for _, k := range formation.PositionKeys {
		p, ok := byKey[k]
		if !ok {
			p = model.Position{Key: k}
		}
		f.Positions = append(f.Positions, p)
	}
	return &f, nil
}

func (s *PostgresStore) ListFormations(ctx context.Context, planType string) ([]model.Formation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM formations
		 WHERE ($1 = '' OR plan_type = $1)
		 ORDER BY created_at, id`, planType)
	if err != nil {
		return nil, err
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Formation, 0, len(ids))
	for _, id := range ids {
		f, err := s.scanFormation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, nil
}

func (s *PostgresStore) OldestOpenFormation(ctx context.Context, planType string) (*model.Formation, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT f.id
		 FROM formations f
		 WHERE f.plan_type = $1 AND f.state = 'FILLING'
		   AND EXISTS (
		     SELECT 1 FROM positions p
		     WHERE p.formation_id = f.id AND p.occupant_id IS NULL
		   )
		 ORDER BY f.created_at, f.id
		 LIMIT 1`, planType).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no open %s formation", ErrNotFound, planType)
	}
	if err != nil {
		return nil, fmt.Errorf("oldest open %s formation: %w", planType, err)
	}
	return s.scanFormation(ctx, id)
}

func (s *PostgresStore) UpdateFormation(ctx context.Context, f *model.Formation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateFormation(ctx, tx, f); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	f.Version++
	return nil
}

func updateFormation(ctx context.Context, tx pgx.Tx, f *model.Formation) error {
	tag, err := tx.Exec(ctx,
		`UPDATE formations
		 SET filled_count = $2, state = $3, completed_at = $4, version = version + 1
		 WHERE id = $1 AND version = $5`,
		f.ID, f.FilledCount, string(f.State), f.CompletedAt, f.Version,
	)
	if err != nil {
		return fmt.Errorf("update formation %s: %w", f.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: formation %s at v%d", ErrVersionConflict, f.ID, f.Version)
	}
	for _, p := range f.Positions {
		_, err := tx.Exec(ctx,
			`UPDATE positions
			 SET occupant_id = NULLIF($3, ''), paid = $4, reserved_at = $5
			 WHERE formation_id = $1 AND key = $2`,
			f.ID, p.Key, p.OccupantID, p.Paid, p.ReservedAt,
		)
		if err != nil {
			return fmt.Errorf("update position %s/%s: %w", f.ID, p.Key, err)
		}
	}
	return nil
}

// ApplySplit wraps the whole split in one transaction: the parent's
// terminal update, both successor inserts, and every member relocation
// commit together or not at all.
func (s *PostgresStore) ApplySplit(ctx context.Context, old *model.Formation, children [2]*model.Formation, moves []formation.Move, retired []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin split: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := updateFormation(ctx, tx, old); err != nil {
		return err
	}
	for _, c := range children {
		if err := insertFormation(ctx, tx, c); err != nil {
			return err
		}
	}
	for _, m := range moves {
		_, err := tx.Exec(ctx,
			`UPDATE users SET formation_id = $2, position_key = $3 WHERE id = $1`,
			m.UserID, m.FormationID, m.ToKey,
		)
		if err != nil {
			return fmt.Errorf("re-home user %s: %w", m.UserID, err)
		}
	}
	for _, id := range retired {
		_, err := tx.Exec(ctx,
			`UPDATE users SET formation_id = '', position_key = '' WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("retire user %s: %w", id, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit split: %w", err)
	}
	old.Version++
	return nil
}

// ApplyPlacement commits the registrant, their slot claim, and the
// pending deposit in one transaction, so a failed step leaves no
// orphaned user and no claimed slot behind.
func (s *PostgresStore) ApplyPlacement(ctx context.Context, u *model.User, f *model.Formation, created bool, deposit *model.Transaction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin placement: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertUser(ctx, tx, u); err != nil {
		return err
	}
	if created {
		if err := insertFormation(ctx, tx, f); err != nil {
			return err
		}
	} else if err := updateFormation(ctx, tx, f); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, deposit); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit placement: %w", err)
	}
	if !created {
		f.Version++
	}
	return nil
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	return insertUser(ctx, s.pool, u)
}

func insertUser(ctx context.Context, db execer, u *model.User) error {
	_, err := db.Exec(ctx,
		`INSERT INTO users (id, username, wallet, plan_type, formation_id, position_key,
		                    balance, total_earned, plan_earnings, referral_bonus,
		                    referral_code, referred_by, deleted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, NULLIF($12, ''), $13, $14)`,
		u.ID, u.Username, u.Wallet, u.PlanType, u.FormationID, u.PositionKey,
		u.Balance.String(), u.TotalEarned.String(), u.PlanEarnings.String(), u.ReferralBonus.String(),
		u.ReferralCode, u.ReferredBy, u.Deleted, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.Username)
	}
	if err != nil {
		return fmt.Errorf("insert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *PostgresStore) getUserWhere(ctx context.Context, clause string, arg any) (*model.User, error) {
	var u model.User
	var balance, totalEarned, planEarnings, referralBonus string

	err := s.pool.QueryRow(ctx,
		`SELECT id, username, wallet, plan_type, formation_id, position_key,
		        balance::TEXT, total_earned::TEXT, plan_earnings::TEXT, referral_bonus::TEXT,
		        referral_code, COALESCE(referred_by, ''), deleted, created_at
		 FROM users WHERE `+clause, arg).
		Scan(&u.ID, &u.Username, &u.Wallet, &u.PlanType, &u.FormationID, &u.PositionKey,
			&balance, &totalEarned, &planEarnings, &referralBonus,
			&u.ReferralCode, &u.ReferredBy, &u.Deleted, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %v", ErrNotFound, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %v: %w", arg, err)
	}

	u.Balance, _ = decimal.NewFromString(balance)
	u.TotalEarned, _ = decimal.NewFromString(totalEarned)
	u.PlanEarnings, _ = decimal.NewFromString(planEarnings)
	u.ReferralBonus, _ = decimal.NewFromString(referralBonus)
	return &u, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUserWhere(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	return s.getUserWhere(ctx, `referral_code = $1 AND NOT deleted`, code)
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUserWhere(ctx, `username = $1 AND NOT deleted`, username)
}

func (s *PostgresStore) CreditUser(ctx context.Context, id string, balance, totalEarned, planEarnings, referralBonus decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users
		 SET balance = balance + $2::NUMERIC,
		     total_earned = total_earned + $3::NUMERIC,
		     plan_earnings = plan_earnings + $4::NUMERIC,
		     referral_bonus = referral_bonus + $5::NUMERIC
		 WHERE id = $1`,
		id, balance.String(), totalEarned.String(), planEarnings.String(), referralBonus.String(),
	)
	if err != nil {
		return fmt.Errorf("credit user %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) SetUserDeleted(ctx context.Context, id string, deleted bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET deleted = $2 WHERE id = $1`, id, deleted)
	if err != nil {
		return fmt.Errorf("set deleted %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) SetUserPlacement(ctx context.Context, id, formationID, positionKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET formation_id = $2, position_key = $3 WHERE id = $1`,
		id, formationID, positionKey)
	if err != nil {
		return fmt.Errorf("set placement %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	return nil
}

// --- Transactions ---

func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	return insertTransaction(ctx, s.pool, tx)
}

func insertTransaction(ctx context.Context, db execer, tx *model.Transaction) error {
	_, err := db.Exec(ctx,
		`INSERT INTO transactions (id, user_id, type, status, amount, formation_id, position_key,
		                           rejection_reason, created_at, decided_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, NULLIF($6, ''), $7, $8, $9, $10)`,
		tx.ID, tx.UserID, string(tx.Type), string(tx.Status), tx.Amount.String(),
		tx.FormationID, tx.PositionKey, tx.RejectionReason, tx.CreatedAt, tx.DecidedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, tx.ID)
	}
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	var t model.Transaction
	var txType, status, amount string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, type, status, amount::TEXT, COALESCE(formation_id, ''), position_key,
		        rejection_reason, created_at, decided_at
		 FROM transactions WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &txType, &status, &amount, &t.FormationID, &t.PositionKey,
			&t.RejectionReason, &t.CreatedAt, &t.DecidedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}

	t.Type = model.TransactionType(txType)
	t.Status = model.TransactionStatus(status)
	t.Amount, _ = decimal.NewFromString(amount)
	return &t, nil
}

func (s *PostgresStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, status, amount::TEXT, COALESCE(formation_id, ''), position_key,
		        rejection_reason, created_at, decided_at
		 FROM transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var txType, status, amount string
		if err := rows.Scan(&t.ID, &t.UserID, &txType, &status, &amount, &t.FormationID,
			&t.PositionKey, &t.RejectionReason, &t.CreatedAt, &t.DecidedAt); err != nil {
			return nil, err
		}
		t.Type = model.TransactionType(txType)
		t.Status = model.TransactionStatus(status)
		t.Amount, _ = decimal.NewFromString(amount)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateTransactionStatus(ctx context.Context, tx *model.Transaction) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions
		 SET status = $2, rejection_reason = $3, decided_at = $4
		 WHERE id = $1`,
		tx.ID, string(tx.Status), tx.RejectionReason, tx.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, tx.ID)
	}
	return nil
}

// --- Rejoin staging ---

func (s *PostgresStore) StageRejoin(ctx context.Context, p *model.RejoinProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rejoin_profiles (username, wallet, plan_type, staged_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (username) DO UPDATE
		 SET wallet = EXCLUDED.wallet, plan_type = EXCLUDED.plan_type, staged_at = EXCLUDED.staged_at`,
		p.Username, p.Wallet, p.PlanType, p.StagedAt,
	)
	if err != nil {
		return fmt.Errorf("stage rejoin %s: %w", p.Username, err)
	}
	return nil
}

func (s *PostgresStore) PeekRejoin(ctx context.Context, username string) (*model.RejoinProfile, error) {
	var p model.RejoinProfile
	err := s.pool.QueryRow(ctx,
		`SELECT username, wallet, plan_type, staged_at FROM rejoin_profiles WHERE username = $1`,
		username).Scan(&p.Username, &p.Wallet, &p.PlanType, &p.StagedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: rejoin for %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("peek rejoin %s: %w", username, err)
	}
	return &p, nil
}

func (s *PostgresStore) TakeRejoin(ctx context.Context, username string) (*model.RejoinProfile, error) {
	var p model.RejoinProfile
	err := s.pool.QueryRow(ctx,
		`DELETE FROM rejoin_profiles WHERE username = $1
		 RETURNING username, wallet, plan_type, staged_at`,
		username).Scan(&p.Username, &p.Wallet, &p.PlanType, &p.StagedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: rejoin for %s", ErrNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("take rejoin %s: %w", username, err)
	}
	return &p, nil
}
