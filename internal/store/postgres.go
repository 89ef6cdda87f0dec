package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/copytrade/copy-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so read helpers can
// run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// --- Leader / follower profiles ---

const leaderColumns = `id, user_id, display_name, status, COALESCE(suspension_reason, ''), created_at, updated_at`

func scanLeader(row pgx.Row) (*model.Leader, error) {
	var l model.Leader
	err := row.Scan(&l.ID, &l.UserID, &l.DisplayName, &l.Status, &l.SuspensionReason, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func getLeader(ctx context.Context, q querier, id, lock string) (*model.Leader, error) {
	l, err := scanLeader(q.QueryRow(ctx,
		`SELECT `+leaderColumns+` FROM leaders WHERE id = $1`+lock, id))
	if err != nil {
		return nil, fmt.Errorf("get leader %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) GetLeader(ctx context.Context, id string) (*model.Leader, error) {
	return getLeader(ctx, s.pool, id, "")
}

func scanFollower(row pgx.Row) (*model.Follower, error) {
	var f model.Follower
	err := row.Scan(&f.ID, &f.UserID, &f.LeaderID, &f.Status, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func getFollower(ctx context.Context, q querier, id, lock string) (*model.Follower, error) {
	f, err := scanFollower(q.QueryRow(ctx,
		`SELECT id, user_id, leader_id, status, created_at, updated_at
		 FROM followers WHERE id = $1`+lock, id))
	if err != nil {
		return nil, fmt.Errorf("get follower %s: %w", id, err)
	}
	return f, nil
}

func (s *PostgresStore) GetFollower(ctx context.Context, id string) (*model.Follower, error) {
	return getFollower(ctx, s.pool, id, "")
}

func (s *PostgresStore) CountActiveFollowers(ctx context.Context, leaderID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM followers WHERE leader_id = $1 AND status <> 'STOPPED'`,
		leaderID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count followers for leader %s: %w", leaderID, err)
	}
	return n, nil
}

// --- Allocations ---

const allocationColumns = `id, follower_id, leader_id, user_id, symbol,
	        base_currency, quote_currency,
	        base_amount::TEXT, base_used_amount::TEXT,
	        quote_amount::TEXT, quote_used_amount::TEXT,
	        is_active, created_at, updated_at`

func scanAllocation(row pgx.Row) (*model.FollowerAllocation, error) {
	var a model.FollowerAllocation
	var base, baseUsed, quote, quoteUsed string

	err := row.Scan(&a.ID, &a.FollowerID, &a.LeaderID, &a.UserID, &a.Symbol,
		&a.BaseCurrency, &a.QuoteCurrency,
		&base, &baseUsed, &quote, &quoteUsed,
		&a.IsActive, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	a.BaseAmount, _ = decimal.NewFromString(base)
	a.BaseUsedAmount, _ = decimal.NewFromString(baseUsed)
	a.QuoteAmount, _ = decimal.NewFromString(quote)
	a.QuoteUsedAmount, _ = decimal.NewFromString(quoteUsed)
	return &a, nil
}

func (s *PostgresStore) GetAllocation(ctx context.Context, id string) (*model.FollowerAllocation, error) {
	a, err := scanAllocation(s.pool.QueryRow(ctx,
		`SELECT `+allocationColumns+` FROM follower_allocations WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get allocation %s: %w", id, err)
	}
	return a, nil
}

func listAllocations(ctx context.Context, q querier, sql string, args ...any) ([]model.FollowerAllocation, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []model.FollowerAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, *a)
	}
	return allocs, rows.Err()
}

func (s *PostgresStore) ListActiveAllocationsByFollower(ctx context.Context, followerID string) ([]model.FollowerAllocation, error) {
	return listAllocations(ctx, s.pool,
		`SELECT `+allocationColumns+`
		 FROM follower_allocations
		 WHERE follower_id = $1 AND is_active ORDER BY created_at`, followerID)
}

// --- Wallets ---

const walletColumns = `id, user_id, currency, type, balance::TEXT, in_order::TEXT, updated_at`

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var balance, inOrder string

	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.Type, &balance, &inOrder, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}

	w.Balance, _ = decimal.NewFromString(balance)
	w.InOrder, _ = decimal.NewFromString(inOrder)
	return &w, nil
}

func getWallet(ctx context.Context, q querier, userID, currency string, t model.WalletType, lock string) (*model.Wallet, error) {
	w, err := scanWallet(q.QueryRow(ctx,
		`SELECT `+walletColumns+`
		 FROM wallets WHERE user_id = $1 AND currency = $2 AND type = $3`+lock,
		userID, currency, t))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s/%s/%s: %w", userID, currency, t, err)
	}
	return w, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID, currency string, t model.WalletType) (*model.Wallet, error) {
	return getWallet(ctx, s.pool, userID, currency, t, "")
}

// --- Trade ledger ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, leader_id, follower_id, allocation_id, is_leader_trade,
		                     symbol, status, profit, cost, fee, opened_at, closed_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		t.ID, t.LeaderID, t.FollowerID, t.AllocationID, t.IsLeaderTrade,
		t.Symbol, t.Status,
		t.Profit.String(), t.Cost.String(), t.Fee.String(),
		t.OpenedAt, t.ClosedAt,
	)
	return err
}

func (s *PostgresStore) CountOpenTradesByFollower(ctx context.Context, followerID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE follower_id = $1 AND status = 'OPEN'`,
		followerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open trades for follower %s: %w", followerID, err)
	}
	return n, nil
}

func (s *PostgresStore) CountOpenPositionsByLeader(ctx context.Context, leaderID, symbol string) (int, error) {
	sql := `SELECT COUNT(*) FROM trades
	        WHERE leader_id = $1 AND status IN ('OPEN', 'PENDING', 'PARTIALLY_FILLED')`
	args := []any{leaderID}
	if symbol != "" {
		sql += ` AND symbol = $2`
		args = append(args, symbol)
	}

	var n int
	if err := s.pool.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open positions for leader %s: %w", leaderID, err)
	}
	return n, nil
}

// --- Statistics queries ---

func scanAggregate(row pgx.Row) (model.TradeAggregate, error) {
	var agg model.TradeAggregate
	var profit, volume string

	if err := row.Scan(&agg.TotalTrades, &agg.WinningTrades, &profit, &volume); err != nil {
		return model.TradeAggregate{}, err
	}
	agg.TotalProfit, _ = decimal.NewFromString(profit)
	agg.TotalVolume, _ = decimal.NewFromString(volume)
	return agg, nil
}

func (s *PostgresStore) LeaderTradeAggregate(ctx context.Context, leaderID string) (model.TradeAggregate, error) {
	agg, err := scanAggregate(s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE profit > 0),
		        COALESCE(SUM(profit), 0)::TEXT,
		        COALESCE(SUM(cost), 0)::TEXT
		 FROM trades
		 WHERE leader_id = $1 AND is_leader_trade AND status = 'CLOSED'`, leaderID))
	if err != nil {
		return model.TradeAggregate{}, fmt.Errorf("aggregate leader %s trades: %w", leaderID, err)
	}
	return agg, nil
}

func (s *PostgresStore) FollowerTradeAggregate(ctx context.Context, followerID string) (model.TradeAggregate, error) {
	agg, err := scanAggregate(s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE profit > 0),
		        COALESCE(SUM(profit), 0)::TEXT,
		        COALESCE(SUM(cost), 0)::TEXT
		 FROM trades
		 WHERE follower_id = $1 AND status = 'CLOSED'`, followerID))
	if err != nil {
		return model.TradeAggregate{}, fmt.Errorf("aggregate follower %s trades: %w", followerID, err)
	}
	return agg, nil
}

func (s *PostgresStore) AllocationTradeAggregate(ctx context.Context, allocationID string) (model.TradeAggregate, error) {
	agg, err := scanAggregate(s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE profit > 0),
		        COALESCE(SUM(profit), 0)::TEXT,
		        COALESCE(SUM(cost), 0)::TEXT
		 FROM trades
		 WHERE allocation_id = $1 AND status = 'CLOSED'`, allocationID))
	if err != nil {
		return model.TradeAggregate{}, fmt.Errorf("aggregate allocation %s trades: %w", allocationID, err)
	}
	return agg, nil
}

// BatchLeaderTradeAggregates issues one grouped query for all leaders at
// once. Together with BatchFollowerCounts this keeps leaderboard rendering
// at exactly two queries regardless of leader count.
func (s *PostgresStore) BatchLeaderTradeAggregates(ctx context.Context, leaderIDs []string) (map[string]model.TradeAggregate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT leader_id,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE profit > 0),
		        COALESCE(SUM(profit), 0)::TEXT,
		        COALESCE(SUM(cost), 0)::TEXT
		 FROM trades
		 WHERE leader_id = ANY($1) AND is_leader_trade AND status = 'CLOSED'
		 GROUP BY leader_id`, leaderIDs)
	if err != nil {
		return nil, fmt.Errorf("batch leader aggregates: %w", err)
	}
	defer rows.Close()

	result := make(map[string]model.TradeAggregate, len(leaderIDs))
	for rows.Next() {
		var leaderID, profit, volume string
		var agg model.TradeAggregate
		if err := rows.Scan(&leaderID, &agg.TotalTrades, &agg.WinningTrades, &profit, &volume); err != nil {
			return nil, err
		}
		agg.TotalProfit, _ = decimal.NewFromString(profit)
		agg.TotalVolume, _ = decimal.NewFromString(volume)
		result[leaderID] = agg
	}
	return result, rows.Err()
}

func (s *PostgresStore) BatchFollowerCounts(ctx context.Context, leaderIDs []string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT leader_id, COUNT(*)
		 FROM followers
		 WHERE leader_id = ANY($1) AND status <> 'STOPPED'
		 GROUP BY leader_id`, leaderIDs)
	if err != nil {
		return nil, fmt.Errorf("batch follower counts: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int, len(leaderIDs))
	for rows.Next() {
		var leaderID string
		var n int
		if err := rows.Scan(&leaderID, &n); err != nil {
			return nil, err
		}
		result[leaderID] = n
	}
	return result, rows.Err()
}

func (s *PostgresStore) LeaderDailyAggregates(ctx context.Context, leaderID string, days int) ([]model.DailyAggregate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', closed_at) AS day,
		        COUNT(*),
		        COALESCE(SUM(profit), 0)::TEXT,
		        COALESCE(SUM(cost), 0)::TEXT
		 FROM trades
		 WHERE leader_id = $1 AND is_leader_trade AND status = 'CLOSED'
		   AND closed_at >= now() - ($2::INT * INTERVAL '1 day')
		 GROUP BY day ORDER BY day`, leaderID, days)
	if err != nil {
		return nil, fmt.Errorf("daily aggregates for leader %s: %w", leaderID, err)
	}
	defer rows.Close()

	var buckets []model.DailyAggregate
	for rows.Next() {
		var b model.DailyAggregate
		var profit, volume string
		if err := rows.Scan(&b.Date, &b.Trades, &profit, &volume); err != nil {
			return nil, err
		}
		b.Profit, _ = decimal.NewFromString(profit)
		b.Volume, _ = decimal.NewFromString(volume)
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// --- Audit ---

func (s *PostgresStore) ListAuditLogs(ctx context.Context, entityType, entityID string) ([]model.AuditLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_type, entity_id, action, old_value, new_value,
		        COALESCE(actor_id, ''), COALESCE(reason, ''), created_at
		 FROM audit_logs
		 WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY created_at DESC`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit logs for %s %s: %w", entityType, entityID, err)
	}
	defer rows.Close()

	var entries []model.AuditLog
	for rows.Next() {
		var e model.AuditLog
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action,
			&e.OldValue, &e.NewValue, &e.ActorID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Unit of work ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// pgTx implements Tx over a pgx transaction. Locking reads use
// SELECT ... FOR UPDATE so concurrent settlements on the same rows serialize
// at the database.
type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) GetWalletForUpdate(ctx context.Context, userID, currency string, wt model.WalletType) (*model.Wallet, error) {
	return getWallet(ctx, t.q, userID, currency, wt, " FOR UPDATE")
}

func (t *pgTx) ApplyWalletDelta(ctx context.Context, walletID string, delta decimal.Decimal) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance + $2::NUMERIC, updated_at = now()
		 WHERE id = $1`, walletID, delta.String())
	if err != nil {
		return fmt.Errorf("apply delta to wallet %s: %w", walletID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("apply delta to wallet %s: no such wallet", walletID)
	}
	return nil
}

func (t *pgTx) GetAllocationForUpdate(ctx context.Context, id string) (*model.FollowerAllocation, error) {
	a, err := scanAllocation(t.q.QueryRow(ctx,
		`SELECT `+allocationColumns+`
		 FROM follower_allocations WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock allocation %s: %w", id, err)
	}
	return a, nil
}

func (t *pgTx) InsertAllocation(ctx context.Context, a *model.FollowerAllocation) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO follower_allocations
		   (id, follower_id, leader_id, user_id, symbol, base_currency, quote_currency,
		    base_amount, base_used_amount, quote_amount, quote_used_amount,
		    is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)`,
		a.ID, a.FollowerID, a.LeaderID, a.UserID, a.Symbol, a.BaseCurrency, a.QuoteCurrency,
		a.BaseAmount.String(), a.BaseUsedAmount.String(),
		a.QuoteAmount.String(), a.QuoteUsedAmount.String(),
		a.IsActive, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (t *pgTx) UpdateAllocation(ctx context.Context, a *model.FollowerAllocation) error {
	_, err := t.q.Exec(ctx,
		`UPDATE follower_allocations
		 SET base_amount = $2::NUMERIC, base_used_amount = $3::NUMERIC,
		     quote_amount = $4::NUMERIC, quote_used_amount = $5::NUMERIC,
		     is_active = $6, updated_at = now()
		 WHERE id = $1`,
		a.ID,
		a.BaseAmount.String(), a.BaseUsedAmount.String(),
		a.QuoteAmount.String(), a.QuoteUsedAmount.String(),
		a.IsActive,
	)
	return err
}

func (t *pgTx) ListActiveAllocationsByFollower(ctx context.Context, followerID string) ([]model.FollowerAllocation, error) {
	return listAllocations(ctx, t.q,
		`SELECT `+allocationColumns+`
		 FROM follower_allocations
		 WHERE follower_id = $1 AND is_active
		 ORDER BY created_at FOR UPDATE`, followerID)
}

func (t *pgTx) ListActiveAllocationsByLeader(ctx context.Context, leaderID, symbol string) ([]model.FollowerAllocation, error) {
	sql := `SELECT ` + allocationColumns + `
	        FROM follower_allocations
	        WHERE leader_id = $1 AND is_active`
	args := []any{leaderID}
	if symbol != "" {
		sql += ` AND symbol = $2`
		args = append(args, symbol)
	}
	sql += ` ORDER BY created_at FOR UPDATE`
	return listAllocations(ctx, t.q, sql, args...)
}

func (t *pgTx) GetLeaderForUpdate(ctx context.Context, id string) (*model.Leader, error) {
	return getLeader(ctx, t.q, id, " FOR UPDATE")
}

func (t *pgTx) GetFollowerForUpdate(ctx context.Context, id string) (*model.Follower, error) {
	return getFollower(ctx, t.q, id, " FOR UPDATE")
}

func (t *pgTx) ListFollowersByLeader(ctx context.Context, leaderID string, statuses ...model.FollowerStatus) ([]model.Follower, error) {
	sql := `SELECT id, user_id, leader_id, status, created_at, updated_at
	        FROM followers WHERE leader_id = $1`
	args := []any{leaderID}
	if len(statuses) > 0 {
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		sql += ` AND status = ANY($2)`
		args = append(args, ss)
	}
	sql += ` ORDER BY created_at FOR UPDATE`

	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list followers for leader %s: %w", leaderID, err)
	}
	defer rows.Close()

	var followers []model.Follower
	for rows.Next() {
		f, err := scanFollower(rows)
		if err != nil {
			return nil, err
		}
		followers = append(followers, *f)
	}
	return followers, rows.Err()
}

func (t *pgTx) UpdateLeaderStatus(ctx context.Context, id string, status model.LeaderStatus, reason string) error {
	_, err := t.q.Exec(ctx,
		`UPDATE leaders
		 SET status = $2, suspension_reason = NULLIF($3, ''), updated_at = now()
		 WHERE id = $1`, id, status, reason)
	return err
}

func (t *pgTx) UpdateFollowerStatus(ctx context.Context, id string, status model.FollowerStatus) error {
	_, err := t.q.Exec(ctx,
		`UPDATE followers SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	return err
}

func (t *pgTx) AppendTransaction(ctx context.Context, rec *model.CopyTradingTransaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO copy_trading_transactions
		   (id, user_id, wallet_id, type, currency, amount,
		    balance_before, balance_after, description, reference_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, NULLIF($10, ''), $11)`,
		rec.ID, rec.UserID, rec.WalletID, rec.Type, rec.Currency,
		rec.Amount.String(), rec.BalanceBefore.String(), rec.BalanceAfter.String(),
		rec.Description, rec.ReferenceID, rec.CreatedAt,
	)
	return err
}

func (t *pgTx) AppendAuditLog(ctx context.Context, e *model.AuditLog) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO audit_logs
		   (id, entity_type, entity_id, action, old_value, new_value, actor_id, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)`,
		e.ID, e.EntityType, e.EntityID, e.Action,
		e.OldValue, e.NewValue, e.ActorID, e.Reason, createdAt,
	)
	return err
}
