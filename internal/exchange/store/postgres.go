package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implementa Store sobre database/sql + lib/pq.
// Toda transação roda em isolamento SERIALIZABLE.
type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// Migrate cria tabelas, índices e a sequência da fila caso não existam
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// classify traduz códigos do Postgres em erros do domínio
// 40001 serialization_failure / 40P01 deadlock_detected => transitórios
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", domain.ErrSerializationFailure, err)
		}
	}
	return err
}

func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	return classify(tx.Commit())
}

type pgTx struct{ tx *sql.Tx }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const userCols = `id, balance, available_balance, reserved_balance, version, created_at, updated_at`

func (t *pgTx) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := t.tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Balance, &u.AvailableBalance, &u.ReservedBalance, &u.Version, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return &u, nil
}

func (t *pgTx) InsertUser(ctx context.Context, u *domain.User) error {
	if u.Version == 0 {
		u.Version = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, balance, available_balance, reserved_balance, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)`,
		u.ID, u.Balance, u.AvailableBalance, u.ReservedBalance, u.Version, u.CreatedAt)
	return classify(err)
}

// checkAffected converte "nenhuma linha afetada" em conflito de versão
func checkAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, domain.ErrVersionConflict)
	}
	return nil
}

func (t *pgTx) UpdateUser(ctx context.Context, u *domain.User) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE users
		SET balance = $1, available_balance = $2, reserved_balance = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		u.Balance, u.AvailableBalance, u.ReservedBalance, now, u.ID, u.Version)
	if err != nil {
		return classify(err)
	}
	if err := checkAffected(res, "user", u.ID); err != nil {
		return err
	}
	u.Version++
	u.UpdatedAt = now
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *domain.Transaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions
		  (id, user_id, type, amount, status, bet_id, market_id, description, balance_after, available_after, reserved_after, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		tr.ID, tr.UserID, string(tr.Type), tr.Amount, tr.Status, nullString(tr.BetID), nullString(tr.MarketID),
		tr.Description, tr.BalanceAfter, tr.AvailableAfter, tr.ReservedAfter, tr.CreatedAt)
	return classify(err)
}

func (t *pgTx) ListTransactions(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, user_id, type, amount, status, bet_id, market_id, description,
		       balance_after, available_after, reserved_after, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		var tr domain.Transaction
		var typ string
		var betID, marketID sql.NullString
		if err := rows.Scan(&tr.ID, &tr.UserID, &typ, &tr.Amount, &tr.Status, &betID, &marketID, &tr.Description,
			&tr.BalanceAfter, &tr.AvailableAfter, &tr.ReservedAfter, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.Type = domain.TransactionType(typ)
		tr.BetID, tr.MarketID = betID.String, marketID.String
		out = append(out, &tr)
	}
	return out, classify(rows.Err())
}

const marketCols = `id, event_id, name, selections, status, locked, locked_at, lock_token, version,
	winning_selection, settled_at, created_at, updated_at`

func scanMarket(row interface{ Scan(...any) error }) (*domain.Market, error) {
	var m domain.Market
	var status string
	var lockToken, winning sql.NullString
	var selections pq.StringArray
	if err := row.Scan(&m.ID, &m.EventID, &m.Name, &selections, &status, &m.Locked, &m.LockedAt, &lockToken,
		&m.Version, &winning, &m.SettledAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Selections = []string(selections)
	m.Status = domain.MarketStatus(status)
	m.LockToken = lockToken.String
	m.WinningSelection = winning.String
	return &m, nil
}

func (t *pgTx) GetMarket(ctx context.Context, id string) (*domain.Market, error) {
	m, err := scanMarket(t.tx.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("market %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

func (t *pgTx) InsertMarket(ctx context.Context, m *domain.Market) error {
	if m.Version == 0 {
		m.Version = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO markets (id, event_id, name, selections, status, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`,
		m.ID, m.EventID, m.Name, pq.Array(m.Selections), string(m.Status), m.Version, m.CreatedAt)
	return classify(err)
}

// UpdateMarket não toca nas colunas de lock (geridas por Acquire/ReleaseMarketLock)
func (t *pgTx) UpdateMarket(ctx context.Context, m *domain.Market) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE markets
		SET status = $1, winning_selection = $2, settled_at = $3, version = version + 1, updated_at = $4
		WHERE id = $5 AND version = $6`,
		string(m.Status), nullString(m.WinningSelection), m.SettledAt, now, m.ID, m.Version)
	if err != nil {
		return classify(err)
	}
	if err := checkAffected(res, "market", m.ID); err != nil {
		return err
	}
	m.Version++
	m.UpdatedAt = now
	return nil
}

const betCols = `id, user_id, market_id, selection, type, amount, odds, matched_amount, liability, potential_winnings,
	status, queue_position, processing_status, version, created_at, updated_at, settled_at`

func scanBet(row interface{ Scan(...any) error }) (*domain.Bet, error) {
	var b domain.Bet
	var typ, status, processing string
	if err := row.Scan(&b.ID, &b.UserID, &b.MarketID, &b.Selection, &typ, &b.Amount, &b.Odds, &b.MatchedAmount,
		&b.Liability, &b.PotentialWinnings, &status, &b.QueuePosition, &processing, &b.Version,
		&b.CreatedAt, &b.UpdatedAt, &b.SettledAt); err != nil {
		return nil, err
	}
	b.Type = domain.BetType(typ)
	b.Status = domain.BetStatus(status)
	b.ProcessingStatus = domain.ProcessingStatus(processing)
	return &b, nil
}

func (t *pgTx) GetBet(ctx context.Context, id string) (*domain.Bet, error) {
	b, err := scanBet(t.tx.QueryRowContext(ctx, `SELECT `+betCols+` FROM bets WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bet %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, classify(err)
	}
	return b, nil
}

func (t *pgTx) InsertBet(ctx context.Context, b *domain.Bet) error {
	if b.Version == 0 {
		b.Version = 1
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bets
		  (id, user_id, market_id, selection, type, amount, odds, matched_amount, liability, potential_winnings,
		   status, queue_position, processing_status, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)`,
		b.ID, b.UserID, b.MarketID, b.Selection, string(b.Type), b.Amount, b.Odds, b.MatchedAmount, b.Liability,
		b.PotentialWinnings, string(b.Status), b.QueuePosition, string(b.ProcessingStatus), b.Version, b.CreatedAt)
	return classify(err)
}

// UpdateBet atualiza somente os campos versionados; posição e status de fila ficam com a QueueStore
func (t *pgTx) UpdateBet(ctx context.Context, b *domain.Bet) error {
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE bets
		SET matched_amount = $1, liability = $2, status = $3, settled_at = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND version = $7`,
		b.MatchedAmount, b.Liability, string(b.Status), b.SettledAt, now, b.ID, b.Version)
	if err != nil {
		return classify(err)
	}
	if err := checkAffected(res, "bet", b.ID); err != nil {
		return err
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

// buildBetQuery monta o WHERE dinâmico a partir do filtro
func buildBetQuery(f BetFilter) (string, []any) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.MarketID != "" {
		add("market_id = $%d", f.MarketID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Selection != "" {
		add("selection = $%d", f.Selection)
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.ExcludeUserID != "" {
		add("user_id <> $%d", f.ExcludeUserID)
	}
	if len(f.Statuses) > 0 {
		st := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			st[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(st))
	}

	q := `SELECT ` + betCols + ` FROM bets`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, queue_position`
	return q, args
}

func (t *pgTx) ListBets(ctx context.Context, f BetFilter) ([]*domain.Bet, error) {
	q, args := buildBetQuery(f)
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, classify(rows.Err())
}

func (t *pgTx) InsertBetMatch(ctx context.Context, m *domain.BetMatch) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bet_matches (id, market_id, back_bet_id, lay_bet_id, amount, odds, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		m.ID, m.MarketID, m.BackBetID, m.LayBetID, m.Amount, m.Odds, m.CreatedAt)
	return classify(err)
}

func (t *pgTx) ListBetMatches(ctx context.Context, betID string) ([]*domain.BetMatch, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, market_id, back_bet_id, lay_bet_id, amount, odds, created_at
		FROM bet_matches
		WHERE back_bet_id = $1 OR lay_bet_id = $1
		ORDER BY created_at, id`, betID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*domain.BetMatch
	for rows.Next() {
		var m domain.BetMatch
		if err := rows.Scan(&m.ID, &m.MarketID, &m.BackBetID, &m.LayBetID, &m.Amount, &m.Odds, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, classify(rows.Err())
}

func (t *pgTx) NextQueuePosition(ctx context.Context) (int64, error) {
	var pos int64
	if err := t.tx.QueryRowContext(ctx, `SELECT nextval('bet_queue_seq')`).Scan(&pos); err != nil {
		return 0, classify(err)
	}
	return pos, nil
}

// ClaimQueued marca o lote como PROCESSING numa única instrução;
// SKIP LOCKED permite mais de um worker sem pegar a mesma aposta
func (p *Postgres) ClaimQueued(ctx context.Context, limit int) ([]*domain.Bet, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE bets SET processing_status = 'PROCESSING', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM bets
			WHERE processing_status = 'QUEUED'
			ORDER BY queue_position
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+betCols, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []*domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	// RETURNING não garante ordem
	sort.Slice(out, func(i, j int) bool { return out[i].QueuePosition < out[j].QueuePosition })
	return out, nil
}

func (p *Postgres) Enqueue(ctx context.Context, betID string) (int64, error) {
	var pos int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE bets SET processing_status = 'QUEUED', queue_position = nextval('bet_queue_seq'), updated_at = NOW()
		WHERE id = $1
		RETURNING queue_position`, betID).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("bet %s: %w", betID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, classify(err)
	}
	return pos, nil
}

func (p *Postgres) SetProcessingStatus(ctx context.Context, betID string, status domain.ProcessingStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE bets SET processing_status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), betID)
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("bet %s: %w", betID, domain.ErrNotFound)
	}
	return nil
}

func (p *Postgres) RequeueFailed(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE bets SET processing_status = 'QUEUED', updated_at = NOW() WHERE processing_status = 'FAILED'`)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RequeueProcessing só pega apostas paradas há mais de olderThan: as que outro worker
// acabou de reivindicar continuam com ele
func (p *Postgres) RequeueProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE bets SET processing_status = 'QUEUED', updated_at = NOW()
		WHERE processing_status = 'PROCESSING' AND updated_at < NOW() - ($1 * INTERVAL '1 millisecond')`,
		olderThan.Milliseconds())
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *Postgres) QueueStats(ctx context.Context) (QueueStats, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT processing_status, COUNT(*) FROM bets GROUP BY processing_status`)
	if err != nil {
		return QueueStats{}, classify(err)
	}
	defer rows.Close()

	var st QueueStats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return QueueStats{}, err
		}
		switch domain.ProcessingStatus(status) {
		case domain.ProcessingQueued:
			st.Queued = n
		case domain.ProcessingInProgress:
			st.Processing = n
		case domain.ProcessingProcessed:
			st.Processed = n
		case domain.ProcessingFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}

// AcquireMarketLock é um compare-and-swap numa única instrução:
// só pega o lock se estiver livre ou se o dono atual o segura além do TTL
func (p *Postgres) AcquireMarketLock(ctx context.Context, marketID, token string, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE markets
		SET locked = TRUE, lock_token = $2, locked_at = NOW()
		WHERE id = $1 AND (locked = FALSE OR locked_at IS NULL OR locked_at < NOW() - ($3 * INTERVAL '1 millisecond'))`,
		marketID, token, ttl.Milliseconds())
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`, marketID).Scan(&exists); err != nil {
		return false, classify(err)
	}
	if !exists {
		return false, fmt.Errorf("market %s: %w", marketID, domain.ErrNotFound)
	}
	return false, nil
}

// ReleaseMarketLock só libera se o token ainda for o nosso
func (p *Postgres) ReleaseMarketLock(ctx context.Context, marketID, token string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE markets SET locked = FALSE, lock_token = NULL, locked_at = NULL
		WHERE id = $1 AND lock_token = $2`, marketID, token)
	return classify(err)
}

// ReapStaleLocks libera locks abandonados (dono caiu sem liberar)
func (p *Postgres) ReapStaleLocks(ctx context.Context, ttl time.Duration) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE markets SET locked = FALSE, lock_token = NULL, locked_at = NULL
		WHERE locked = TRUE AND locked_at < NOW() - ($1 * INTERVAL '1 millisecond')`, ttl.Milliseconds())
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Ping expõe o health check do banco
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
