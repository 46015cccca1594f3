package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

var betColumns = []string{
	"id", "user_id", "market_id", "selection", "type", "amount", "odds", "matched_amount", "liability",
	"potential_winnings", "status", "queue_position", "processing_status", "version", "created_at", "updated_at", "settled_at",
}

func addBetRow(rows *sqlmock.Rows, id string, pos int64) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(id, "u1", "m1", "A", "BACK", "100", "2.5", "0", "0", "250",
		"UNMATCHED", pos, "PROCESSING", 1, now, now, nil)
}

func TestPostgres_InTxCommitsAndRollsBack(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT nextval('bet_queue_seq')`)).
			WillReturnRows(sqlmock.NewRows([]string{"nextval"}).AddRow(42))
		mock.ExpectCommit()

		var pos int64
		err := p.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			pos, err = tx.NextQueuePosition(ctx)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, int64(42), pos)
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := p.InTx(ctx, func(context.Context, Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	t.Run("serialization failure on commit is transient", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})

		err := p.InTx(ctx, func(context.Context, Tx) error { return nil })
		assert.ErrorIs(t, err, domain.ErrSerializationFailure)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil))
	assert.ErrorIs(t, classify(&pq.Error{Code: "40P01"}), domain.ErrSerializationFailure)

	other := &pq.Error{Code: "23505"}
	assert.Equal(t, error(other), classify(other))
}

func TestPostgres_UpdateUser(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()
	u := &domain.User{ID: "u1", Balance: decimal.NewFromInt(100), AvailableBalance: decimal.NewFromInt(60), ReservedBalance: decimal.NewFromInt(40), Version: 3}

	update := `(?s)` + regexp.QuoteMeta(`UPDATE users`) + `.*` + regexp.QuoteMeta(`WHERE id = $5 AND version = $6`)

	mock.ExpectBegin()
	mock.ExpectExec(update).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "u1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, p.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateUser(ctx, u) }))
	assert.Equal(t, int64(4), u.Version)

	mock.ExpectBegin()
	mock.ExpectExec(update).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := p.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.UpdateUser(ctx, u) })
	assert.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, int64(4), u.Version)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMarket(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM markets WHERE id=$1`)).
		WithArgs("m1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_id", "name", "selections", "status", "locked", "locked_at", "lock_token", "version",
			"winning_selection", "settled_at", "created_at", "updated_at",
		}).AddRow("m1", "e1", "Match Odds", "{HOME,DRAW,AWAY}", "OPEN", false, nil, nil, 2, nil, nil, now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM markets WHERE id=$1`)).
		WithArgs("m2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := p.InTx(ctx, func(ctx context.Context, tx Tx) error {
		m, err := tx.GetMarket(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, []string{"HOME", "DRAW", "AWAY"}, m.Selections)
		assert.Equal(t, domain.MarketOpen, m.Status)
		assert.Nil(t, m.LockedAt)
		assert.Equal(t, "", m.WinningSelection)
		assert.Equal(t, int64(2), m.Version)

		_, err = tx.GetMarket(ctx, "m2")
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildBetQuery(t *testing.T) {
	q, args := buildBetQuery(BetFilter{
		MarketID:      "m1",
		Selection:     "A",
		Type:          domain.BetLay,
		ExcludeUserID: "u1",
		Statuses:      []domain.BetStatus{domain.BetUnmatched, domain.BetPartiallyMatched},
	})
	assert.Contains(t, q, "WHERE market_id = $1 AND selection = $2 AND type = $3 AND user_id <> $4 AND status = ANY($5)")
	assert.Contains(t, q, "ORDER BY created_at, queue_position")
	require.Len(t, args, 5)
	assert.Equal(t, "LAY", args[2])

	q, args = buildBetQuery(BetFilter{})
	assert.NotContains(t, q, "WHERE")
	assert.Empty(t, args)
}

func TestPostgres_ClaimQueuedSortsByPosition(t *testing.T) {
	p, mock := newMockPostgres(t)

	rows := sqlmock.NewRows(betColumns)
	addBetRow(rows, "b3", 3)
	addBetRow(rows, "b1", 1)
	addBetRow(rows, "b2", 2)

	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE SKIP LOCKED`)).
		WithArgs(10).
		WillReturnRows(rows)

	bets, err := p.ClaimQueued(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, bets, 3)
	assert.Equal(t, "b1", bets[0].ID)
	assert.Equal(t, "b3", bets[2].ID)
	assert.True(t, bets[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, domain.ProcessingInProgress, bets[0].ProcessingStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_QueueStats(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`GROUP BY processing_status`)).
		WillReturnRows(sqlmock.NewRows([]string{"processing_status", "count"}).
			AddRow("QUEUED", 4).
			AddRow("FAILED", 1).
			AddRow("PROCESSED", 9))

	st, err := p.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Queued: 4, Processed: 9, Failed: 1}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AcquireMarketLock(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()
	acquire := `(?s)` + regexp.QuoteMeta(`UPDATE markets`) + `.*` + regexp.QuoteMeta(`SET locked = TRUE`)
	exists := regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`)

	t.Run("free", func(t *testing.T) {
		mock.ExpectExec(acquire).WithArgs("m1", "tok", int64(30000)).WillReturnResult(sqlmock.NewResult(0, 1))

		ok, err := p.AcquireMarketLock(ctx, "m1", "tok", 30*time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("held", func(t *testing.T) {
		mock.ExpectExec(acquire).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("m1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		ok, err := p.AcquireMarketLock(ctx, "m1", "tok2", 30*time.Second)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown market", func(t *testing.T) {
		mock.ExpectExec(acquire).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("zz").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, err := p.AcquireMarketLock(ctx, "zz", "tok", 30*time.Second)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ReleaseAndReap(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`WHERE id = $1 AND lock_token = $2`)).
		WithArgs("m1", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`WHERE locked = TRUE AND locked_at <`)).
		WithArgs(int64(30000)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, p.ReleaseMarketLock(ctx, "m1", "tok"))
	n, err := p.ReapStaleLocks(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RequeueProcessingOnlyStale(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`WHERE processing_status = 'PROCESSING' AND updated_at < NOW() - ($1 * INTERVAL '1 millisecond')`)).
		WithArgs(int64(110000)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`WHERE processing_status = 'FAILED'`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := p.RequeueProcessing(ctx, 110*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = p.RequeueFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Enqueue(t *testing.T) {
	p, mock := newMockPostgres(t)
	ctx := context.Background()
	enqueue := regexp.QuoteMeta(`queue_position = nextval('bet_queue_seq')`)

	mock.ExpectQuery(enqueue).WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"queue_position"}).AddRow(17))
	mock.ExpectQuery(enqueue).WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	pos, err := p.Enqueue(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(17), pos)

	_, err = p.Enqueue(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
