package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radieske/betting-exchange/internal/exchange/balance"
	"github.com/radieske/betting-exchange/internal/exchange/concurrency"
	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/matching"
	"github.com/radieske/betting-exchange/internal/exchange/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	t        *testing.T
	ctx      context.Context
	mem      *store.Memory
	balances *balance.Manager
	matcher  *matching.Engine
	engine   *Engine
	seq      int
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"alice", "bob", "carol"} {
			if err := tx.InsertUser(ctx, &domain.User{ID: id, Balance: d("1000"), AvailableBalance: d("1000")}); err != nil {
				return err
			}
		}
		return tx.InsertMarket(ctx, &domain.Market{ID: "m1", Selections: []string{"Team X", "Team Y"}, Status: domain.MarketOpen})
	}))

	bm := balance.NewManager()
	retrier := concurrency.NewRetrier(3, time.Millisecond, nil)
	return &fixture{
		t:        t,
		ctx:      ctx,
		mem:      mem,
		balances: bm,
		matcher:  matching.NewEngine(mem, concurrency.NewStoreLocker(mem, time.Minute), retrier, bm, nil),
		engine:   NewEngine(mem, retrier, bm, nil),
		clock:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

// place faz o que a colocação faz com o saldo (debita BACK, reserva LAY) e grava a aposta
func (f *fixture) place(user string, typ domain.BetType, selection, amount, odds string) string {
	f.t.Helper()
	f.seq++
	f.clock = f.clock.Add(time.Second)
	b := &domain.Bet{
		ID:            fmt.Sprintf("bet-%d", f.seq),
		UserID:        user,
		MarketID:      "m1",
		Selection:     selection,
		Type:          typ,
		Amount:        d(amount),
		Odds:          d(odds),
		MatchedAmount: decimal.Zero,
		Status:        domain.BetUnmatched,
		CreatedAt:     f.clock,
	}
	require.NoError(f.t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		ref := balance.Ref{BetID: b.ID, MarketID: b.MarketID}
		if typ == domain.BetLay {
			b.Liability = domain.LayLiability(b.Amount, b.Odds)
			if _, err := f.balances.ReserveForLay(ctx, tx, user, b.Liability, ref); err != nil {
				return err
			}
		} else if _, err := f.balances.DebitForBack(ctx, tx, user, b.Amount, ref); err != nil {
			return err
		}
		return tx.InsertBet(ctx, b)
	}))
	return b.ID
}

func (f *fixture) match(betID string) {
	f.t.Helper()
	_, err := f.matcher.MatchBet(f.ctx, betID)
	require.NoError(f.t, err)
}

func (f *fixture) user(id string) domain.User {
	f.t.Helper()
	var u *domain.User
	require.NoError(f.t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		u, err = tx.GetUser(ctx, id)
		return err
	}))
	return *u
}

func (f *fixture) bet(id string) domain.Bet {
	f.t.Helper()
	var b *domain.Bet
	require.NoError(f.t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = tx.GetBet(ctx, id)
		return err
	}))
	return *b
}

func (f *fixture) transactions(userID string) []*domain.Transaction {
	f.t.Helper()
	var out []*domain.Transaction
	require.NoError(f.t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListTransactions(ctx, userID)
		return err
	}))
	return out
}

func (f *fixture) total() decimal.Decimal {
	sum := decimal.Zero
	for _, id := range []string{"alice", "bob", "carol"} {
		sum = sum.Add(f.user(id).Balance)
	}
	return sum
}

// soma de saldos + stakes de BACK ainda em jogo; só depósito/saque mudam esse total
func (f *fixture) systemTotal() decimal.Decimal {
	sum := f.total()
	require.NoError(f.t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		bets, err := tx.ListBets(ctx, store.BetFilter{MarketID: "m1", Type: domain.BetBack})
		if err != nil {
			return err
		}
		for _, b := range bets {
			if b.Status.Open() || b.Status == domain.BetFullyMatched {
				sum = sum.Add(b.Amount)
			}
		}
		return nil
	}))
	return sum
}

func TestSettleMarket_PayoutScenario(t *testing.T) {
	f := newFixture(t)
	back := f.place("alice", domain.BetBack, "Team X", "100", "2.0")
	lay := f.place("bob", domain.BetLay, "Team X", "100", "2.0")
	f.match(lay)

	n, err := f.engine.SettleMarket(f.ctx, "m1", "Team X")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	alice, bob := f.user("alice"), f.user("bob")
	assert.True(t, alice.Balance.Equal(d("1100")), alice.Balance.String())
	assert.True(t, alice.AvailableBalance.Equal(d("1100")))
	assert.True(t, bob.Balance.Equal(d("900")), bob.Balance.String())
	assert.True(t, bob.AvailableBalance.Equal(d("900")))
	assert.True(t, bob.ReservedBalance.IsZero())

	assert.Equal(t, domain.BetWon, f.bet(back).Status)
	assert.Equal(t, domain.BetLost, f.bet(lay).Status)
	assert.NotNil(t, f.bet(back).SettledAt)
	assert.True(t, f.bet(lay).Liability.IsZero())

	aliceTxs := f.transactions("alice")
	last := aliceTxs[len(aliceTxs)-1]
	assert.Equal(t, domain.TxWinning, last.Type)
	assert.True(t, last.Amount.Equal(d("200")))

	bobTxs := f.transactions("bob")
	require.Len(t, bobTxs, 3)
	assert.Equal(t, domain.TxRelease, bobTxs[1].Type)
	assert.True(t, bobTxs[1].Amount.Equal(d("100")))
	assert.Equal(t, domain.TxBet, bobTxs[2].Type)
	assert.True(t, bobTxs[2].Amount.Equal(d("100")))

	var market *domain.Market
	require.NoError(t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		market, err = tx.GetMarket(ctx, "m1")
		return err
	}))
	assert.Equal(t, domain.MarketSettled, market.Status)
	assert.Equal(t, "Team X", market.WinningSelection)
	assert.True(t, f.total().Equal(d("3000")))
}

func TestSettleMarket_LayWins(t *testing.T) {
	f := newFixture(t)
	back := f.place("alice", domain.BetBack, "Team X", "100", "3.0")
	lay := f.place("bob", domain.BetLay, "Team X", "100", "3.0")
	f.match(back)

	_, err := f.engine.SettleMarket(f.ctx, "m1", "Team Y")
	require.NoError(t, err)

	assert.Equal(t, domain.BetLost, f.bet(back).Status)
	assert.Equal(t, domain.BetWon, f.bet(lay).Status)
	alice, bob := f.user("alice"), f.user("bob")
	assert.True(t, alice.Balance.Equal(d("900")), alice.Balance.String())
	assert.True(t, bob.Balance.Equal(d("1100")), bob.Balance.String())
	assert.True(t, bob.AvailableBalance.Equal(d("1100")))
	assert.True(t, bob.ReservedBalance.IsZero())
}

func TestSettleMarket_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.place("alice", domain.BetBack, "Team X", "100", "2.0")
	lay := f.place("bob", domain.BetLay, "Team X", "100", "2.0")
	f.match(lay)

	_, err := f.engine.SettleMarket(f.ctx, "m1", "Team X")
	require.NoError(t, err)
	before := []domain.User{f.user("alice"), f.user("bob")}
	txsBefore := len(f.transactions("alice")) + len(f.transactions("bob"))

	_, err = f.engine.SettleMarket(f.ctx, "m1", "Team X")
	assert.ErrorIs(t, err, domain.ErrMarketAlreadySettled)
	_, err = f.engine.SettleMarket(f.ctx, "m1", "Team Y")
	assert.ErrorIs(t, err, domain.ErrMarketAlreadySettled)

	assert.Equal(t, before, []domain.User{f.user("alice"), f.user("bob")})
	assert.Equal(t, txsBefore, len(f.transactions("alice"))+len(f.transactions("bob")))
}

func TestSettleMarket_ReturnsUnmatched(t *testing.T) {
	f := newFixture(t)
	back := f.place("alice", domain.BetBack, "Team X", "100", "2.0")
	lay := f.place("bob", domain.BetLay, "Team X", "40", "2.0")
	f.match(lay)
	idleBack := f.place("carol", domain.BetBack, "Team Y", "50", "4.0")
	idleLay := f.place("carol", domain.BetLay, "Team X", "10", "1.5")
	start := f.systemTotal()

	res, err := f.engine.Settle(f.ctx, "m1", "Team X")
	require.NoError(t, err)
	assert.Equal(t, 2, res.SettledCount)
	assert.Equal(t, 2, res.CancelledCount)

	// 60 não casados devolvidos + 40 × 2.0 de prêmio
	assert.True(t, f.user("alice").Balance.Equal(d("1040")), f.user("alice").Balance.String())
	assert.Equal(t, domain.BetWon, f.bet(back).Status)
	assert.True(t, f.user("bob").Balance.Equal(d("960")))

	carol := f.user("carol")
	assert.True(t, carol.Balance.Equal(d("1000")))
	assert.True(t, carol.AvailableBalance.Equal(d("1000")))
	assert.True(t, carol.ReservedBalance.IsZero())
	assert.Equal(t, domain.BetCancelled, f.bet(idleBack).Status)
	assert.Equal(t, domain.BetCancelled, f.bet(idleLay).Status)

	assert.True(t, start.Equal(f.total()), "%s != %s", start, f.total())
}

func TestSettleMarket_CancelledWithMatchedPart(t *testing.T) {
	f := newFixture(t)
	lay := f.place("bob", domain.BetLay, "Team X", "100", "2.0")
	back := f.place("alice", domain.BetBack, "Team X", "30", "2.0")
	f.match(back)

	// cancelamento do restante do lay: libera 70 × (2.0 − 1)
	require.NoError(t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBet(ctx, lay)
		if err != nil {
			return err
		}
		release := domain.LayLiability(b.Remaining(), b.Odds)
		if _, err := f.balances.ReleaseLayLiability(ctx, tx, b.UserID, release, balance.Ref{BetID: b.ID}); err != nil {
			return err
		}
		b.Liability = b.Liability.Sub(release)
		b.Status = domain.BetCancelled
		return tx.UpdateBet(ctx, b)
	}))

	res, err := f.engine.Settle(f.ctx, "m1", "Team X")
	require.NoError(t, err)
	// só o back FULLY_MATCHED conta; o lay cancelado é pago à parte
	assert.Equal(t, 1, res.SettledCount)
	assert.Equal(t, 1, res.SettledCancelledCount)
	assert.Zero(t, res.CancelledCount)
	assert.Equal(t, domain.BetLost, f.bet(lay).Status)

	bob := f.user("bob")
	assert.True(t, bob.Balance.Equal(d("970")), bob.Balance.String())
	assert.True(t, bob.ReservedBalance.IsZero())
	assert.True(t, f.user("alice").Balance.Equal(d("1030")))
}

func TestSettleMarket_LayToppedUpAtExecution(t *testing.T) {
	f := newFixture(t)
	f.place("alice", domain.BetBack, "Team X", "100", "2.5")
	lay := f.place("bob", domain.BetLay, "Team X", "100", "2.0")
	f.match(lay)
	require.True(t, f.user("bob").ReservedBalance.Equal(d("150")))

	_, err := f.engine.SettleMarket(f.ctx, "m1", "Team X")
	require.NoError(t, err)

	bob := f.user("bob")
	assert.True(t, bob.Balance.Equal(d("850")), bob.Balance.String())
	assert.True(t, bob.ReservedBalance.IsZero())
	assert.True(t, f.user("alice").Balance.Equal(d("1150")))
	assert.True(t, f.total().Equal(d("3000")))
}

func TestSettleMarket_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SettleMarket(f.ctx, "m1", "Team Z")
	assert.ErrorIs(t, err, domain.ErrInvalidSelection)

	_, err = f.engine.SettleMarket(f.ctx, "nope", "Team X")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMarket(ctx, "m1")
		if err != nil {
			return err
		}
		m.Status = domain.MarketCancelled
		return tx.UpdateMarket(ctx, m)
	}))
	_, err = f.engine.SettleMarket(f.ctx, "m1", "Team X")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestSettleMarket_SuspendedMarketKeepsOrdersUntilSettled(t *testing.T) {
	f := newFixture(t)
	back := f.place("alice", domain.BetBack, "Team X", "100", "2.0")
	require.NoError(t, f.mem.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMarket(ctx, "m1")
		if err != nil {
			return err
		}
		m.Status = domain.MarketSuspended
		return tx.UpdateMarket(ctx, m)
	}))
	assert.Equal(t, domain.BetUnmatched, f.bet(back).Status)

	var settled []Result
	f.engine.OnSettled = func(res Result) { settled = append(settled, res) }
	n, err := f.engine.SettleMarket(f.ctx, "m1", "Team X")
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, settled, 1)
	assert.Equal(t, 1, settled[0].CancelledCount)
	assert.True(t, f.user("alice").Balance.Equal(d("1000")))
}

func TestVoidMarket_ReturnsEverything(t *testing.T) {
	f := newFixture(t)
	back := f.place("alice", domain.BetBack, "Team X", "100", "2.5")
	lay := f.place("bob", domain.BetLay, "Team X", "60", "2.0")
	f.match(lay)
	idle := f.place("carol", domain.BetLay, "Team Y", "10", "3.0")

	n, err := f.engine.VoidMarket(f.ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"alice", "bob", "carol"} {
		u := f.user(id)
		assert.True(t, u.Balance.Equal(d("1000")), "%s balance %s", id, u.Balance)
		assert.True(t, u.AvailableBalance.Equal(d("1000")), "%s available %s", id, u.AvailableBalance)
		assert.True(t, u.ReservedBalance.IsZero(), id)
	}
	for _, id := range []string{back, lay, idle} {
		assert.Equal(t, domain.BetCancelled, f.bet(id).Status)
	}

	_, err = f.engine.VoidMarket(f.ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = f.engine.SettleMarket(f.ctx, "m1", "Team X")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestVoidMarket_SettledMarket(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.SettleMarket(f.ctx, "m1", "Team X")
	require.NoError(t, err)

	_, err = f.engine.VoidMarket(f.ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrMarketAlreadySettled)
}
