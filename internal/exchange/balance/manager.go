package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/store"
)

// Ref liga a movimentação à aposta/mercado que a originou
type Ref struct {
	BetID       string
	MarketID    string
	Description string
}

// Manager aplica todas as movimentações de saldo.
// Cada operação roda dentro da transação do chamador, valida os invariantes antes
// de alterar o usuário (update condicionado à versão) e grava exatamente um Transaction.
type Manager struct {
	now func() time.Time
}

func NewManager() *Manager {
	return &Manager{now: func() time.Time { return time.Now().UTC() }}
}

// apply é o esqueleto comum: lê, valida+muta, grava com versão, registra no ledger
func (m *Manager) apply(
	ctx context.Context,
	tx store.Tx,
	userID string,
	typ domain.TransactionType,
	amount decimal.Decimal,
	ref Ref,
	mutate func(u *domain.User) error,
) (*domain.Transaction, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%s %s: %w", typ, amount, domain.ErrInvalidAmount)
	}

	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := mutate(u); err != nil {
		return nil, err
	}
	if err := tx.UpdateUser(ctx, u); err != nil {
		return nil, err
	}

	t := &domain.Transaction{
		ID:             uuid.NewString(),
		UserID:         userID,
		Type:           typ,
		Amount:         amount,
		Status:         domain.TxStatusCompleted,
		BetID:          ref.BetID,
		MarketID:       ref.MarketID,
		Description:    ref.Description,
		BalanceAfter:   u.Balance,
		AvailableAfter: u.AvailableBalance,
		ReservedAfter:  u.ReservedBalance,
		CreatedAt:      m.now(),
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("insert %s transaction: %w", typ, err)
	}
	return t, nil
}

func requireAvailable(u *domain.User, amount decimal.Decimal) error {
	if u.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("%w: user %s available %s < %s", domain.ErrInsufficientFunds, u.ID, u.AvailableBalance, amount)
	}
	return nil
}

// ReserveForLay move a liability do disponível para o reservado (RESERVE)
func (m *Manager) ReserveForLay(ctx context.Context, tx store.Tx, userID string, liability decimal.Decimal, ref Ref) (*domain.Transaction, error) {
	return m.apply(ctx, tx, userID, domain.TxReserve, liability, ref, func(u *domain.User) error {
		if err := requireAvailable(u, liability); err != nil {
			return err
		}
		u.AvailableBalance = u.AvailableBalance.Sub(liability)
		u.ReservedBalance = u.ReservedBalance.Add(liability)
		return nil
	})
}

// DebitForBack tira o stake do saldo e do disponível (BET)
func (m *Manager) DebitForBack(ctx context.Context, tx store.Tx, userID string, stake decimal.Decimal, ref Ref) (*domain.Transaction, error) {
	return m.apply(ctx, tx, userID, domain.TxBet, stake, ref, func(u *domain.User) error {
		if err := requireAvailable(u, stake); err != nil {
			return err
		}
		if u.Balance.LessThan(stake) {
			return fmt.Errorf("%w: user %s balance %s < %s", domain.ErrInsufficientFunds, u.ID, u.Balance, stake)
		}
		u.Balance = u.Balance.Sub(stake)
		u.AvailableBalance = u.AvailableBalance.Sub(stake)
		return nil
	})
}

// ReleaseLayLiability devolve liability reservada ao disponível (RELEASE)
func (m *Manager) ReleaseLayLiability(ctx context.Context, tx store.Tx, userID string, liability decimal.Decimal, ref Ref) (*domain.Transaction, error) {
	return m.apply(ctx, tx, userID, domain.TxRelease, liability, ref, func(u *domain.User) error {
		if u.ReservedBalance.LessThan(liability) {
			return fmt.Errorf("%w: user %s reserved %s < %s", domain.ErrInsufficientFunds, u.ID, u.ReservedBalance, liability)
		}
		u.ReservedBalance = u.ReservedBalance.Sub(liability)
		u.AvailableBalance = u.AvailableBalance.Add(liability)
		return nil
	})
}

func credit(amount decimal.Decimal) func(u *domain.User) error {
	return func(u *domain.User) error {
		u.Balance = u.Balance.Add(amount)
		u.AvailableBalance = u.AvailableBalance.Add(amount)
		return nil
	}
}

// RefundBackStake devolve stake de BACK não casado (REFUND)
func (m *Manager) RefundBackStake(ctx context.Context, tx store.Tx, userID string, stake decimal.Decimal, ref Ref) (*domain.Transaction, error) {
	return m.apply(ctx, tx, userID, domain.TxRefund, stake, ref, credit(stake))
}

// PayWinnings credita o prêmio (WINNING)
func (m *Manager) PayWinnings(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, ref Ref) (*domain.Transaction, error) {
	return m.apply(ctx, tx, userID, domain.TxWinning, amount, ref, credit(amount))
}

// SettleLayLoss debita a perda casada de um LAY perdedor (BET).
// Chamado logo após liberar a liability, então o disponível já cobre o valor.
func (m *Manager) SettleLayLoss(ctx context.Context, tx store.Tx, userID string, loss decimal.Decimal, ref Ref) (*domain.Transaction, error) {
	return m.apply(ctx, tx, userID, domain.TxBet, loss, ref, func(u *domain.User) error {
		if err := requireAvailable(u, loss); err != nil {
			return err
		}
		u.Balance = u.Balance.Sub(loss)
		u.AvailableBalance = u.AvailableBalance.Sub(loss)
		return nil
	})
}

func (m *Manager) Deposit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, ref Ref) (*domain.Transaction, error) {
	return m.apply(ctx, tx, userID, domain.TxDeposit, amount, ref, credit(amount))
}

func (m *Manager) Withdraw(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, ref Ref) (*domain.Transaction, error) {
	return m.apply(ctx, tx, userID, domain.TxWithdrawal, amount, ref, func(u *domain.User) error {
		if err := requireAvailable(u, amount); err != nil {
			return err
		}
		u.Balance = u.Balance.Sub(amount)
		u.AvailableBalance = u.AvailableBalance.Sub(amount)
		return nil
	})
}

// Balance retorna a visão dos três saldos
func (m *Manager) Balance(ctx context.Context, tx store.Tx, userID string) (domain.BalanceView, error) {
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return domain.BalanceView{}, err
	}
	return domain.BalanceView{
		UserID:           u.ID,
		Balance:          u.Balance,
		AvailableBalance: u.AvailableBalance,
		ReservedBalance:  u.ReservedBalance,
	}, nil
}
