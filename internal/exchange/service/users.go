package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/radieske/betting-exchange/internal/exchange/balance"
	"github.com/radieske/betting-exchange/internal/exchange/domain"
	"github.com/radieske/betting-exchange/internal/exchange/store"
)

// CreateUser cria o usuário com saldos zerados; depósito inicial vira um DEPOSIT
func (x *Exchange) CreateUser(ctx context.Context, initialDeposit decimal.Decimal) (domain.BalanceView, error) {
	if initialDeposit.IsNegative() {
		return domain.BalanceView{}, domain.ErrInvalidAmount
	}
	if initialDeposit.IsPositive() {
		if err := domain.ValidateAmount(initialDeposit); err != nil {
			return domain.BalanceView{}, err
		}
	}
	now := x.now()
	u := &domain.User{
		ID:               uuid.NewString(),
		Balance:          decimal.Zero,
		AvailableBalance: decimal.Zero,
		ReservedBalance:  decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	var view domain.BalanceView
	err := x.write(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertUser(ctx, u); err != nil {
			return err
		}
		if initialDeposit.IsPositive() {
			if _, err := x.balances.Deposit(ctx, tx, u.ID, initialDeposit, balance.Ref{Description: "initial deposit"}); err != nil {
				return err
			}
		}
		var err error
		view, err = x.balances.Balance(ctx, tx, u.ID)
		return err
	})
	if err != nil {
		return domain.BalanceView{}, err
	}
	x.log.Info("user created", zap.String("user_id", u.ID), zap.String("amount", initialDeposit.String()))
	return view, nil
}

func (x *Exchange) GetUserBalance(ctx context.Context, userID string) (domain.BalanceView, error) {
	var view domain.BalanceView
	err := x.read(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		view, err = x.balances.Balance(ctx, tx, userID)
		return err
	})
	return view, err
}

func (x *Exchange) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (domain.BalanceView, error) {
	return x.moveFunds(ctx, userID, amount, x.balances.Deposit)
}

func (x *Exchange) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (domain.BalanceView, error) {
	return x.moveFunds(ctx, userID, amount, x.balances.Withdraw)
}

type fundsOp func(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal, ref balance.Ref) (*domain.Transaction, error)

func (x *Exchange) moveFunds(ctx context.Context, userID string, amount decimal.Decimal, op fundsOp) (domain.BalanceView, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return domain.BalanceView{}, err
	}
	var view domain.BalanceView
	err := x.write(ctx, func(ctx context.Context, tx store.Tx) error {
		t, err := op(ctx, tx, userID, amount, balance.Ref{})
		if err != nil {
			return err
		}
		view = domain.BalanceView{
			UserID:           userID,
			Balance:          t.BalanceAfter,
			AvailableBalance: t.AvailableAfter,
			ReservedBalance:  t.ReservedAfter,
		}
		return nil
	})
	if err != nil {
		return domain.BalanceView{}, err
	}
	return view, nil
}

// ListTransactions retorna o extrato do usuário
func (x *Exchange) ListTransactions(ctx context.Context, userID string) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	err := x.read(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListTransactions(ctx, userID)
		return err
	})
	return out, err
}
