// Package wallet exposes the prepaid ledger. Debits clamp at zero: the caller
// is charged min(amount, balance) and the balance never goes negative.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/taralok/consult/internal/errs"
	"github.com/taralok/consult/internal/repository"
)

type Ledger struct {
	repo repository.WalletRepository
}

func NewLedger(repo repository.WalletRepository) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) Balance(ctx context.Context, identityID string) (decimal.Decimal, error) {
	balance, err := l.repo.GetBalance(ctx, identityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return decimal.Zero, errs.NotFound("wallet for identity %s not found", identityID)
		}
		return decimal.Zero, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Debit charges up to amount against the identity's balance and appends the
// ledger entry atomically. The result reports what was actually charged and
// what remains; a charge smaller than the request means the wallet ran dry.
func (l *Ledger) Debit(ctx context.Context, identityID, roomID string, amount decimal.Decimal, reason string) (*repository.DebitResult, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("debit amount must not be negative, got %s", amount)
	}
	result, err := l.repo.Debit(ctx, repository.DebitInput{
		IdentityID: identityID,
		Amount:     amount,
		Reason:     reason,
		RoomID:     roomID,
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.NotFound("wallet for identity %s not found", identityID)
		}
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}
	return result, nil
}

// CanAfford reports whether the identity's balance covers at least amount.
func (l *Ledger) CanAfford(ctx context.Context, identityID string, amount decimal.Decimal) (bool, error) {
	balance, err := l.Balance(ctx, identityID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(amount), nil
}

func (l *Ledger) History(ctx context.Context, identityID string, limit int) ([]repository.WalletEntry, error) {
	entries, err := l.repo.ListWalletEntries(ctx, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet entries: %w", err)
	}
	return entries, nil
}
