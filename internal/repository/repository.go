package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrNoRate means the provider has no rate configured for the session type.
	ErrNoRate = errors.New("no rate configured")
	// ErrDuplicatePending surfaces the one-pending-request-per-pair constraint.
	ErrDuplicatePending = errors.New("pending request already exists for pair")
	// ErrConflict surfaces the one-active-session-per-provider constraint.
	ErrConflict = errors.New("conflicting active session")
)

type CreateRequestInput struct {
	ID          string
	RequesterID string
	ProviderID  string
	SessionType SessionType
}

// TransitionRequestInput is a compare-and-set on a request's status. The
// update applies only when the row is still in From; the caller learns whether
// it won the transition and what the row looks like afterwards.
type TransitionRequestInput struct {
	RequestID string
	From      RequestStatus
	To        RequestStatus
	RoomID    string
	StartedAt *time.Time
	EndedAt   *time.Time
}

type DebitInput struct {
	IdentityID string
	Amount     decimal.Decimal
	Reason     string
	RoomID     string
}

// DebitResult reports what a clamped debit actually charged. Charged is
// min(requested, balance before the debit); Remaining never goes negative.
type DebitResult struct {
	Charged   decimal.Decimal
	Remaining decimal.Decimal
}

type InsertMessageInput struct {
	RoomID       string
	SenderID     string
	SenderRole   Role
	ReceiverID   string
	ReceiverRole Role
	Body         string
	SentAt       time.Time
}

type IdentityRepository interface {
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	SetOnline(ctx context.Context, id string, online bool) error
	SetAvailability(ctx context.Context, id string, availability Availability) error
	GetProviderRate(ctx context.Context, providerID string, sessionType SessionType) (decimal.Decimal, error)
}

type RequestRepository interface {
	CreateRequest(ctx context.Context, input CreateRequestInput) (*SessionRequest, error)
	GetRequest(ctx context.Context, id string) (*SessionRequest, error)
	GetRequestByRoom(ctx context.Context, roomID string) (*SessionRequest, error)
	// TransitionRequest performs the CAS; it returns the winning row and true,
	// or the current row and false when another transition got there first.
	TransitionRequest(ctx context.Context, input TransitionRequestInput) (*SessionRequest, bool, error)
	// HasActiveSession reports whether the provider holds an accepted request
	// whose derived session has not ended.
	HasActiveSession(ctx context.Context, providerID string) (bool, error)
	ListActiveRequests(ctx context.Context, identityID string, role Role, limit int) ([]SessionRequest, error)
	// ExpirePendingBefore moves every pending request created before the cutoff
	// to expired and returns the rows that were moved.
	ExpirePendingBefore(ctx context.Context, cutoff time.Time) ([]SessionRequest, error)
}

type WalletRepository interface {
	GetBalance(ctx context.Context, identityID string) (decimal.Decimal, error)
	// Debit atomically charges min(amount, balance) and appends the signed
	// ledger entry in the same transaction.
	Debit(ctx context.Context, input DebitInput) (*DebitResult, error)
	ListWalletEntries(ctx context.Context, identityID string, limit int) ([]WalletEntry, error)
}

type MessageRepository interface {
	InsertMessage(ctx context.Context, input InsertMessageInput) (*Message, error)
	ListMessagesByRoom(ctx context.Context, roomID string) ([]Message, error)
	// ListMessagesBetween returns the conversation between two identities
	// across every room the pair has shared, oldest first.
	ListMessagesBetween(ctx context.Context, identityA, identityB string) ([]Message, error)
	// ListCounterparts returns the distinct identities the given identity has
	// exchanged messages with.
	ListCounterparts(ctx context.Context, identityID string) ([]Identity, error)
}

type Repository interface {
	IdentityRepository
	RequestRepository
	WalletRepository
	MessageRepository
}
