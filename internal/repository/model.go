package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleUser       Role = "user"
	RoleAstrologer Role = "astrologer"
)

type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityOffline   Availability = "offline"
)

type SessionType string

const (
	SessionTypeText  SessionType = "text"
	SessionTypeAudio SessionType = "audio"
	SessionTypeVideo SessionType = "video"
)

type RequestStatus string

const (
	RequestStatusPending            RequestStatus = "pending"
	RequestStatusAccepted           RequestStatus = "accepted"
	RequestStatusRejected           RequestStatus = "rejected"
	RequestStatusCancelled          RequestStatus = "cancelled"
	RequestStatusRequesterCancelled RequestStatus = "requester_cancelled"
	RequestStatusExpired            RequestStatus = "expired"
	RequestStatusEnded              RequestStatus = "ended"
)

type Identity struct {
	ID             string
	DisplayName    string
	ProfilePicture string
	Role           Role
	Availability   Availability
	IsOnline       bool
	Balance        decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ProviderRate struct {
	ProviderID    string
	SessionType   SessionType
	RatePerMinute decimal.Decimal
}

type SessionRequest struct {
	ID          string
	RequesterID string
	ProviderID  string
	SessionType SessionType
	Status      RequestStatus
	RoomID      string
	CreatedAt   time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
}

type WalletEntry struct {
	ID         string
	IdentityID string
	Amount     decimal.Decimal
	Reason     string
	RoomID     string
	CreatedAt  time.Time
}

type Message struct {
	ID           string
	RoomID       string
	SenderID     string
	SenderRole   Role
	ReceiverID   string
	ReceiverRole Role
	Body         string
	SentAt       time.Time
}
