// Package broker creates, matches and resolves consultation session requests.
// Every status mutation is a compare-and-set against the current row, so two
// racing resolutions can only produce one winner; the loser is told the state
// the winner reached.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/taralok/consult/internal/billing"
	"github.com/taralok/consult/internal/errs"
	"github.com/taralok/consult/internal/media"
	"github.com/taralok/consult/internal/notify"
	"github.com/taralok/consult/internal/presence"
	"github.com/taralok/consult/internal/realtime"
	"github.com/taralok/consult/internal/repository"
	"github.com/taralok/consult/internal/wallet"
)

const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
)

type Broker struct {
	repo       repository.Repository
	ledger     *wallet.Ledger
	dispatcher *notify.Dispatcher
	presence   *presence.Registry
	engine     *billing.Engine
	issuer     media.Issuer
	timeout    time.Duration
	now        func() time.Time
}

func NewBroker(
	repo repository.Repository,
	ledger *wallet.Ledger,
	dispatcher *notify.Dispatcher,
	reg *presence.Registry,
	engine *billing.Engine,
	issuer media.Issuer,
	requestTimeout time.Duration,
) *Broker {
	return &Broker{
		repo:       repo,
		ledger:     ledger,
		dispatcher: dispatcher,
		presence:   reg,
		engine:     engine,
		issuer:     issuer,
		timeout:    requestTimeout,
		now:        time.Now,
	}
}

type CreateRequestInput struct {
	RequesterID string
	ProviderID  string
	SessionType repository.SessionType
}

func isCallType(t repository.SessionType) bool {
	return t == repository.SessionTypeAudio || t == repository.SessionTypeVideo
}

func channelNameFor(requestID string) string {
	return "channel_" + requestID
}

// CreateRequest validates availability and funds, persists the pending
// request and notifies both sides. Audio/video requests additionally carry
// media channel credentials for each party.
func (b *Broker) CreateRequest(ctx context.Context, input CreateRequestInput) (*repository.SessionRequest, error) {
	requester, err := b.repo.GetIdentity(ctx, input.RequesterID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.NotFound("user %s not found", input.RequesterID)
		}
		return nil, fmt.Errorf("failed to load requester: %w", err)
	}
	provider, err := b.repo.GetIdentity(ctx, input.ProviderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.NotFound("astrologer %s not found", input.ProviderID)
		}
		return nil, fmt.Errorf("failed to load provider: %w", err)
	}
	if provider.Role != repository.RoleAstrologer {
		return nil, errs.NotFound("astrologer %s not found", input.ProviderID)
	}
	if provider.Availability != repository.AvailabilityAvailable {
		return nil, errs.Unavailable("astrologer is currently %s", provider.Availability)
	}
	if !b.presence.Online(provider.ID) {
		return nil, errs.Unavailable("astrologer is not online")
	}

	rate, err := b.repo.GetProviderRate(ctx, provider.ID, input.SessionType)
	if err != nil {
		if errors.Is(err, repository.ErrNoRate) {
			return nil, errs.Unavailable("astrologer offers no %s sessions", input.SessionType)
		}
		return nil, fmt.Errorf("failed to look up rate: %w", err)
	}
	affordable, err := b.ledger.CanAfford(ctx, requester.ID, rate)
	if err != nil {
		return nil, err
	}
	if !affordable {
		return nil, errs.InsufficientFunds("balance does not cover one minute at rate %s", rate)
	}

	req, err := b.repo.CreateRequest(ctx, repository.CreateRequestInput{
		ID:          uuid.NewString(),
		RequesterID: requester.ID,
		ProviderID:  provider.ID,
		SessionType: input.SessionType,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicatePending) {
			return nil, errs.AlreadyResolved(string(repository.RequestStatusPending))
		}
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	slog.Info("session request created", "request_id", req.ID,
		"requester_id", requester.ID, "provider_id", provider.ID, "session_type", input.SessionType)

	incoming := realtime.IncomingRequestPayload{
		RequestID:      req.ID,
		RequesterID:    requester.ID,
		SessionType:    string(req.SessionType),
		Name:           requester.DisplayName,
		ProfilePicture: requester.ProfilePicture,
	}
	ack := realtime.RequestAckPayload{
		RequestID:   req.ID,
		ProviderID:  provider.ID,
		SessionType: string(req.SessionType),
	}

	if isCallType(req.SessionType) {
		channel := channelNameFor(req.ID)
		providerCreds, err := b.issuer.IssueCredentials(channel, provider.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to issue provider credentials: %w", err)
		}
		requesterCreds, err := b.issuer.IssueCredentials(channel, requester.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to issue requester credentials: %w", err)
		}
		incoming.Media = providerCreds
		b.dispatcher.Notify(provider.ID, realtime.EventCallRequestFromUser, incoming)
		b.dispatcher.Notify(requester.ID, realtime.EventCallDetails, realtime.AcceptedPayload{Media: requesterCreds})
	} else {
		b.dispatcher.Notify(provider.ID, realtime.EventChatRequestFromUser, incoming)
	}
	b.dispatcher.Notify(requester.ID, realtime.EventChatRequestSuccess, ack)
	return req, nil
}

// Respond resolves a pending request with the provider's decision. On
// acceptance both parties must still be live: if the requester's connection
// dropped between request and acceptance the match is rolled back to expired
// and provider availability is reverted.
func (b *Broker) Respond(ctx context.Context, requestID, decision string) error {
	req, err := b.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return errs.NotFound("request %s not found", requestID)
		}
		return fmt.Errorf("failed to load request: %w", err)
	}
	if req.Status != repository.RequestStatusPending {
		return errs.AlreadyResolved(string(req.Status))
	}

	switch decision {
	case DecisionRejected:
		return b.reject(ctx, req)
	case DecisionAccepted:
		return b.accept(ctx, req)
	default:
		return errs.NotFound("unknown decision %q", decision)
	}
}

// cas guards every status mutation with the transition table before handing
// it to the repository's compare-and-set.
func (b *Broker) cas(ctx context.Context, input repository.TransitionRequestInput) (*repository.SessionRequest, bool, error) {
	if !canTransition(input.From, input.To) {
		return nil, false, fmt.Errorf("illegal transition %s -> %s", input.From, input.To)
	}
	return b.repo.TransitionRequest(ctx, input)
}

func (b *Broker) reject(ctx context.Context, req *repository.SessionRequest) error {
	current, won, err := b.cas(ctx, repository.TransitionRequestInput{
		RequestID: req.ID,
		From:      repository.RequestStatusPending,
		To:        repository.RequestStatusRejected,
	})
	if err != nil {
		return fmt.Errorf("failed to reject request: %w", err)
	}
	if !won {
		return errs.AlreadyResolved(string(current.Status))
	}
	slog.Info("session request rejected", "request_id", req.ID, "provider_id", req.ProviderID)

	// A rejection always reverts a speculative busy flag, provided no other
	// session actually holds the provider.
	provider, err := b.repo.GetIdentity(ctx, req.ProviderID)
	if err == nil && provider.Availability == repository.AvailabilityBusy {
		active, err := b.repo.HasActiveSession(ctx, req.ProviderID)
		if err == nil && !active {
			if err := b.repo.SetAvailability(ctx, req.ProviderID, repository.AvailabilityAvailable); err != nil {
				slog.Error("failed to revert provider availability", "provider_id", req.ProviderID, "error", err)
			}
		}
	}

	event := realtime.EventChatRejected
	if isCallType(req.SessionType) {
		event = realtime.EventCallRejected
	}
	b.dispatcher.Notify(req.RequesterID, event, realtime.RequestResolvedPayload{
		RequestID: req.ID,
		Status:    string(repository.RequestStatusRejected),
	})
	return nil
}

func (b *Broker) accept(ctx context.Context, req *repository.SessionRequest) error {
	rate, err := b.repo.GetProviderRate(ctx, req.ProviderID, req.SessionType)
	if err != nil {
		if errors.Is(err, repository.ErrNoRate) {
			return errs.Unavailable("astrologer offers no %s sessions", req.SessionType)
		}
		return fmt.Errorf("failed to look up rate: %w", err)
	}

	roomID := fmt.Sprintf("room_%s_%s", req.RequesterID, req.ProviderID)
	startedAt := b.now()
	current, won, err := b.cas(ctx, repository.TransitionRequestInput{
		RequestID: req.ID,
		From:      repository.RequestStatusPending,
		To:        repository.RequestStatusAccepted,
		RoomID:    roomID,
		StartedAt: &startedAt,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return errs.Unavailable("astrologer already has an active session")
		}
		return fmt.Errorf("failed to accept request: %w", err)
	}
	if !won {
		return errs.AlreadyResolved(string(current.Status))
	}

	if err := b.repo.SetAvailability(ctx, req.ProviderID, repository.AvailabilityBusy); err != nil {
		slog.Error("failed to mark provider busy", "provider_id", req.ProviderID, "error", err)
	}

	// An accepted match requires both parties live at hand-off time.
	if !b.presence.Online(req.RequesterID) {
		return b.rollbackAcceptance(ctx, req)
	}

	acceptedEvent := realtime.EventChatAccepted
	requesterPayload := realtime.AcceptedPayload{RoomID: roomID}
	providerPayload := realtime.AcceptedPayload{RoomID: roomID}
	if isCallType(req.SessionType) {
		acceptedEvent = realtime.EventCallAccepted
		channel := channelNameFor(req.ID)
		if creds, err := b.issuer.IssueCredentials(channel, req.RequesterID); err == nil {
			requesterPayload.Media = creds
		}
		if creds, err := b.issuer.IssueCredentials(channel, req.ProviderID); err == nil {
			providerPayload.Media = creds
		}
	}
	b.dispatcher.Notify(req.RequesterID, acceptedEvent, requesterPayload)
	b.dispatcher.Notify(req.ProviderID, acceptedEvent, providerPayload)

	slog.Info("session request accepted", "request_id", req.ID, "room_id", roomID)
	return b.engine.Start(billing.StartInput{
		RoomID:        roomID,
		RequestID:     req.ID,
		SessionType:   req.SessionType,
		RequesterID:   req.RequesterID,
		ProviderID:    req.ProviderID,
		RatePerMinute: rate,
	})
}

func (b *Broker) rollbackAcceptance(ctx context.Context, req *repository.SessionRequest) error {
	slog.Warn("requester offline at hand-off, rolling back acceptance", "request_id", req.ID)
	if err := b.repo.SetAvailability(ctx, req.ProviderID, repository.AvailabilityAvailable); err != nil {
		slog.Error("failed to revert provider availability", "provider_id", req.ProviderID, "error", err)
	}
	if _, _, err := b.cas(ctx, repository.TransitionRequestInput{
		RequestID: req.ID,
		From:      repository.RequestStatusAccepted,
		To:        repository.RequestStatusExpired,
	}); err != nil {
		return fmt.Errorf("failed to expire request: %w", err)
	}
	b.dispatcher.Notify(req.ProviderID, realtime.EventChatRequestExpired, realtime.RequestResolvedPayload{
		RequestID: req.ID,
		Status:    string(repository.RequestStatusExpired),
		Message:   "user is not online, session cannot be started",
	})
	return nil
}

// CancelByRequester moves a pending request to requester_cancelled. Only the
// original requester may cancel.
func (b *Broker) CancelByRequester(ctx context.Context, requestID, callerID string) error {
	req, err := b.cancellable(ctx, requestID, callerID)
	if err != nil {
		return err
	}
	current, won, err := b.cas(ctx, repository.TransitionRequestInput{
		RequestID: req.ID,
		From:      repository.RequestStatusPending,
		To:        repository.RequestStatusRequesterCancelled,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}
	if !won {
		return errs.AlreadyResolved(string(current.Status))
	}
	slog.Info("session request cancelled by requester", "request_id", req.ID)

	b.dispatcher.Notify(req.ProviderID, realtime.EventChatCancelledByUser, realtime.RequestResolvedPayload{
		RequestID: req.ID,
		Status:    string(repository.RequestStatusRequesterCancelled),
		Message:   "user cancelled the request",
	})
	b.dispatcher.Notify(req.RequesterID, realtime.EventChatCancelledOK, realtime.RequestResolvedPayload{
		RequestID: req.ID,
		Status:    string(repository.RequestStatusRequesterCancelled),
	})
	return nil
}

// CancelOnBehalf moves a pending request to cancelled for an authorized
// caller acting for the requester; authorization is still equality against
// the recorded requester id.
func (b *Broker) CancelOnBehalf(ctx context.Context, requestID, callerID, requestType string) error {
	req, err := b.cancellable(ctx, requestID, callerID)
	if err != nil {
		return err
	}
	current, won, err := b.cas(ctx, repository.TransitionRequestInput{
		RequestID: req.ID,
		From:      repository.RequestStatusPending,
		To:        repository.RequestStatusCancelled,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel request: %w", err)
	}
	if !won {
		return errs.AlreadyResolved(string(current.Status))
	}
	slog.Info("session request cancelled", "request_id", req.ID, "request_type", requestType)

	b.dispatcher.Notify(req.ProviderID, realtime.EventRequestCancelled, realtime.RequestResolvedPayload{
		RequestID: req.ID,
		Status:    string(repository.RequestStatusCancelled),
		Message:   fmt.Sprintf("user cancelled the %s request", requestType),
	})
	b.dispatcher.Notify(req.RequesterID, realtime.EventRequestCancelledOK, realtime.RequestResolvedPayload{
		RequestID: req.ID,
		Status:    string(repository.RequestStatusCancelled),
	})
	return nil
}

func (b *Broker) cancellable(ctx context.Context, requestID, callerID string) (*repository.SessionRequest, error) {
	req, err := b.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.NotFound("request %s not found", requestID)
		}
		return nil, fmt.Errorf("failed to load request: %w", err)
	}
	if req.RequesterID != callerID {
		return nil, errs.Unauthorized("caller is not the requester of this request")
	}
	if req.Status != repository.RequestStatusPending {
		return nil, errs.AlreadyResolved(string(req.Status))
	}
	return req, nil
}

// RunExpiry sweeps pending requests past the configured timeout until the
// context is cancelled, so providers who went away mid-flow do not hold
// requesters hostage.
func (b *Broker) RunExpiry(ctx context.Context) {
	sweep := b.timeout / 4
	if sweep < time.Second {
		sweep = time.Second
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	slog.Info("request expiry sweeper started", "timeout", b.timeout.String(), "sweep_interval", sweep.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("request expiry sweeper stopped")
			return
		case <-ticker.C:
			b.expireStale(ctx)
		}
	}
}

func (b *Broker) expireStale(ctx context.Context) {
	cutoff := b.now().Add(-b.timeout)
	expired, err := b.repo.ExpirePendingBefore(ctx, cutoff)
	if err != nil {
		slog.Error("failed to expire stale requests", "error", err)
		return
	}
	for _, req := range expired {
		slog.Info("session request expired", "request_id", req.ID, "created_at", req.CreatedAt)
		payload := realtime.RequestResolvedPayload{
			RequestID: req.ID,
			Status:    string(repository.RequestStatusExpired),
			Message:   "request timed out without a response",
		}
		b.dispatcher.Notify(req.RequesterID, realtime.EventChatRequestExpired, payload)
		b.dispatcher.Notify(req.ProviderID, realtime.EventChatRequestExpired, payload)
	}
}
