// Package billing owns the per-session meter: one timer per room, pro-rated
// wallet debits per tick, pause/resume, and idempotent teardown.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/taralok/consult/internal/errs"
	"github.com/taralok/consult/internal/notify"
	"github.com/taralok/consult/internal/presence"
	"github.com/taralok/consult/internal/realtime"
	"github.com/taralok/consult/internal/repository"
	"github.com/taralok/consult/internal/wallet"
)

type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

var secondsPerMinute = decimal.NewFromInt(60)

type StartInput struct {
	RoomID        string
	RequestID     string
	SessionType   repository.SessionType
	RequesterID   string
	ProviderID    string
	RatePerMinute decimal.Decimal
}

type Engine struct {
	tick       time.Duration
	ledger     *wallet.Ledger
	repo       repository.Repository
	dispatcher *notify.Dispatcher
	presence   *presence.Registry
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*meter
}

// meter is the billing-bearing runtime object for one room. Its mutex
// serializes ticks against pause/resume/end arriving from socket events, so
// a tick is never observed mid-update.
type meter struct {
	mu            sync.Mutex
	roomID        string
	requestID     string
	sessionType   repository.SessionType
	requesterID   string
	providerID    string
	rate          decimal.Decimal
	state         State
	lastTick      time.Time
	billedSeconds int64
	accumulated   decimal.Decimal
	cancel        context.CancelFunc
}

func NewEngine(tick time.Duration, ledger *wallet.Ledger, repo repository.Repository, dispatcher *notify.Dispatcher, reg *presence.Registry) *Engine {
	return &Engine{
		tick:       tick,
		ledger:     ledger,
		repo:       repo,
		dispatcher: dispatcher,
		presence:   reg,
		now:        time.Now,
		sessions:   make(map[string]*meter),
	}
}

// Start allocates the meter for an accepted request and begins ticking.
func (e *Engine) Start(input StartInput) error {
	e.mu.Lock()
	if _, exists := e.sessions[input.RoomID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("billing already running for room %s", input.RoomID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &meter{
		roomID:      input.RoomID,
		requestID:   input.RequestID,
		sessionType: input.SessionType,
		requesterID: input.RequesterID,
		providerID:  input.ProviderID,
		rate:        input.RatePerMinute,
		state:       StateRunning,
		lastTick:    e.now(),
		accumulated: decimal.Zero,
		cancel:      cancel,
	}
	e.sessions[input.RoomID] = m
	e.mu.Unlock()

	slog.Info("billing started", "room_id", input.RoomID, "request_id", input.RequestID, "rate_per_minute", input.RatePerMinute.String())
	go e.run(ctx, m)
	return nil
}

func (e *Engine) run(ctx context.Context, m *meter) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tickRoom(m)
		}
	}
}

// tickRoom charges the elapsed interval for a running meter. When the debit
// comes back short the wallet is exhausted and the session is torn down with
// reason insufficient_funds, charging only what was left.
func (e *Engine) tickRoom(m *meter) {
	m.mu.Lock()

	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}
	now := e.now()
	elapsed := now.Sub(m.lastTick)
	if elapsed <= 0 {
		m.mu.Unlock()
		return
	}
	delta := m.rate.Mul(decimal.NewFromFloat(elapsed.Seconds())).Div(secondsPerMinute)

	result, err := e.ledger.Debit(context.Background(), m.requesterID, m.roomID, delta, "session charge")
	if err != nil {
		slog.Error("billing debit failed, force-ending session", "room_id", m.roomID, "error", err)
		summary, won := e.finalizeLocked(m, realtime.ReasonInternalError)
		m.mu.Unlock()
		if won {
			e.settle(m, summary)
		}
		return
	}

	m.accumulated = m.accumulated.Add(result.Charged)
	m.billedSeconds += int64(elapsed.Seconds() + 0.5)
	m.lastTick = now

	if result.Remaining.IsZero() {
		summary, won := e.finalizeLocked(m, realtime.ReasonInsufficientFunds)
		m.mu.Unlock()
		if won {
			e.settle(m, summary)
		}
		return
	}
	m.mu.Unlock()
}

func (e *Engine) Pause(roomID string) error {
	m := e.meterFor(roomID)
	if m == nil {
		return errs.NotFound("no active session for room %s", roomID)
	}
	m.mu.Lock()
	if m.state != StateRunning {
		state := m.state
		m.mu.Unlock()
		return &errs.Error{
			Code:    errs.CodeAlreadyResolved,
			Message: fmt.Sprintf("session is %s, cannot pause", state),
			Status:  string(state),
		}
	}
	// Charge the partial interval up to the pause so stopping the timer does
	// not hand out free seconds.
	if exhausted := e.chargePartialLocked(m); exhausted {
		summary, won := e.finalizeLocked(m, realtime.ReasonInsufficientFunds)
		m.mu.Unlock()
		if won {
			e.settle(m, summary)
		}
		return nil
	}
	m.state = StatePaused
	payload := e.statePayloadLocked(m)
	m.mu.Unlock()

	slog.Info("billing paused", "room_id", roomID)
	e.dispatcher.NotifyAll([]string{m.requesterID, m.providerID}, realtime.EventChatPaused, payload)
	return nil
}

func (e *Engine) Resume(roomID string) error {
	m := e.meterFor(roomID)
	if m == nil {
		return errs.NotFound("no active session for room %s", roomID)
	}
	m.mu.Lock()
	if m.state != StatePaused {
		state := m.state
		m.mu.Unlock()
		return &errs.Error{
			Code:    errs.CodeAlreadyResolved,
			Message: fmt.Sprintf("session is %s, cannot resume", state),
			Status:  string(state),
		}
	}
	m.state = StateRunning
	// No retroactive charge for the paused wall-clock time.
	m.lastTick = e.now()
	payload := e.statePayloadLocked(m)
	m.mu.Unlock()

	slog.Info("billing resumed", "room_id", roomID)
	e.dispatcher.NotifyAll([]string{m.requesterID, m.providerID}, realtime.EventChatResumed, payload)
	return nil
}

// End tears the session down. It is idempotent: a second call for an already
// ended room is a no-op, because an end can race a billing-exhaustion tick.
func (e *Engine) End(ctx context.Context, roomID, reason string) error {
	m := e.meterFor(roomID)
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.state == StateRunning {
		e.chargePartialLocked(m)
	}
	summary, won := e.finalizeLocked(m, reason)
	m.mu.Unlock()
	if won {
		e.settle(m, summary)
	}
	return nil
}

// EndAll force-ends every live session, used at process shutdown.
func (e *Engine) EndAll(ctx context.Context, reason string) {
	e.mu.Lock()
	rooms := make([]string, 0, len(e.sessions))
	for roomID := range e.sessions {
		rooms = append(rooms, roomID)
	}
	e.mu.Unlock()
	for _, roomID := range rooms {
		_ = e.End(ctx, roomID, reason)
	}
}

// StateOf reports the billing state for a room; rooms without a live meter
// are ended.
func (e *Engine) StateOf(roomID string) State {
	m := e.meterFor(roomID)
	if m == nil {
		return StateEnded
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the current billing numbers for a live room.
func (e *Engine) Snapshot(roomID string) (realtime.BillingStatePayload, bool) {
	m := e.meterFor(roomID)
	if m == nil {
		return realtime.BillingStatePayload{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.statePayloadLocked(m), true
}

// HasSessionFor reports whether the identity participates in any live meter.
func (e *Engine) HasSessionFor(identityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.sessions {
		if m.requesterID == identityID || m.providerID == identityID {
			return true
		}
	}
	return false
}

func (e *Engine) meterFor(roomID string) *meter {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[roomID]
}

// chargePartialLocked debits the interval since the last tick and reports
// whether the charge drained the wallet. Caller holds m.mu and has verified
// the meter is running.
func (e *Engine) chargePartialLocked(m *meter) bool {
	now := e.now()
	elapsed := now.Sub(m.lastTick)
	if elapsed <= 0 {
		return false
	}
	delta := m.rate.Mul(decimal.NewFromFloat(elapsed.Seconds())).Div(secondsPerMinute)
	result, err := e.ledger.Debit(context.Background(), m.requesterID, m.roomID, delta, "session charge")
	if err != nil {
		slog.Error("partial billing debit failed", "room_id", m.roomID, "error", err)
		return false
	}
	m.accumulated = m.accumulated.Add(result.Charged)
	m.billedSeconds += int64(elapsed.Seconds() + 0.5)
	m.lastTick = now
	return result.Remaining.IsZero()
}

// finalizeLocked flips the meter to ended exactly once. Only the winning
// caller receives won=true and performs the settlement side effects.
func (e *Engine) finalizeLocked(m *meter, reason string) (realtime.SessionSummaryPayload, bool) {
	if m.state == StateEnded {
		return realtime.SessionSummaryPayload{}, false
	}
	m.state = StateEnded
	// Cancel the timer before returning so no further tick can fire against
	// the closed room.
	m.cancel()

	e.mu.Lock()
	delete(e.sessions, m.roomID)
	e.mu.Unlock()

	return realtime.SessionSummaryPayload{
		RoomID:          m.roomID,
		Reason:          reason,
		AccumulatedCost: m.accumulated.String(),
		BilledSeconds:   m.billedSeconds,
	}, true
}

// settle closes the request row, restores provider availability and delivers
// the final summary to both parties. Runs outside the meter lock.
func (e *Engine) settle(m *meter, summary realtime.SessionSummaryPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	endedAt := e.now()
	if _, won, err := e.repo.TransitionRequest(ctx, repository.TransitionRequestInput{
		RequestID: m.requestID,
		From:      repository.RequestStatusAccepted,
		To:        repository.RequestStatusEnded,
		EndedAt:   &endedAt,
	}); err != nil {
		slog.Error("failed to close request row", "room_id", m.roomID, "request_id", m.requestID, "error", err)
	} else if !won {
		slog.Warn("request row already left accepted state", "room_id", m.roomID, "request_id", m.requestID)
	}

	availability := repository.AvailabilityAvailable
	if !e.presence.Online(m.providerID) {
		// Provider is gone; availability is corrected on their next register.
		availability = repository.AvailabilityOffline
	}
	if err := e.repo.SetAvailability(ctx, m.providerID, availability); err != nil {
		slog.Error("failed to restore provider availability", "provider_id", m.providerID, "error", err)
	}

	slog.Info("billing ended", "room_id", m.roomID, "reason", summary.Reason,
		"accumulated_cost", summary.AccumulatedCost, "billed_seconds", summary.BilledSeconds)
	e.dispatcher.NotifyAll([]string{m.requesterID, m.providerID}, realtime.EventChatEnded, summary)
}

func (e *Engine) statePayloadLocked(m *meter) realtime.BillingStatePayload {
	return realtime.BillingStatePayload{
		RoomID:          m.roomID,
		State:           string(m.state),
		AccumulatedCost: m.accumulated.String(),
		BilledSeconds:   m.billedSeconds,
	}
}
