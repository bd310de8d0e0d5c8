package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/taralok/consult/internal/billing"
	"github.com/taralok/consult/internal/broker"
	"github.com/taralok/consult/internal/errs"
	"github.com/taralok/consult/internal/media"
	"github.com/taralok/consult/internal/notify"
	"github.com/taralok/consult/internal/presence"
	"github.com/taralok/consult/internal/realtime"
	"github.com/taralok/consult/internal/repository"
	"github.com/taralok/consult/internal/wallet"
)

type mockRepository struct {
	mu         sync.Mutex
	identities map[string]*repository.Identity
	rates      map[string]decimal.Decimal
	requests   map[string]*repository.SessionRequest
	messages   []repository.Message
	nextMsgID  int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		identities: make(map[string]*repository.Identity),
		rates:      make(map[string]decimal.Decimal),
		requests:   make(map[string]*repository.SessionRequest),
	}
}

func (m *mockRepository) addIdentity(id string, role repository.Role, balance string) {
	m.identities[id] = &repository.Identity{
		ID:           id,
		DisplayName:  "name-" + id,
		Role:         role,
		Availability: repository.AvailabilityAvailable,
		Balance:      decimal.RequireFromString(balance),
	}
}

func (m *mockRepository) rateKey(providerID string, t repository.SessionType) string {
	return providerID + "/" + string(t)
}

func (m *mockRepository) GetIdentity(_ context.Context, id string) (*repository.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *identity
	return &copied, nil
}

func (m *mockRepository) SetOnline(_ context.Context, id string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identities[id]; ok {
		identity.IsOnline = online
	}
	return nil
}

func (m *mockRepository) SetAvailability(_ context.Context, id string, availability repository.Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identities[id]; ok {
		identity.Availability = availability
	}
	return nil
}

func (m *mockRepository) GetProviderRate(_ context.Context, providerID string, sessionType repository.SessionType) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rate, ok := m.rates[m.rateKey(providerID, sessionType)]
	if !ok {
		return decimal.Zero, repository.ErrNoRate
	}
	return rate, nil
}

func (m *mockRepository) CreateRequest(_ context.Context, input repository.CreateRequestInput) (*repository.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.Status == repository.RequestStatusPending &&
			req.RequesterID == input.RequesterID && req.ProviderID == input.ProviderID {
			return nil, repository.ErrDuplicatePending
		}
	}
	req := &repository.SessionRequest{
		ID:          input.ID,
		RequesterID: input.RequesterID,
		ProviderID:  input.ProviderID,
		SessionType: input.SessionType,
		Status:      repository.RequestStatusPending,
		CreatedAt:   time.Now(),
	}
	m.requests[req.ID] = req
	copied := *req
	return &copied, nil
}

func (m *mockRepository) GetRequest(_ context.Context, id string) (*repository.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *req
	return &copied, nil
}

func (m *mockRepository) GetRequestByRoom(_ context.Context, roomID string) (*repository.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.RoomID == roomID {
			copied := *req
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *mockRepository) TransitionRequest(_ context.Context, input repository.TransitionRequestInput) (*repository.SessionRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[input.RequestID]
	if !ok {
		return nil, false, repository.ErrNotFound
	}
	if req.Status != input.From {
		copied := *req
		return &copied, false, nil
	}
	req.Status = input.To
	if input.RoomID != "" {
		req.RoomID = input.RoomID
	}
	if input.StartedAt != nil {
		req.StartedAt = input.StartedAt
	}
	if input.EndedAt != nil {
		req.EndedAt = input.EndedAt
	}
	copied := *req
	return &copied, true, nil
}

func (m *mockRepository) HasActiveSession(_ context.Context, providerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.ProviderID == providerID && req.Status == repository.RequestStatusAccepted {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepository) ListActiveRequests(_ context.Context, identityID string, role repository.Role, limit int) ([]repository.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.SessionRequest
	for _, req := range m.requests {
		if req.Status != repository.RequestStatusAccepted {
			continue
		}
		if role == repository.RoleUser && req.RequesterID != identityID {
			continue
		}
		if role == repository.RoleAstrologer && req.ProviderID != identityID {
			continue
		}
		out = append(out, *req)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *mockRepository) ExpirePendingBefore(_ context.Context, cutoff time.Time) ([]repository.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.SessionRequest
	for _, req := range m.requests {
		if req.Status == repository.RequestStatusPending && req.CreatedAt.Before(cutoff) {
			req.Status = repository.RequestStatusExpired
			out = append(out, *req)
		}
	}
	return out, nil
}

func (m *mockRepository) GetBalance(_ context.Context, identityID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[identityID]
	if !ok {
		return decimal.Zero, repository.ErrNotFound
	}
	return identity.Balance, nil
}

func (m *mockRepository) Debit(_ context.Context, input repository.DebitInput) (*repository.DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[input.IdentityID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	charged := input.Amount
	if charged.GreaterThan(identity.Balance) {
		charged = identity.Balance
	}
	identity.Balance = identity.Balance.Sub(charged)
	return &repository.DebitResult{Charged: charged, Remaining: identity.Balance}, nil
}

func (m *mockRepository) ListWalletEntries(_ context.Context, _ string, _ int) ([]repository.WalletEntry, error) {
	return nil, nil
}

func (m *mockRepository) InsertMessage(_ context.Context, input repository.InsertMessageInput) (*repository.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsgID++
	msg := repository.Message{
		ID:           fmt.Sprintf("msg-%d", m.nextMsgID),
		RoomID:       input.RoomID,
		SenderID:     input.SenderID,
		SenderRole:   input.SenderRole,
		ReceiverID:   input.ReceiverID,
		ReceiverRole: input.ReceiverRole,
		Body:         input.Body,
		SentAt:       input.SentAt,
	}
	m.messages = append(m.messages, msg)
	copied := msg
	return &copied, nil
}

func (m *mockRepository) ListMessagesByRoom(_ context.Context, roomID string) ([]repository.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Message
	for _, msg := range m.messages {
		if msg.RoomID == roomID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockRepository) ListMessagesBetween(_ context.Context, identityA, identityB string) ([]repository.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []repository.Message
	for _, msg := range m.messages {
		if (msg.SenderID == identityA && msg.ReceiverID == identityB) ||
			(msg.SenderID == identityB && msg.ReceiverID == identityA) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockRepository) ListCounterparts(_ context.Context, _ string) ([]repository.Identity, error) {
	return nil, nil
}

type sentEvent struct {
	event   string
	payload any
}

type mockConn struct {
	id   string
	mu   sync.Mutex
	sent []sentEvent
}

func (c *mockConn) ID() string { return c.id }

func (c *mockConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) eventsNamed(event string) []sentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEvent
	for _, e := range c.sent {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (c *mockConn) lastNamed(t *testing.T, event string) sentEvent {
	t.Helper()
	events := c.eventsNamed(event)
	if len(events) == 0 {
		t.Fatalf("no %q event was sent to conn %s", event, c.id)
	}
	return events[len(events)-1]
}

type mockIssuer struct{}

func (mockIssuer) IssueCredentials(channelName, participantID string) (*realtime.MediaCredentials, error) {
	return &realtime.MediaCredentials{
		ChannelName: channelName,
		UID:         participantID,
		Username:    "u",
		Password:    "p",
	}, nil
}

var _ media.Issuer = mockIssuer{}

type testEnv struct {
	repo    *mockRepository
	manager *Manager
	engine  *billing.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newMockRepository()
	reg := presence.NewRegistry()
	dispatcher := notify.NewDispatcher(reg)
	ledger := wallet.NewLedger(repo)
	engine := billing.NewEngine(time.Hour, ledger, repo, dispatcher, reg)
	brk := broker.NewBroker(repo, ledger, dispatcher, reg, engine, mockIssuer{}, time.Minute)
	manager := NewManager(repo, brk, engine, reg, dispatcher)
	t.Cleanup(func() {
		engine.EndAll(context.Background(), realtime.ReasonInternalError)
	})
	return &testEnv{repo: repo, manager: manager, engine: engine}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func (e *testEnv) register(t *testing.T, id string, role repository.Role) *mockConn {
	t.Helper()
	conn := &mockConn{id: "conn-" + id}
	e.manager.HandleConnect(conn)
	event := realtime.EventRegisterUser
	if role == repository.RoleAstrologer {
		event = realtime.EventRegisterAstrologer
	}
	e.manager.HandleEvent(context.Background(), conn, event, mustJSON(t, realtime.RegisterPayload{IdentityID: id}))
	conn.lastNamed(t, realtime.EventRegistered)
	return conn
}

// acceptedSession drives a request through create and accept and returns the
// two live connections plus the room id.
func (e *testEnv) acceptedSession(t *testing.T) (userConn, astroConn *mockConn, roomID string) {
	t.Helper()
	userConn = e.register(t, "u1", repository.RoleUser)
	astroConn = e.register(t, "a1", repository.RoleAstrologer)

	e.manager.HandleEvent(context.Background(), userConn, realtime.EventChatRequest, mustJSON(t, realtime.ChatRequestPayload{
		RequesterID: "u1", ProviderID: "a1", SessionType: "text",
	}))
	incoming := astroConn.lastNamed(t, realtime.EventChatRequestFromUser)
	requestID := incoming.payload.(realtime.IncomingRequestPayload).RequestID

	e.manager.HandleEvent(context.Background(), astroConn, realtime.EventChatResponse, mustJSON(t, realtime.ChatResponsePayload{
		RequestID: requestID, Response: broker.DecisionAccepted,
	}))
	accepted := userConn.lastNamed(t, realtime.EventChatAccepted)
	roomID = accepted.payload.(realtime.AcceptedPayload).RoomID
	if roomID == "" {
		t.Fatal("accepted payload carries no room id")
	}
	return userConn, astroConn, roomID
}

func seedPair(repo *mockRepository) {
	repo.addIdentity("u1", repository.RoleUser, "100")
	repo.addIdentity("a1", repository.RoleAstrologer, "0")
	repo.rates[repo.rateKey("a1", repository.SessionTypeText)] = decimal.RequireFromString("10")
	repo.rates[repo.rateKey("a1", repository.SessionTypeAudio)] = decimal.RequireFromString("20")
}

func TestRegisterRejectsRoleMismatch(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)

	conn := &mockConn{id: "conn-x"}
	env.manager.HandleEvent(context.Background(), conn, realtime.EventRegisterAstrologer,
		mustJSON(t, realtime.RegisterPayload{IdentityID: "u1"}))

	errEvent := conn.lastNamed(t, realtime.EventError)
	if code := errEvent.payload.(*errs.Error).Code; code != errs.CodeUnauthorized {
		t.Errorf("error code = %s, want %s", code, errs.CodeUnauthorized)
	}
}

func TestRegisterAstrologerRestoresAvailability(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	env.repo.identities["a1"].Availability = repository.AvailabilityOffline

	env.register(t, "a1", repository.RoleAstrologer)

	identity, _ := env.repo.GetIdentity(context.Background(), "a1")
	if identity.Availability != repository.AvailabilityAvailable {
		t.Errorf("availability = %s, want available", identity.Availability)
	}
	if !identity.IsOnline {
		t.Error("astrologer not marked online after register")
	}
}

func TestChatRequestDeliveredToProvider(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn := env.register(t, "u1", repository.RoleUser)
	astroConn := env.register(t, "a1", repository.RoleAstrologer)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventChatRequest, mustJSON(t, realtime.ChatRequestPayload{
		RequesterID: "u1", ProviderID: "a1", SessionType: "text",
	}))

	incoming := astroConn.lastNamed(t, realtime.EventChatRequestFromUser).payload.(realtime.IncomingRequestPayload)
	if incoming.RequesterID != "u1" {
		t.Errorf("incoming requester = %s, want u1", incoming.RequesterID)
	}
	if incoming.Name != "name-u1" {
		t.Errorf("incoming name = %s, want name-u1", incoming.Name)
	}
	userConn.lastNamed(t, realtime.EventChatRequestSuccess)
}

func TestChatRequestInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	env.repo.identities["u1"].Balance = decimal.RequireFromString("5")
	userConn := env.register(t, "u1", repository.RoleUser)
	env.register(t, "a1", repository.RoleAstrologer)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventChatRequest, mustJSON(t, realtime.ChatRequestPayload{
		RequesterID: "u1", ProviderID: "a1", SessionType: "text",
	}))

	errEvent := userConn.lastNamed(t, realtime.EventError)
	if code := errEvent.payload.(*errs.Error).Code; code != errs.CodeInsufficientFunds {
		t.Errorf("error code = %s, want %s", code, errs.CodeInsufficientFunds)
	}
}

func TestCallRequestCarriesMediaCredentials(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn := env.register(t, "u1", repository.RoleUser)
	astroConn := env.register(t, "a1", repository.RoleAstrologer)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventCallRequest, mustJSON(t, realtime.CallRequestPayload{
		RequesterID: "u1", ProviderID: "a1", SessionType: "audio",
	}))

	incoming := astroConn.lastNamed(t, realtime.EventCallRequestFromUser).payload.(realtime.IncomingRequestPayload)
	if incoming.Media == nil {
		t.Fatal("call request to provider carries no media credentials")
	}
	details := userConn.lastNamed(t, realtime.EventCallDetails).payload.(realtime.AcceptedPayload)
	if details.Media == nil {
		t.Fatal("call details to requester carry no media credentials")
	}
	if incoming.Media.ChannelName != details.Media.ChannelName {
		t.Errorf("channel mismatch: provider %s, requester %s", incoming.Media.ChannelName, details.Media.ChannelName)
	}
}

func TestAcceptStartsSessionAndMarksBusy(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	_, astroConn, roomID := env.acceptedSession(t)

	astroConn.lastNamed(t, realtime.EventChatAccepted)
	identity, _ := env.repo.GetIdentity(context.Background(), "a1")
	if identity.Availability != repository.AvailabilityBusy {
		t.Errorf("availability = %s, want busy", identity.Availability)
	}
	if state := env.engine.StateOf(roomID); state != billing.StateRunning {
		t.Errorf("billing state = %s, want running", state)
	}
}

func TestResponseByNonProviderIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	env.repo.addIdentity("a2", repository.RoleAstrologer, "0")
	userConn := env.register(t, "u1", repository.RoleUser)
	astroConn := env.register(t, "a1", repository.RoleAstrologer)
	otherConn := env.register(t, "a2", repository.RoleAstrologer)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventChatRequest, mustJSON(t, realtime.ChatRequestPayload{
		RequesterID: "u1", ProviderID: "a1", SessionType: "text",
	}))
	requestID := astroConn.lastNamed(t, realtime.EventChatRequestFromUser).payload.(realtime.IncomingRequestPayload).RequestID

	env.manager.HandleEvent(context.Background(), otherConn, realtime.EventChatResponse, mustJSON(t, realtime.ChatResponsePayload{
		RequestID: requestID, Response: broker.DecisionAccepted,
	}))

	errEvent := otherConn.lastNamed(t, realtime.EventError)
	if code := errEvent.payload.(*errs.Error).Code; code != errs.CodeUnauthorized {
		t.Errorf("error code = %s, want %s", code, errs.CodeUnauthorized)
	}
}

func TestRespondAfterResolutionReportsReachedState(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn := env.register(t, "u1", repository.RoleUser)
	astroConn := env.register(t, "a1", repository.RoleAstrologer)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventChatRequest, mustJSON(t, realtime.ChatRequestPayload{
		RequesterID: "u1", ProviderID: "a1", SessionType: "text",
	}))
	requestID := astroConn.lastNamed(t, realtime.EventChatRequestFromUser).payload.(realtime.IncomingRequestPayload).RequestID

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventCancelChatRequest, mustJSON(t, realtime.CancelChatRequestPayload{
		RequestID: requestID, UserID: "u1",
	}))
	userConn.lastNamed(t, realtime.EventChatCancelledOK)

	env.manager.HandleEvent(context.Background(), astroConn, realtime.EventChatResponse, mustJSON(t, realtime.ChatResponsePayload{
		RequestID: requestID, Response: broker.DecisionAccepted,
	}))

	expired := astroConn.lastNamed(t, realtime.EventChatRequestExpired).payload.(realtime.RequestResolvedPayload)
	if expired.Status != string(repository.RequestStatusRequesterCancelled) {
		t.Errorf("reached status = %s, want requester_cancelled", expired.Status)
	}
}

func TestRejectRevertsAvailability(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn := env.register(t, "u1", repository.RoleUser)
	astroConn := env.register(t, "a1", repository.RoleAstrologer)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventChatRequest, mustJSON(t, realtime.ChatRequestPayload{
		RequesterID: "u1", ProviderID: "a1", SessionType: "text",
	}))
	requestID := astroConn.lastNamed(t, realtime.EventChatRequestFromUser).payload.(realtime.IncomingRequestPayload).RequestID

	env.manager.HandleEvent(context.Background(), astroConn, realtime.EventChatResponse, mustJSON(t, realtime.ChatResponsePayload{
		RequestID: requestID, Response: broker.DecisionRejected,
	}))

	rejected := userConn.lastNamed(t, realtime.EventChatRejected).payload.(realtime.RequestResolvedPayload)
	if rejected.Status != string(repository.RequestStatusRejected) {
		t.Errorf("status = %s, want rejected", rejected.Status)
	}
	identity, _ := env.repo.GetIdentity(context.Background(), "a1")
	if identity.Availability != repository.AvailabilityAvailable {
		t.Errorf("availability = %s, want available", identity.Availability)
	}
}

func TestSendMessageDeliveredToBothParties(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn, astroConn, roomID := env.acceptedSession(t)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventSendMessage, mustJSON(t, realtime.SendMessagePayload{
		RoomID: roomID, Message: "hello",
	}))

	for _, conn := range []*mockConn{userConn, astroConn} {
		msg := conn.lastNamed(t, realtime.EventReceivedMessage).payload.(realtime.MessageEventPayload)
		if msg.Message != "hello" || msg.SenderID != "u1" || msg.ReceiverID != "a1" {
			t.Errorf("conn %s received %+v", conn.id, msg)
		}
	}
	stored, _ := env.repo.ListMessagesByRoom(context.Background(), roomID)
	if len(stored) != 1 {
		t.Fatalf("stored %d messages, want 1", len(stored))
	}
	if stored[0].SenderRole != repository.RoleUser || stored[0].ReceiverRole != repository.RoleAstrologer {
		t.Errorf("stored roles = %s/%s", stored[0].SenderRole, stored[0].ReceiverRole)
	}
}

func TestSendMessageOutsiderRejected(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	env.repo.addIdentity("u2", repository.RoleUser, "50")
	_, _, roomID := env.acceptedSession(t)
	outsider := env.register(t, "u2", repository.RoleUser)

	env.manager.HandleEvent(context.Background(), outsider, realtime.EventSendMessage, mustJSON(t, realtime.SendMessagePayload{
		RoomID: roomID, Message: "let me in",
	}))

	errEvent := outsider.lastNamed(t, realtime.EventError)
	if code := errEvent.payload.(*errs.Error).Code; code != errs.CodeUnauthorized {
		t.Errorf("error code = %s, want %s", code, errs.CodeUnauthorized)
	}
}

func TestPauseAndResumeNotifyBothParties(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn, astroConn, roomID := env.acceptedSession(t)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventPauseChat, mustJSON(t, realtime.PauseChatPayload{RoomID: roomID}))
	for _, conn := range []*mockConn{userConn, astroConn} {
		paused := conn.lastNamed(t, realtime.EventChatPaused).payload.(realtime.BillingStatePayload)
		if paused.State != string(billing.StatePaused) {
			t.Errorf("conn %s paused state = %s", conn.id, paused.State)
		}
	}

	env.manager.HandleEvent(context.Background(), astroConn, realtime.EventResumeChat, mustJSON(t, realtime.ResumeChatPayload{RoomID: roomID}))
	for _, conn := range []*mockConn{userConn, astroConn} {
		resumed := conn.lastNamed(t, realtime.EventChatResumed).payload.(realtime.BillingStatePayload)
		if resumed.State != string(billing.StateRunning) {
			t.Errorf("conn %s resumed state = %s", conn.id, resumed.State)
		}
	}
}

func TestEndChatByProviderSettlesSession(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn, astroConn, roomID := env.acceptedSession(t)

	env.manager.HandleEvent(context.Background(), astroConn, realtime.EventEndChat, mustJSON(t, realtime.EndPayload{RoomID: roomID}))

	for _, conn := range []*mockConn{userConn, astroConn} {
		ended := conn.lastNamed(t, realtime.EventChatEnded).payload.(realtime.SessionSummaryPayload)
		if ended.Reason != realtime.ReasonAstrologerEnded {
			t.Errorf("conn %s end reason = %s, want astrologer_ended", conn.id, ended.Reason)
		}
	}
	req, err := env.repo.GetRequestByRoom(context.Background(), roomID)
	if err != nil {
		t.Fatalf("load request: %v", err)
	}
	if req.Status != repository.RequestStatusEnded {
		t.Errorf("request status = %s, want ended", req.Status)
	}
	identity, _ := env.repo.GetIdentity(context.Background(), "a1")
	if identity.Availability != repository.AvailabilityAvailable {
		t.Errorf("availability = %s, want available", identity.Availability)
	}
}

func TestDuplicateEndIsAbsorbedSilently(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn, astroConn, roomID := env.acceptedSession(t)

	env.manager.HandleEvent(context.Background(), astroConn, realtime.EventEndChat, mustJSON(t, realtime.EndPayload{RoomID: roomID}))
	astroConn.lastNamed(t, realtime.EventChatEnded)

	// The peer's late end, racing the settlement, is a no-op rather than an
	// error back to a client whose session has already closed normally.
	env.manager.HandleEvent(context.Background(), userConn, realtime.EventEndChat, mustJSON(t, realtime.EndPayload{RoomID: roomID}))

	if got := userConn.eventsNamed(realtime.EventError); len(got) != 0 {
		t.Errorf("duplicate end produced error events: %+v", got)
	}
	if got := userConn.eventsNamed(realtime.EventChatEnded); len(got) != 1 {
		t.Errorf("chat-ended delivered %d times, want 1", len(got))
	}

	// An end from a non-participant still fails loudly.
	env.repo.addIdentity("u2", repository.RoleUser, "50")
	outsider := env.register(t, "u2", repository.RoleUser)
	env.manager.HandleEvent(context.Background(), outsider, realtime.EventEndChat, mustJSON(t, realtime.EndPayload{RoomID: roomID}))
	errEvent := outsider.lastNamed(t, realtime.EventError)
	if code := errEvent.payload.(*errs.Error).Code; code != errs.CodeUnauthorized {
		t.Errorf("outsider end error code = %s, want unauthorized", code)
	}
}

func TestRejoinReplaysHistoryAndNotifiesPeer(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn, astroConn, roomID := env.acceptedSession(t)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventSendMessage, mustJSON(t, realtime.SendMessagePayload{
		RoomID: roomID, Message: "before the drop",
	}))
	env.manager.HandleDisconnect(userConn)

	fresh := &mockConn{id: "conn-u1-reconnect"}
	env.manager.HandleConnect(fresh)
	env.manager.HandleEvent(context.Background(), fresh, realtime.EventRejoinChatRoom, mustJSON(t, realtime.RejoinPayload{
		RoomID: roomID, UserID: "u1", UserType: "user",
	}))

	success := fresh.lastNamed(t, realtime.EventRejoinSuccess).payload.(realtime.RejoinSuccessPayload)
	if len(success.Messages) != 1 || success.Messages[0].Message != "before the drop" {
		t.Errorf("rejoin history = %+v", success.Messages)
	}
	if success.OtherParticipantID != "a1" {
		t.Errorf("other participant = %s, want a1", success.OtherParticipantID)
	}
	if success.BillingState != string(billing.StateRunning) {
		t.Errorf("billing state = %s, want running", success.BillingState)
	}
	rejoined := astroConn.lastNamed(t, realtime.EventParticipantRejoined).payload.(realtime.ParticipantRejoinedPayload)
	if rejoined.ParticipantID != "u1" {
		t.Errorf("rejoined participant = %s, want u1", rejoined.ParticipantID)
	}
}

func TestRejoinEndedRoomFails(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn, _, roomID := env.acceptedSession(t)
	env.manager.HandleEvent(context.Background(), userConn, realtime.EventEndChat, mustJSON(t, realtime.EndPayload{RoomID: roomID}))

	fresh := &mockConn{id: "conn-u1-reconnect"}
	env.manager.HandleEvent(context.Background(), fresh, realtime.EventRejoinChatRoom, mustJSON(t, realtime.RejoinPayload{
		RoomID: roomID, UserID: "u1", UserType: "user",
	}))

	errEvent := fresh.lastNamed(t, realtime.EventRejoinError)
	if code := errEvent.payload.(*errs.Error).Code; code != errs.CodeNotFound {
		t.Errorf("error code = %s, want %s", code, errs.CodeNotFound)
	}
}

func TestRejoinWrongRoleIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	_, _, roomID := env.acceptedSession(t)

	fresh := &mockConn{id: "conn-imposter"}
	env.manager.HandleEvent(context.Background(), fresh, realtime.EventRejoinChatRoom, mustJSON(t, realtime.RejoinPayload{
		RoomID: roomID, UserID: "u1", UserType: "astrologer",
	}))

	errEvent := fresh.lastNamed(t, realtime.EventRejoinError)
	if code := errEvent.payload.(*errs.Error).Code; code != errs.CodeUnauthorized {
		t.Errorf("error code = %s, want %s", code, errs.CodeUnauthorized)
	}
}

func TestGetActiveChatsListsCounterpart(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	userConn, _, roomID := env.acceptedSession(t)

	env.manager.HandleEvent(context.Background(), userConn, realtime.EventGetActiveChats, mustJSON(t, realtime.ActiveChatsPayload{
		UserID: "u1", UserType: "user",
	}))

	list := userConn.lastNamed(t, realtime.EventActiveChatsList).payload.(realtime.ActiveChatsListPayload)
	if list.Count != 1 || len(list.Chats) != 1 {
		t.Fatalf("active chats = %+v", list)
	}
	if list.Chats[0].RoomID != roomID || list.Chats[0].CounterpartID != "a1" {
		t.Errorf("chat item = %+v", list.Chats[0])
	}
	if list.Chats[0].CounterpartName != "name-a1" {
		t.Errorf("counterpart name = %s, want name-a1", list.Chats[0].CounterpartName)
	}
}

func TestDisconnectIdleAstrologerGoesOffline(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	astroConn := env.register(t, "a1", repository.RoleAstrologer)

	env.manager.HandleDisconnect(astroConn)

	identity, _ := env.repo.GetIdentity(context.Background(), "a1")
	if identity.Availability != repository.AvailabilityOffline {
		t.Errorf("availability = %s, want offline", identity.Availability)
	}
	if identity.IsOnline {
		t.Error("astrologer still marked online after disconnect")
	}
}

func TestDisconnectMidSessionKeepsBusy(t *testing.T) {
	env := newTestEnv(t)
	seedPair(env.repo)
	_, astroConn, roomID := env.acceptedSession(t)

	env.manager.HandleDisconnect(astroConn)

	identity, _ := env.repo.GetIdentity(context.Background(), "a1")
	if identity.Availability != repository.AvailabilityBusy {
		t.Errorf("availability = %s, want busy", identity.Availability)
	}
	if state := env.engine.StateOf(roomID); state != billing.StateRunning {
		t.Errorf("billing state = %s, want running", state)
	}
}
