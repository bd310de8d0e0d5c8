// Package session is the realtime event loop: it binds gateway connections
// to identities, routes every client event to the broker and the billing
// engine, and serializes room-scoped work so racing events for the same
// session cannot interleave.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taralok/consult/internal/billing"
	"github.com/taralok/consult/internal/broker"
	"github.com/taralok/consult/internal/errs"
	"github.com/taralok/consult/internal/notify"
	"github.com/taralok/consult/internal/presence"
	"github.com/taralok/consult/internal/realtime"
	"github.com/taralok/consult/internal/repository"
)

const activeChatsLimit = 5

type Manager struct {
	repo       repository.Repository
	broker     *broker.Broker
	engine     *billing.Engine
	presence   *presence.Registry
	dispatcher *notify.Dispatcher
	exec       *roomExec
	now        func() time.Time
}

func NewManager(
	repo repository.Repository,
	brk *broker.Broker,
	engine *billing.Engine,
	reg *presence.Registry,
	dispatcher *notify.Dispatcher,
) *Manager {
	return &Manager{
		repo:       repo,
		broker:     brk,
		engine:     engine,
		presence:   reg,
		dispatcher: dispatcher,
		exec:       newRoomExec(),
		now:        time.Now,
	}
}

func (m *Manager) HandleConnect(conn realtime.Conn) {
	slog.Info("client connected", "conn_id", conn.ID())
}

func (m *Manager) HandleEvent(ctx context.Context, conn realtime.Conn, event string, data json.RawMessage) {
	switch event {
	case realtime.EventRegisterUser:
		m.handleRegister(ctx, conn, data, repository.RoleUser)
	case realtime.EventRegisterAstrologer:
		m.handleRegister(ctx, conn, data, repository.RoleAstrologer)
	case realtime.EventChatRequest:
		m.handleChatRequest(ctx, conn, data)
	case realtime.EventCallRequest:
		m.handleCallRequest(ctx, conn, data)
	case realtime.EventChatResponse, realtime.EventCallResponse:
		m.handleResponse(ctx, conn, data)
	case realtime.EventJoinRoom:
		m.handleJoinRoom(ctx, conn, data)
	case realtime.EventSendMessage:
		m.handleSendMessage(ctx, conn, data)
	case realtime.EventPauseChat:
		m.handlePauseChat(ctx, conn, data)
	case realtime.EventResumeChat:
		m.handleResumeChat(ctx, conn, data)
	case realtime.EventEndChat, realtime.EventEndCall:
		m.handleEnd(ctx, conn, data)
	case realtime.EventCancelRequest:
		m.handleCancelRequest(ctx, conn, data)
	case realtime.EventCancelChatRequest:
		m.handleCancelChatRequest(ctx, conn, data)
	case realtime.EventRejoinChatRoom:
		m.handleRejoin(ctx, conn, data)
	case realtime.EventGetActiveChats:
		m.handleGetActiveChats(ctx, conn, data)
	default:
		slog.Warn("unknown event received", "event", event, "conn_id", conn.ID())
		m.fail(conn, realtime.EventError, errs.NotFound("unknown event %q", event))
	}
}

// HandleDisconnect unbinds the connection. Identities with a live session
// stay busy so a reconnect can pick the session back up; everyone else is
// marked offline.
func (m *Manager) HandleDisconnect(conn realtime.Conn) {
	identityID, ok := m.presence.Unregister(conn)
	if !ok {
		slog.Info("unregistered client disconnected", "conn_id", conn.ID())
		return
	}
	slog.Info("client disconnected", "conn_id", conn.ID(), "identity_id", identityID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.repo.SetOnline(ctx, identityID, false); err != nil {
		slog.Error("failed to mark identity offline", "identity_id", identityID, "error", err)
	}
	identity, err := m.repo.GetIdentity(ctx, identityID)
	if err != nil {
		slog.Error("failed to load identity on disconnect", "identity_id", identityID, "error", err)
		return
	}
	if identity.Role != repository.RoleAstrologer {
		return
	}
	if m.engine.HasSessionFor(identityID) {
		// Session survives the drop; availability stays busy until it ends.
		slog.Info("astrologer disconnected mid-session, keeping busy", "identity_id", identityID)
		return
	}
	if err := m.repo.SetAvailability(ctx, identityID, repository.AvailabilityOffline); err != nil {
		slog.Error("failed to mark astrologer offline", "identity_id", identityID, "error", err)
	}
}

func (m *Manager) handleRegister(ctx context.Context, conn realtime.Conn, data json.RawMessage, role repository.Role) {
	var payload realtime.RegisterPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.IdentityID == "" {
		m.fail(conn, realtime.EventError, errs.NotFound("register payload requires identityId"))
		return
	}
	identity, err := m.repo.GetIdentity(ctx, payload.IdentityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			m.fail(conn, realtime.EventError, errs.NotFound("identity %s not found", payload.IdentityID))
			return
		}
		m.fail(conn, realtime.EventError, fmt.Errorf("failed to load identity: %w", err))
		return
	}
	if identity.Role != role {
		m.fail(conn, realtime.EventError, errs.Unauthorized("identity %s is not a %s", identity.ID, role))
		return
	}

	m.presence.Register(identity.ID, conn)
	if err := m.repo.SetOnline(ctx, identity.ID, true); err != nil {
		slog.Error("failed to mark identity online", "identity_id", identity.ID, "error", err)
	}

	availability := identity.Availability
	if role == repository.RoleAstrologer {
		availability = repository.AvailabilityAvailable
		active, err := m.repo.HasActiveSession(ctx, identity.ID)
		if err != nil {
			slog.Error("failed to check active session on register", "identity_id", identity.ID, "error", err)
		} else if active {
			availability = repository.AvailabilityBusy
		}
		if err := m.repo.SetAvailability(ctx, identity.ID, availability); err != nil {
			slog.Error("failed to set availability on register", "identity_id", identity.ID, "error", err)
		}
	}

	slog.Info("identity registered", "identity_id", identity.ID, "role", role, "conn_id", conn.ID())
	m.send(conn, realtime.EventRegistered, realtime.RegisteredPayload{
		IdentityID:   identity.ID,
		Role:         string(identity.Role),
		Availability: string(availability),
		Balance:      identity.Balance.String(),
	})
}

func (m *Manager) handleChatRequest(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.ChatRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		m.fail(conn, realtime.EventError, errs.NotFound("malformed chat-request payload"))
		return
	}
	sessionType := repository.SessionTypeText
	if payload.SessionType != "" {
		sessionType = repository.SessionType(payload.SessionType)
	}
	m.createRequest(ctx, conn, payload.RequesterID, payload.ProviderID, sessionType)
}

func (m *Manager) handleCallRequest(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.CallRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		m.fail(conn, realtime.EventError, errs.NotFound("malformed call-request payload"))
		return
	}
	sessionType := repository.SessionType(payload.SessionType)
	if sessionType != repository.SessionTypeAudio && sessionType != repository.SessionTypeVideo {
		m.fail(conn, realtime.EventError, errs.NotFound("call session type must be audio or video, got %q", payload.SessionType))
		return
	}
	m.createRequest(ctx, conn, payload.RequesterID, payload.ProviderID, sessionType)
}

func (m *Manager) createRequest(ctx context.Context, conn realtime.Conn, requesterID, providerID string, sessionType repository.SessionType) {
	callerID, ok := m.presence.IdentityFor(conn)
	if !ok {
		m.fail(conn, realtime.EventError, errs.Unauthorized("connection is not registered"))
		return
	}
	if requesterID != "" && requesterID != callerID {
		m.fail(conn, realtime.EventError, errs.Unauthorized("requesterId does not match the registered identity"))
		return
	}
	switch sessionType {
	case repository.SessionTypeText, repository.SessionTypeAudio, repository.SessionTypeVideo:
	default:
		m.fail(conn, realtime.EventError, errs.NotFound("unknown session type %q", sessionType))
		return
	}

	if _, err := m.broker.CreateRequest(ctx, broker.CreateRequestInput{
		RequesterID: callerID,
		ProviderID:  providerID,
		SessionType: sessionType,
	}); err != nil {
		m.fail(conn, realtime.EventError, err)
	}
}

func (m *Manager) handleResponse(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.ChatResponsePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RequestID == "" {
		m.fail(conn, realtime.EventError, errs.NotFound("response payload requires requestId"))
		return
	}
	callerID, ok := m.presence.IdentityFor(conn)
	if !ok {
		m.fail(conn, realtime.EventError, errs.Unauthorized("connection is not registered"))
		return
	}
	req, err := m.repo.GetRequest(ctx, payload.RequestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			m.fail(conn, realtime.EventError, errs.NotFound("request %s not found", payload.RequestID))
			return
		}
		m.fail(conn, realtime.EventError, fmt.Errorf("failed to load request: %w", err))
		return
	}
	if req.ProviderID != callerID {
		m.fail(conn, realtime.EventError, errs.Unauthorized("only the requested astrologer may respond"))
		return
	}

	if err := m.broker.Respond(ctx, payload.RequestID, payload.Response); err != nil {
		// A lost race means the request resolved some other way while the
		// decision was in flight; the responder learns the reached state.
		var resolved *errs.Error
		if errors.As(err, &resolved) && resolved.Code == errs.CodeAlreadyResolved {
			m.send(conn, realtime.EventChatRequestExpired, realtime.RequestResolvedPayload{
				RequestID: payload.RequestID,
				Status:    resolved.Status,
				Message:   "request was already resolved",
			})
			return
		}
		m.fail(conn, realtime.EventError, err)
	}
}

func (m *Manager) handleJoinRoom(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.JoinRoomPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		m.fail(conn, realtime.EventError, errs.NotFound("join-room payload requires roomId"))
		return
	}
	if _, err := m.activeRoomFor(ctx, conn, payload.RoomID); err != nil {
		m.fail(conn, realtime.EventError, err)
		return
	}
	slog.Info("participant joined room", "room_id", payload.RoomID, "conn_id", conn.ID())
}

func (m *Manager) handleSendMessage(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.SendMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" || payload.Message == "" {
		m.fail(conn, realtime.EventError, errs.NotFound("send-message payload requires roomId and message"))
		return
	}

	m.exec.Do(payload.RoomID, func() {
		req, err := m.activeRoomFor(ctx, conn, payload.RoomID)
		if err != nil {
			m.fail(conn, realtime.EventError, err)
			return
		}
		senderID, _ := m.presence.IdentityFor(conn)
		senderRole := repository.RoleUser
		receiverID := req.ProviderID
		receiverRole := repository.RoleAstrologer
		if senderID == req.ProviderID {
			senderRole = repository.RoleAstrologer
			receiverID = req.RequesterID
			receiverRole = repository.RoleUser
		}

		msg, err := m.repo.InsertMessage(ctx, repository.InsertMessageInput{
			RoomID:       payload.RoomID,
			SenderID:     senderID,
			SenderRole:   senderRole,
			ReceiverID:   receiverID,
			ReceiverRole: receiverRole,
			Body:         payload.Message,
			SentAt:       m.now(),
		})
		if err != nil {
			m.fail(conn, realtime.EventError, fmt.Errorf("failed to store message: %w", err))
			return
		}

		m.dispatcher.NotifyAll([]string{req.RequesterID, req.ProviderID}, realtime.EventReceivedMessage, realtime.MessageEventPayload{
			RoomID:       msg.RoomID,
			Message:      msg.Body,
			SenderID:     msg.SenderID,
			SenderRole:   string(msg.SenderRole),
			ReceiverID:   msg.ReceiverID,
			ReceiverRole: string(msg.ReceiverRole),
			Timestamp:    msg.SentAt,
		})
	})
}

func (m *Manager) handlePauseChat(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.PauseChatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		m.fail(conn, realtime.EventError, errs.NotFound("pause-chat payload requires roomId"))
		return
	}
	m.exec.Do(payload.RoomID, func() {
		if _, err := m.activeRoomFor(ctx, conn, payload.RoomID); err != nil {
			m.fail(conn, realtime.EventError, err)
			return
		}
		if err := m.engine.Pause(payload.RoomID); err != nil {
			m.fail(conn, realtime.EventError, err)
		}
	})
}

func (m *Manager) handleResumeChat(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.ResumeChatPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		m.fail(conn, realtime.EventError, errs.NotFound("resume-chat payload requires roomId"))
		return
	}
	m.exec.Do(payload.RoomID, func() {
		if _, err := m.activeRoomFor(ctx, conn, payload.RoomID); err != nil {
			m.fail(conn, realtime.EventError, err)
			return
		}
		if err := m.engine.Resume(payload.RoomID); err != nil {
			m.fail(conn, realtime.EventError, err)
		}
	})
}

func (m *Manager) handleEnd(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.EndPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" {
		m.fail(conn, realtime.EventError, errs.NotFound("end payload requires roomId"))
		return
	}
	m.exec.Do(payload.RoomID, func() {
		req, err := m.activeRoomFor(ctx, conn, payload.RoomID)
		if err != nil {
			// A duplicate end that lost the race against billing exhaustion
			// or the peer's end lands here after settlement. The session is
			// already down, which is what the caller asked for.
			var resolved *errs.Error
			if errors.As(err, &resolved) && resolved.Code == errs.CodeAlreadyResolved &&
				resolved.Status == string(repository.RequestStatusEnded) {
				slog.Debug("end for settled room ignored", "room_id", payload.RoomID, "conn_id", conn.ID())
				return
			}
			m.fail(conn, realtime.EventError, err)
			return
		}
		callerID, _ := m.presence.IdentityFor(conn)
		reason := realtime.ReasonUserEnded
		if callerID == req.ProviderID {
			reason = realtime.ReasonAstrologerEnded
		}
		if err := m.engine.End(ctx, payload.RoomID, reason); err != nil {
			m.fail(conn, realtime.EventError, err)
		}
	})
}

func (m *Manager) handleCancelRequest(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.CancelRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RequestID == "" {
		m.fail(conn, realtime.EventRequestCancelError, errs.NotFound("cancel-request payload requires requestId"))
		return
	}
	callerID, ok := m.presence.IdentityFor(conn)
	if !ok {
		m.fail(conn, realtime.EventRequestCancelError, errs.Unauthorized("connection is not registered"))
		return
	}
	if err := m.broker.CancelOnBehalf(ctx, payload.RequestID, callerID, payload.RequestType); err != nil {
		m.fail(conn, realtime.EventRequestCancelError, err)
	}
}

func (m *Manager) handleCancelChatRequest(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.CancelChatRequestPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RequestID == "" {
		m.fail(conn, realtime.EventRequestCancelError, errs.NotFound("cancel-chat-request payload requires requestId"))
		return
	}
	callerID, ok := m.presence.IdentityFor(conn)
	if !ok {
		m.fail(conn, realtime.EventRequestCancelError, errs.Unauthorized("connection is not registered"))
		return
	}
	if err := m.broker.CancelByRequester(ctx, payload.RequestID, callerID); err != nil {
		m.fail(conn, realtime.EventRequestCancelError, err)
	}
}

// handleRejoin re-binds a reconnecting participant to a live session and
// replays the room history plus the current billing state.
func (m *Manager) handleRejoin(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.RejoinPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.RoomID == "" || payload.UserID == "" {
		m.fail(conn, realtime.EventRejoinError, errs.NotFound("rejoin payload requires roomId and userId"))
		return
	}

	req, err := m.repo.GetRequestByRoom(ctx, payload.RoomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			m.fail(conn, realtime.EventRejoinError, errs.NotFound("room %s not found", payload.RoomID))
			return
		}
		m.fail(conn, realtime.EventRejoinError, fmt.Errorf("failed to load room: %w", err))
		return
	}
	if req.Status != repository.RequestStatusAccepted {
		m.fail(conn, realtime.EventRejoinError, errs.NotFound("no live session for room %s (status %s)", payload.RoomID, req.Status))
		return
	}
	expectedID := req.RequesterID
	if payload.UserType == string(repository.RoleAstrologer) {
		expectedID = req.ProviderID
	}
	if payload.UserID != expectedID {
		m.fail(conn, realtime.EventRejoinError, errs.Unauthorized("identity %s is not the %s of room %s", payload.UserID, payload.UserType, payload.RoomID))
		return
	}

	m.presence.Register(payload.UserID, conn)
	if err := m.repo.SetOnline(ctx, payload.UserID, true); err != nil {
		slog.Error("failed to mark identity online on rejoin", "identity_id", payload.UserID, "error", err)
	}

	history, err := m.repo.ListMessagesByRoom(ctx, payload.RoomID)
	if err != nil {
		m.fail(conn, realtime.EventRejoinError, fmt.Errorf("failed to load room history: %w", err))
		return
	}
	messages := make([]realtime.MessageEventPayload, 0, len(history))
	for _, msg := range history {
		messages = append(messages, realtime.MessageEventPayload{
			RoomID:       msg.RoomID,
			Message:      msg.Body,
			SenderID:     msg.SenderID,
			SenderRole:   string(msg.SenderRole),
			ReceiverID:   msg.ReceiverID,
			ReceiverRole: string(msg.ReceiverRole),
			Timestamp:    msg.SentAt,
		})
	}

	otherID := req.ProviderID
	participantType := string(repository.RoleUser)
	if payload.UserID == req.ProviderID {
		otherID = req.RequesterID
		participantType = string(repository.RoleAstrologer)
	}

	slog.Info("participant rejoined", "room_id", payload.RoomID, "identity_id", payload.UserID)
	m.send(conn, realtime.EventRejoinSuccess, realtime.RejoinSuccessPayload{
		RoomID:             payload.RoomID,
		Messages:           messages,
		OtherParticipantID: otherID,
		SessionType:        string(req.SessionType),
		Status:             string(req.Status),
		BillingState:       string(m.engine.StateOf(payload.RoomID)),
	})
	m.dispatcher.Notify(otherID, realtime.EventParticipantRejoined, realtime.ParticipantRejoinedPayload{
		RoomID:          payload.RoomID,
		ParticipantID:   payload.UserID,
		ParticipantType: participantType,
	})
}

func (m *Manager) handleGetActiveChats(ctx context.Context, conn realtime.Conn, data json.RawMessage) {
	var payload realtime.ActiveChatsPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		m.fail(conn, realtime.EventActiveChatsError, errs.NotFound("get-active-chats payload requires userId"))
		return
	}
	role := repository.RoleUser
	if payload.UserType == string(repository.RoleAstrologer) {
		role = repository.RoleAstrologer
	}

	requests, err := m.repo.ListActiveRequests(ctx, payload.UserID, role, activeChatsLimit)
	if err != nil {
		m.fail(conn, realtime.EventActiveChatsError, fmt.Errorf("failed to list active sessions: %w", err))
		return
	}

	chats := make([]realtime.ActiveChatItem, 0, len(requests))
	for _, req := range requests {
		counterpartID := req.ProviderID
		if role == repository.RoleAstrologer {
			counterpartID = req.RequesterID
		}
		item := realtime.ActiveChatItem{
			RoomID:        req.RoomID,
			SessionType:   string(req.SessionType),
			StartedAt:     req.StartedAt,
			CounterpartID: counterpartID,
		}
		if counterpart, err := m.repo.GetIdentity(ctx, counterpartID); err == nil {
			item.CounterpartName = counterpart.DisplayName
			item.CounterpartImage = counterpart.ProfilePicture
		} else {
			slog.Warn("failed to load counterpart for active chat", "identity_id", counterpartID, "error", err)
		}
		chats = append(chats, item)
	}

	m.send(conn, realtime.EventActiveChatsList, realtime.ActiveChatsListPayload{
		Chats: chats,
		Count: len(chats),
	})
}

// activeRoomFor loads the accepted request behind roomID and verifies the
// connection's identity is one of its two participants.
func (m *Manager) activeRoomFor(ctx context.Context, conn realtime.Conn, roomID string) (*repository.SessionRequest, error) {
	callerID, ok := m.presence.IdentityFor(conn)
	if !ok {
		return nil, errs.Unauthorized("connection is not registered")
	}
	req, err := m.repo.GetRequestByRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.NotFound("room %s not found", roomID)
		}
		return nil, fmt.Errorf("failed to load room: %w", err)
	}
	if callerID != req.RequesterID && callerID != req.ProviderID {
		return nil, errs.Unauthorized("identity %s is not a participant of room %s", callerID, roomID)
	}
	if req.Status != repository.RequestStatusAccepted {
		return nil, errs.AlreadyResolved(string(req.Status))
	}
	return req, nil
}

func (m *Manager) send(conn realtime.Conn, event string, payload any) {
	if err := conn.Send(event, payload); err != nil {
		slog.Warn("failed to send event", "event", event, "conn_id", conn.ID(), "error", err)
	}
}

// fail delivers the normalized error on the event-specific error channel.
func (m *Manager) fail(conn realtime.Conn, errorEvent string, err error) {
	e := errs.From(err)
	if e.Code == errs.CodeInternal {
		slog.Error("event handling failed", "error", err)
	} else {
		slog.Warn("event rejected", "code", e.Code, "reason", e.Message)
	}
	if sendErr := conn.Send(errorEvent, e); sendErr != nil {
		slog.Warn("failed to deliver error event", "event", errorEvent, "conn_id", conn.ID(), "error", sendErr)
	}
}
