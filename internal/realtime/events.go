package realtime

import "time"

// Client-to-server events.
const (
	EventRegisterUser       = "register_user"
	EventRegisterAstrologer = "register_astrologer"
	EventChatRequest        = "chat-request"
	EventChatResponse       = "chat-response"
	EventCallRequest        = "call-request"
	EventCallResponse       = "call-response"
	EventJoinRoom           = "join-room"
	EventSendMessage        = "send-message"
	EventPauseChat          = "pause-chat"
	EventResumeChat         = "resume-chat"
	EventEndChat            = "end-chat"
	EventEndCall            = "end-call"
	EventCancelRequest      = "cancel-request"
	EventCancelChatRequest  = "cancel-chat-request"
	EventRejoinChatRoom     = "rejoin-chat-room"
	EventGetActiveChats     = "get-active-chats"
)

// Server-to-client events.
const (
	EventError                = "error"
	EventRegistered           = "registered"
	EventChatRequestSuccess   = "chat-request-success"
	EventChatRequestFromUser  = "chat-request-from-user"
	EventChatAccepted         = "chat-accepted"
	EventChatRejected         = "chat-rejected"
	EventChatRequestExpired   = "chat-request-expired"
	EventCallRequestFromUser  = "call-request-from-user"
	EventCallDetails          = "call-details"
	EventCallAccepted         = "call-accepted"
	EventCallRejected         = "call-rejected"
	EventReceivedMessage      = "received-message"
	EventChatPaused           = "chat-paused"
	EventChatResumed          = "chat-resumed"
	EventChatEnded            = "chat-ended"
	EventRequestCancelled     = "request-cancelled"
	EventRequestCancelledOK   = "request-cancelled-success"
	EventRequestCancelError   = "request-cancel-error"
	EventChatCancelledByUser  = "chat-request-cancelled-by-user"
	EventChatCancelledOK      = "chat-request-cancelled-success"
	EventRejoinSuccess        = "rejoin-success"
	EventRejoinError          = "rejoin-error"
	EventParticipantRejoined  = "participant-rejoined"
	EventActiveChatsList      = "active-chats-list"
	EventActiveChatsError     = "active-chats-error"
)

// Session-end reasons carried on the chat-ended summary.
const (
	ReasonUserEnded         = "user_ended"
	ReasonAstrologerEnded   = "astrologer_ended"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonInternalError     = "internal_error"
	ReasonServerShutdown    = "server_shutdown"
)

type RegisterPayload struct {
	IdentityID string `json:"identityId"`
}

// RegisteredPayload acknowledges a successful register with the identity
// summary the client renders from.
type RegisteredPayload struct {
	IdentityID   string `json:"identityId"`
	Role         string `json:"role"`
	Availability string `json:"availability"`
	Balance      string `json:"balance"`
}

type ChatRequestPayload struct {
	RequesterID string `json:"requesterId"`
	ProviderID  string `json:"providerId"`
	SessionType string `json:"sessionType"`
}

type ChatResponsePayload struct {
	RequestID string `json:"requestId"`
	Response  string `json:"response"`
}

type CallRequestPayload struct {
	RequesterID string `json:"requesterId"`
	ProviderID  string `json:"providerId"`
	SessionType string `json:"sessionType"`
	ChannelID   string `json:"channelId,omitempty"`
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	RoomID       string `json:"roomId"`
	Message      string `json:"message"`
	SenderID     string `json:"senderId"`
	SenderRole   string `json:"senderRole"`
	ReceiverID   string `json:"receiverId"`
	ReceiverRole string `json:"receiverRole"`
}

type PauseChatPayload struct {
	RoomID string `json:"roomId"`
}

type ResumeChatPayload struct {
	RoomID      string `json:"roomId"`
	SessionType string `json:"sessionType"`
	RequesterID string `json:"requesterId"`
	ProviderID  string `json:"providerId"`
}

type EndPayload struct {
	RoomID string `json:"roomId"`
	Sender string `json:"sender"`
}

type CancelRequestPayload struct {
	RequestID   string `json:"requestId"`
	UserID      string `json:"userId"`
	RequestType string `json:"requestType"`
}

type CancelChatRequestPayload struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
}

type RejoinPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

type ActiveChatsPayload struct {
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

// MediaCredentials are the opaque channel credentials handed to both parties
// of an audio/video session; issued by the media token collaborator.
type MediaCredentials struct {
	ChannelName string `json:"channelName"`
	UID         string `json:"uid"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TTLSeconds  int64  `json:"ttlSeconds"`
	ExpiresAt   int64  `json:"expiresAt"`
}

type RequestAckPayload struct {
	RequestID   string `json:"requestId"`
	ProviderID  string `json:"providerId"`
	SessionType string `json:"sessionType"`
}

type IncomingRequestPayload struct {
	RequestID      string            `json:"requestId"`
	RequesterID    string            `json:"requesterId"`
	SessionType    string            `json:"sessionType"`
	Name           string            `json:"name"`
	ProfilePicture string            `json:"profilePicture,omitempty"`
	Media          *MediaCredentials `json:"media,omitempty"`
}

type AcceptedPayload struct {
	RoomID string            `json:"roomId"`
	Media  *MediaCredentials `json:"media,omitempty"`
}

type RequestResolvedPayload struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type MessageEventPayload struct {
	RoomID       string    `json:"roomId"`
	Message      string    `json:"message"`
	SenderID     string    `json:"senderId"`
	SenderRole   string    `json:"senderRole"`
	ReceiverID   string    `json:"receiverId"`
	ReceiverRole string    `json:"receiverRole"`
	Timestamp    time.Time `json:"timestamp"`
}

type BillingStatePayload struct {
	RoomID          string `json:"roomId"`
	State           string `json:"state"`
	AccumulatedCost string `json:"accumulatedCost"`
	BilledSeconds   int64  `json:"billedSeconds"`
}

// SessionSummaryPayload is the closing summary delivered to both parties.
type SessionSummaryPayload struct {
	RoomID          string `json:"roomId"`
	Reason          string `json:"reason"`
	AccumulatedCost string `json:"accumulatedCost"`
	BilledSeconds   int64  `json:"billedSeconds"`
}

type RejoinSuccessPayload struct {
	RoomID             string                `json:"roomId"`
	Messages           []MessageEventPayload `json:"messages"`
	OtherParticipantID string                `json:"otherParticipantId"`
	SessionType        string                `json:"sessionType"`
	Status             string                `json:"status"`
	BillingState       string                `json:"billingState"`
}

type ParticipantRejoinedPayload struct {
	RoomID          string `json:"roomId"`
	ParticipantID   string `json:"participantId"`
	ParticipantType string `json:"participantType"`
}

type ActiveChatItem struct {
	RoomID           string     `json:"roomId"`
	SessionType      string     `json:"sessionType"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	CounterpartID    string     `json:"counterpartId"`
	CounterpartName  string     `json:"counterpartName"`
	CounterpartImage string     `json:"counterpartImage,omitempty"`
}

type ActiveChatsListPayload struct {
	Chats []ActiveChatItem `json:"chats"`
	Count int              `json:"count"`
}
