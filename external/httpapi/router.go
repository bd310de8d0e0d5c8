// Package httpapi exposes the read-side REST surface next to the websocket
// gateway: conversation history, the chat contact list and wallet statements.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/taralok/consult/internal/errs"
	"github.com/taralok/consult/internal/history"
	"github.com/taralok/consult/internal/wallet"
)

const defaultWalletEntryLimit = 50

type API struct {
	history *history.Service
	ledger  *wallet.Ledger
}

func NewAPI(historySvc *history.Service, ledger *wallet.Ledger) *API {
	return &API{history: historySvc, ledger: ledger}
}

func (a *API) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", a.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/history/{identityID}/{counterpartID}", a.handleConversation)
		r.Get("/chats/{identityID}", a.handleContacts)
		r.Get("/wallet/{identityID}", a.handleWallet)
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type messageResponse struct {
	RoomID       string    `json:"roomId"`
	SenderID     string    `json:"senderId"`
	SenderRole   string    `json:"senderRole"`
	ReceiverID   string    `json:"receiverId"`
	ReceiverRole string    `json:"receiverRole"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")
	counterpartID := chi.URLParam(r, "counterpartID")

	messages, err := a.history.Conversation(r.Context(), identityID, counterpartID)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messageResponse{
			RoomID:       msg.RoomID,
			SenderID:     msg.SenderID,
			SenderRole:   string(msg.SenderRole),
			ReceiverID:   msg.ReceiverID,
			ReceiverRole: string(msg.ReceiverRole),
			Message:      msg.Body,
			Timestamp:    msg.SentAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := a.history.Contacts(r.Context(), chi.URLParam(r, "identityID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, contacts)
}

type walletResponse struct {
	Balance string                `json:"balance"`
	Entries []walletEntryResponse `json:"entries"`
}

type walletEntryResponse struct {
	Amount    string    `json:"amount"`
	Reason    string    `json:"reason"`
	RoomID    string    `json:"roomId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (a *API) handleWallet(w http.ResponseWriter, r *http.Request) {
	identityID := chi.URLParam(r, "identityID")
	limit := defaultWalletEntryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, errs.NotFound("limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	balance, err := a.ledger.Balance(r.Context(), identityID)
	if err != nil {
		respondError(w, err)
		return
	}
	entries, err := a.ledger.History(r.Context(), identityID, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	out := walletResponse{Balance: balance.String(), Entries: make([]walletEntryResponse, 0, len(entries))}
	for _, entry := range entries {
		out.Entries = append(out.Entries, walletEntryResponse{
			Amount:    entry.Amount.String(),
			Reason:    entry.Reason,
			RoomID:    entry.RoomID,
			CreatedAt: entry.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, err error) {
	e := errs.From(err)
	status := http.StatusInternalServerError
	switch e.Code {
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeUnauthorized:
		status = http.StatusForbidden
	case errs.CodeAlreadyResolved, errs.CodeUnavailable:
		status = http.StatusConflict
	case errs.CodeInsufficientFunds:
		status = http.StatusPaymentRequired
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	respondJSON(w, status, e)
}
