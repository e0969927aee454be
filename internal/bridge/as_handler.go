package bridge

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/matrix-bridges/matrix-rocketchat/internal/database"
	"github.com/matrix-bridges/matrix-rocketchat/internal/rocketchat"
)

// ASHandler implements the HTTP surface of the bridge: the Matrix
// Application Service API (transactions and namespace queries) and the
// Rocket.Chat outgoing-webhook receiver.
type ASHandler struct {
	svc        *Services
	dispatcher *EventDispatcher
	webhook    *WebhookHandler
	mux        *http.ServeMux
}

// ASTransaction is a batch of events pushed by the homeserver.
type ASTransaction struct {
	Events []*MatrixEvent `json:"events"`
}

// NewASHandler creates the HTTP handler and registers its routes.
func NewASHandler(svc *Services, dispatcher *EventDispatcher, webhook *WebhookHandler) *ASHandler {
	h := &ASHandler{
		svc:        svc,
		dispatcher: dispatcher,
		webhook:    webhook,
		mux:        http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *ASHandler) registerRoutes() {
	// Transaction endpoint — receives events from the homeserver
	h.mux.HandleFunc("PUT /transactions/{txnId}", h.handleTransaction)
	h.mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnId}", h.handleTransaction)

	// Rocket.Chat outgoing webhook
	h.mux.HandleFunc("POST /rocketchat", h.handleWebhook)

	// Namespace queries — homeserver asks whether a user or alias exists
	h.mux.HandleFunc("GET /rocketchat/users/{userId}", h.handleUserQuery)
	h.mux.HandleFunc("GET /users/{userId}", h.handleUserQuery)
	h.mux.HandleFunc("GET /_matrix/app/v1/users/{userId}", h.handleUserQuery)
	h.mux.HandleFunc("GET /rocketchat/rooms/{roomAlias}", h.handleRoomQuery)
	h.mux.HandleFunc("GET /rooms/{roomAlias}", h.handleRoomQuery)
	h.mux.HandleFunc("GET /_matrix/app/v1/rooms/{roomAlias}", h.handleRoomQuery)

	// Health check
	h.mux.HandleFunc("GET /_matrix/app/v1/ping", h.handlePing)
	h.mux.HandleFunc("GET /health", h.handlePing)
}

// ServeHTTP implements http.Handler.
func (h *ASHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// homeserverToken extracts the homeserver's access token from the request.
func homeserverToken(r *http.Request) string {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return token
}

// authenticate checks the homeserver token. A missing token yields 401, a
// wrong one 403.
func (h *ASHandler) authenticate(w http.ResponseWriter, r *http.Request) bool {
	token := homeserverToken(r)
	if token == "" {
		h.jsonError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "missing access token")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.svc.Config.AppService.HSToken)) != 1 {
		h.jsonError(w, http.StatusForbidden, "M_FORBIDDEN", "bad token")
		return false
	}
	return true
}

// handleTransaction processes a transaction of events from the homeserver.
// Per-event failures are reported to the user in-band; the response is 200
// regardless, otherwise the homeserver would retry the whole transaction.
func (h *ASHandler) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}

	var txn ASTransaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		h.jsonError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid JSON")
		return
	}

	ctx := r.Context()
	for _, evt := range txn.Events {
		if err := h.dispatcher.Dispatch(ctx, evt); err != nil {
			h.svc.Log.Error("event processing failed",
				"event_id", evt.ID, "type", evt.Type, "room_id", evt.RoomID, "error", err)
		}
	}

	h.jsonOK(w)
}

// handleWebhook processes a Rocket.Chat outgoing-webhook delivery.
func (h *ASHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var msg rocketchat.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		h.jsonError(w, http.StatusUnprocessableEntity, "malformed_payload", "invalid JSON")
		return
	}

	err := h.webhook.Process(r.Context(), &msg)
	switch {
	case err == nil:
		h.jsonOK(w)
	case errors.Is(err, errWebhookTokenMissing):
		h.jsonError(w, http.StatusUnauthorized, "token_missing", "webhook token missing")
	case errors.Is(err, errWebhookTokenUnknown):
		h.jsonError(w, http.StatusForbidden, "token_unknown", "webhook token unknown")
	default:
		// Processing failures are logged; Rocket.Chat gets a 200 so it does
		// not disable the webhook.
		h.svc.Log.Error("webhook processing failed",
			"message_id", msg.MessageID, "channel_id", msg.ChannelID, "error", err)
		h.jsonOK(w)
	}
}

// handleUserQuery answers 200 iff the user id lies within the
// application-service namespace.
func (h *ASHandler) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}

	userID := r.PathValue("userId")
	if h.svc.Rooms.IsInUserNamespace(userID) {
		h.jsonOK(w)
		return
	}
	h.jsonError(w, http.StatusNotFound, "M_NOT_FOUND", "user not in namespace")
}

// handleRoomQuery answers 200 iff the alias lies within the
// application-service namespace and maps to a known server.
func (h *ASHandler) handleRoomQuery(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(w, r) {
		return
	}

	alias := r.PathValue("roomAlias")
	if !h.svc.Rooms.IsInAliasNamespace(alias) {
		h.jsonError(w, http.StatusNotFound, "M_NOT_FOUND", "alias not in namespace")
		return
	}

	provisionable := false
	err := h.svc.DB.Transaction(r.Context(), func(stores database.Stores) error {
		servers, err := stores.Servers.GetConnectedServers(r.Context())
		if err != nil {
			return err
		}
		_, _, provisionable = h.svc.Rooms.ParseChannelAlias(alias, servers)
		return nil
	})
	if err != nil {
		h.svc.Log.Error("room query failed", "alias", alias, "error", err)
		h.jsonError(w, http.StatusInternalServerError, "M_UNKNOWN", "internal error")
		return
	}
	if !provisionable {
		h.jsonError(w, http.StatusNotFound, "M_NOT_FOUND", "alias not provisionable")
		return
	}
	h.jsonOK(w)
}

// handlePing responds to health/ping checks.
func (h *ASHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	h.jsonOK(w)
}

func (h *ASHandler) jsonOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{}`)
}

func (h *ASHandler) jsonError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp, _ := json.Marshal(map[string]string{
		"errcode": errCode,
		"error":   message,
	})
	w.Write(resp)
}
