// Package httpserver exposes the streaming admission and control endpoints.
package httpserver

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pulse/internal/dispatch"
	"github.com/coachpo/pulse/internal/errs"
	"github.com/coachpo/pulse/internal/fanout"
	"github.com/coachpo/pulse/internal/registry"
	"github.com/coachpo/pulse/internal/schema"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	// streamWriteTimeout caps a single frame write on either streaming
	// transport; a slower client is treated as gone.
	streamWriteTimeout = 10 * time.Second

	eventsPath        = "/events"
	eventsWSPath      = "/events/ws"
	subscriptionsPath = "/subscriptions"
	notificationsPath = "/notifications"
	statsPath         = "/stats"

	userIDHeader         = "X-User-ID"
	organizationIDHeader = "X-Organization-ID"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	coordinator *fanout.Coordinator
	dispatcher  *dispatch.Dispatcher
	registry    *registry.Registry
	logger      *log.Logger
}

// NewHandler creates the HTTP handler serving SSE, websocket and control
// endpoints. Identity comes from headers set by the upstream auth layer.
func NewHandler(coordinator *fanout.Coordinator, dispatcher *dispatch.Dispatcher, reg *registry.Registry, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	server := &httpServer{coordinator: coordinator, dispatcher: dispatcher, registry: reg, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(eventsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.streamEvents,
		http.MethodPost: server.emitEvent,
	}))
	mux.Handle(eventsWSPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamEventsWS,
	}))

	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getSubscriptions,
		http.MethodPost:   server.subscribe,
		http.MethodDelete: server.unsubscribe,
	}))

	mux.Handle(notificationsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.sendNotification,
	}))

	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStats,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

type subscriptionPayload struct {
	UserID    string   `json:"userId"`
	EventType string   `json:"eventType"`
	Params    []string `json:"params"`
}

type emitPayload struct {
	EventType     string   `json:"eventType"`
	Params        []string `json:"params"`
	Payload       any      `json:"payload"`
	TargetUserIDs []string `json:"targetUserIds"`
}

type notificationPayload struct {
	Title                string `json:"title"`
	Message              string `json:"message"`
	Level                string `json:"level"`
	TargetUserID         string `json:"targetUserId"`
	TargetOrganizationID string `json:"targetOrganizationId"`
}

func (s *httpServer) subscribe(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeSubscriptionPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.coordinator.Subscribe(r.Context(), payload.UserID, payload.EventType, payload.Params); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	key := schema.SubscriptionKey(payload.EventType, payload.Params)
	writeJSON(w, http.StatusOK, map[string]string{"status": "subscribed", "key": key})
}

func (s *httpServer) unsubscribe(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeSubscriptionPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.coordinator.Unsubscribe(r.Context(), payload.UserID, payload.EventType, payload.Params); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	key := schema.SubscriptionKey(payload.EventType, payload.Params)
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed", "key": key})
}

func (s *httpServer) getSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		userID = strings.TrimSpace(r.Header.Get(userIDHeader))
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId required")
		return
	}
	keys := s.coordinator.UserSubscriptions(userID)
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "subscriptions": keys})
}

func (s *httpServer) emitEvent(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload emitPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	if err := s.coordinator.Emit(r.Context(), payload.EventType, payload.Params, payload.Payload, payload.TargetUserIDs); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *httpServer) sendNotification(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	var payload notificationPayload
	if err := decodeBody(r, &payload); err != nil {
		writeDecodeError(w, err)
		return
	}
	level := schema.NotificationLevel(strings.ToLower(strings.TrimSpace(payload.Level)))
	if level == "" {
		level = schema.NotificationInfo
	}
	switch level {
	case schema.NotificationInfo, schema.NotificationWarning, schema.NotificationError, schema.NotificationSuccess:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown level %q", payload.Level))
		return
	}
	delivered, err := s.coordinator.SendNotification(payload.Title, payload.Message, level, payload.TargetUserID, payload.TargetOrganizationID)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "delivered": delivered})
}

func (s *httpServer) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

func decodeSubscriptionPayload(r *http.Request) (subscriptionPayload, error) {
	var payload subscriptionPayload
	if err := decodeBody(r, &payload); err != nil {
		return payload, err
	}
	payload.UserID = strings.TrimSpace(payload.UserID)
	payload.EventType = strings.TrimSpace(payload.EventType)
	return payload, nil
}

func decodeBody(r *http.Request, target any) error {
	defer func() {
		_ = r.Body.Close()
	}()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func identityFromRequest(r *http.Request) (userID, organizationID string) {
	userID = strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	organizationID = strings.TrimSpace(r.Header.Get(organizationIDHeader))
	if organizationID == "" {
		organizationID = strings.TrimSpace(r.URL.Query().Get("organizationId"))
	}
	return userID, organizationID
}

func writeCoordinatorError(w http.ResponseWriter, err error) {
	var domainErr *errs.E
	if errors.As(err, &domainErr) {
		switch domainErr.Code {
		case errs.CodeInvalid:
			writeError(w, http.StatusBadRequest, domainErr.Error())
		case errs.CodeNotFound:
			writeError(w, http.StatusNotFound, domainErr.Error())
		case errs.CodeUnavailable, errs.CodeNetwork:
			writeError(w, http.StatusServiceUnavailable, domainErr.Error())
		default:
			writeError(w, http.StatusInternalServerError, domainErr.Error())
		}
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID, X-Organization-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
