// Package server provides the HTTP server and routing for RouteSpark.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/routespark/routespark/internal/events"
)

// streamedEventTypes are the event types fanned out to websocket clients.
var streamedEventTypes = []events.EventType{
	events.OrderFinalized,
	events.ForecastGenerated,
	events.RetrainCompleted,
	events.CalibrationUpdated,
	events.ExportReady,
	events.ExportFailed,
	events.JobProgress,
	events.PurgeCompleted,
	events.TransferSuggestionsUpdated,
	events.SystemStatusChanged,
	events.ErrorOccurred,
}

// streamClient is one connected websocket consumer.
type streamClient struct {
	ch      chan *events.Event
	allowed map[events.EventType]bool // nil streams everything
}

// EventsStreamHandler fans bus events out to websocket clients. The bus
// has no unsubscribe, so the handler subscribes once at construction and
// keeps its own per-connection channel registry.
type EventsStreamHandler struct {
	log     zerolog.Logger
	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

// NewEventsStreamHandler creates the stream handler and wires it to the
// event bus.
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	h := &EventsStreamHandler{
		log:     log.With().Str("component", "events_stream").Logger(),
		clients: make(map[*streamClient]struct{}),
	}
	for _, eventType := range streamedEventTypes {
		eventBus.Subscribe(eventType, h.broadcast)
	}
	return h
}

// broadcast forwards one bus event to every connected client.
func (h *EventsStreamHandler) broadcast(event *events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if client.allowed != nil && !client.allowed[event.Type] {
			continue
		}
		// Non-blocking send (drop if channel full)
		select {
		case client.ch <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Client channel full, dropping event")
		}
	}
}

func (h *EventsStreamHandler) addClient(allowed map[events.EventType]bool) *streamClient {
	client := &streamClient{
		ch:      make(chan *events.Event, 100), // Buffer to prevent blocking
		allowed: allowed,
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *EventsStreamHandler) removeClient(client *streamClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
}

// ServeHTTP handles GET /api/events/stream requests (websocket).
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Parse the type filter before upgrading
	typesFilter := r.URL.Query().Get("types")

	var allowedTypes map[events.EventType]bool
	if typesFilter != "" {
		allowedTypes = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesFilter, ",") {
			allowedTypes[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Cross-origin consumers are allowed, same as the REST API
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	h.log.Info().
		Str("types_filter", typesFilter).
		Msg("Client connected to event stream")

	client := h.addClient(allowedTypes)
	defer h.removeClient(client)

	// Push-only connection: CloseRead drains incoming frames and cancels
	// the context when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	// Send initial connection message
	if err := h.send(ctx, conn, map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	}); err != nil {
		return
	}

	// Heartbeat ticker so idle connections are not dropped by proxies
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Client disconnected from event stream")
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case event := <-client.ch:
			h.log.Debug().
				Str("event_type", string(event.Type)).
				Msg("Sending event to client")

			payload := map[string]interface{}{
				"type":      string(event.Type),
				"module":    event.Module,
				"timestamp": event.Timestamp.Format(time.RFC3339),
				"data":      event.Data,
			}
			if err := h.send(ctx, conn, payload); err != nil {
				h.log.Debug().Err(err).Msg("Write failed, dropping client")
				return
			}

		case <-heartbeat.C:
			payload := map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}
			if err := h.send(ctx, conn, payload); err != nil {
				return
			}
		}
	}
}

// send writes one JSON message with a bounded write deadline.
func (h *EventsStreamHandler) send(ctx context.Context, conn *websocket.Conn, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
