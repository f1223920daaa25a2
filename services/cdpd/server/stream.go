package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/bobby-ai-dev/manna-protocol/core/events"
	"github.com/bobby-ai-dev/manna-protocol/core/types"
	"github.com/bobby-ai-dev/manna-protocol/observability"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	owner  string
	events chan *types.Event
}

// Hub fans committed engine events out to websocket subscribers. Slow
// subscribers are dropped rather than blocking the engine.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	flat := events.Flatten(evt)
	if h == nil || flat == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.owner != "" && flat.Attr("owner") != sub.owner {
			continue
		}
		select {
		case sub.events <- flat.Clone():
		default:
			h.logger.Warn("cdpd: dropping slow event subscriber", slog.String("owner", sub.owner))
			delete(h.subs, sub)
			close(sub.events)
		}
	}
}

func (h *Hub) subscribe(owner string) *subscriber {
	sub := &subscriber{owner: owner, events: make(chan *types.Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	observability.API().StreamOpened()
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.events)
	}
	h.mu.Unlock()
	observability.API().StreamClosed()
}

// Subscribers reports the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams events as JSON text frames.
// The optional owner query parameter restricts the stream to one vault
// owner.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.logger.Warn("cdpd: websocket accept", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := h.subscribe(strings.TrimSpace(r.URL.Query().Get("owner")))
	defer h.unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-sub.events:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := h.write(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
