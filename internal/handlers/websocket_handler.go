package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/events"
	"github.com/circle-fin/usdc-flow-tracker/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades connections and fans out per-flow status
// updates, grounded on the teacher's internal/handlers/websocket_handler.go
// read/write-loop shape, generalized from its user-subscription model to
// the flow-topic subscriptions of events.Bus.
type WebSocketHandler struct {
	bus      *events.Bus
	upgrader websocket.Upgrader
}

// NewWebSocketHandler constructs a WebSocketHandler bound to bus.
func NewWebSocketHandler(bus *events.Bus) *WebSocketHandler {
	return &WebSocketHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// subscribeMessage is a client request to subscribe/unsubscribe from a
// flow's topic.
type subscribeMessage struct {
	Action string `json:"action"`
	FlowID string `json:"flowId"`
}

// HandleWebSocket upgrades the connection and serves subscribe/unsubscribe
// requests for the duration of the connection. Every subscribed flow's
// events.StatusUpdate messages are forwarded verbatim as JSON.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ [ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	clientID := uuid.New().String()
	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	var mu sync.Mutex
	subs := make(map[string]<-chan events.StatusUpdate)
	flowIDs := make([]string, 0, 4)
	done := make(chan struct{})

	forward := func(flowID string, ch <-chan events.StatusUpdate) {
		for {
			select {
			case update, ok := <-ch:
				if !ok {
					return
				}
				mu.Lock()
				writeErr := conn.WriteJSON(update)
				mu.Unlock()
				if writeErr != nil {
					log.Printf("❌ [ws] client=%s write failed: %v", clientID, writeErr)
					return
				}
				metrics.WSMessagesSent.WithLabelValues("status_update").Inc()
			case <-done:
				return
			}
		}
	}

	defer func() {
		close(done)
		h.bus.UnsubscribeAll(clientID, flowIDs)
	}()

	log.Printf("📡 [ws] client=%s connected", clientID)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-pingTicker.C:
				mu.Lock()
				err := conn.WriteMessage(websocket.PingMessage, nil)
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		var msg subscribeMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("🔌 [ws] client=%s closed", clientID)
			} else {
				log.Printf("⚠️ [ws] client=%s read error: %v", clientID, err)
			}
			return
		}

		switch msg.Action {
		case "subscribe":
			if msg.FlowID == "" {
				continue
			}
			ch := h.bus.Subscribe(msg.FlowID, clientID)
			subs[msg.FlowID] = ch
			flowIDs = append(flowIDs, msg.FlowID)
			go forward(msg.FlowID, ch)
			log.Printf("✅ [ws] client=%s subscribed flow=%s", clientID, msg.FlowID)
		case "unsubscribe":
			if msg.FlowID == "" {
				continue
			}
			h.bus.Unsubscribe(msg.FlowID, clientID)
			delete(subs, msg.FlowID)
		default:
			log.Printf("⚠️ [ws] client=%s unknown action: %s", clientID, msg.Action)
		}
	}
}
