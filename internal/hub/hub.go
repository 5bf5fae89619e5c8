// Package hub tracks downstream websocket connections per consumer and
// delivers envelopes over both downstream transports.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/streamforge/twitch-bridge/internal/logger"
)

const (
	writeDeadline     = 10 * time.Second
	heartbeatInterval = 30 * time.Second
	sendBuffer        = 100
)

// Hooks let the caller observe hub activity for statistics. Nil hooks are
// skipped.
type Hooks struct {
	OnConnect      func(serviceID string)
	OnDisconnect   func(serviceID string)
	OnWSEvent      func(serviceID string)
	OnWebhookEvent func(serviceID string)
}

// Client is one downstream websocket connection.
type Client struct {
	id        string
	serviceID string
	conn      *websocket.Conn
	sendCh    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
}

// Hub fans envelopes out to every connection a consumer holds.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*Client]struct{}
	hooks   Hooks
	logger  *logger.Logger

	httpClient *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func New(log *logger.Logger, hooks Hooks) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		hooks:      hooks,
		logger:     log.WithComponent("hub"),
		httpClient: &http.Client{},
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Connect registers the websocket connection and starts its send loop.
func (h *Hub) Connect(serviceID string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("hub is closed")
	}

	ctx, cancel := context.WithCancel(h.ctx)
	client := &Client{
		id:        uuid.NewString(),
		serviceID: serviceID,
		conn:      conn,
		sendCh:    make(chan []byte, sendBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}

	set, ok := h.clients[serviceID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[serviceID] = set
	}
	set[client] = struct{}{}
	total := len(set)
	h.mu.Unlock()

	h.logger.Info("downstream connection added",
		slog.String("service_id", serviceID),
		slog.String("client_id", client.id),
		slog.Int("service_connections", total))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.sendLoop(client)
	}()

	if h.hooks.OnConnect != nil {
		h.hooks.OnConnect(serviceID)
	}
	return client, nil
}

// Disconnect removes the connection and fires the disconnect hook once.
func (h *Hub) Disconnect(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.serviceID]
	if ok {
		if _, present := set[client]; !present {
			ok = false
		}
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, client.serviceID)
		}
	}
	h.mu.Unlock()

	client.cancel()
	if !ok {
		return
	}

	h.logger.Info("downstream connection removed",
		slog.String("service_id", client.serviceID),
		slog.String("client_id", client.id))

	if h.hooks.OnDisconnect != nil {
		h.hooks.OnDisconnect(client.serviceID)
	}
}

// ConnectionCount reports the live connections for one consumer.
func (h *Hub) ConnectionCount(serviceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[serviceID])
}

// PublishWS serializes the envelope once and enqueues it to every live
// connection of the consumer, in call order. Connections whose buffer is
// full are dropped. Returns the number of connections written to.
func (h *Hub) PublishWS(serviceID string, env Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to marshal envelope",
			slog.String("error", err.Error()),
			slog.String("type", env.Type))
		return 0
	}

	h.mu.Lock()
	set := h.clients[serviceID]
	targets := make([]*Client, 0, len(set))
	for client := range set {
		targets = append(targets, client)
	}
	var stale []*Client
	sent := 0
	for _, client := range targets {
		select {
		case client.sendCh <- data:
			sent++
		default:
			h.logger.Warn("downstream connection too slow, dropping it",
				slog.String("service_id", serviceID),
				slog.String("client_id", client.id))
			stale = append(stale, client)
		}
	}
	h.mu.Unlock()

	for _, client := range stale {
		h.Disconnect(client)
	}
	if sent > 0 && h.hooks.OnWSEvent != nil {
		h.hooks.OnWSEvent(serviceID)
	}
	return sent
}

// PublishWebhook POSTs the envelope as JSON and fires the webhook hook on a
// 2xx response.
func (h *Hub) PublishWebhook(ctx context.Context, serviceID, url string, env Envelope, timeout time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook target returned status %d", resp.StatusCode)
	}
	if h.hooks.OnWebhookEvent != nil {
		h.hooks.OnWebhookEvent(serviceID)
	}
	return nil
}

func (h *Hub) sendLoop(client *Client) {
	defer func() {
		client.conn.Close()
		h.Disconnect(client)
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case data := <-client.sendCh:
			client.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Error("failed to write to downstream websocket",
					slog.String("error", err.Error()),
					slog.String("service_id", client.serviceID),
					slog.String("client_id", client.id))
				return
			}

		case <-heartbeat.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-client.ctx.Done():
			return
		}
	}
}

// Close tears down every connection and waits for send loops to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.cancel()
	for _, set := range h.clients {
		for client := range set {
			client.cancel()
		}
	}
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	h.clients = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	h.logger.Info("hub closed")
}
