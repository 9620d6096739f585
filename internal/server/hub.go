package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/ifschat/internal/metrics"
	"github.com/Tyrowin/ifschat/internal/relay"
)

const relayOutboxSize = 256

// HubOptions configures a Hub. Zero values select a no-op relay, a private
// metrics registry and a disabled logger.
type HubOptions struct {
	Relay   relay.Relay
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
}

// Hub owns every open connection together with presence and room state.
// Registration, room joins and broadcasts are serialised through Run.
type Hub struct {
	clients    map[*Client]bool
	presence   *Presence
	rooms      *Rooms
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	joins      chan joinRequest
	outbox     chan BroadcastMessage
	relay      relay.Relay
	metrics    *metrics.Metrics
	log        zerolog.Logger
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

type joinRequest struct {
	client  *Client
	userIDs []string
	room    string
	done    chan struct{}
}

func NewHub(opts HubOptions) *Hub {
	if opts.Relay == nil {
		opts.Relay = relay.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]bool),
		presence:   NewPresence(),
		rooms:      NewRooms(),
		broadcast:  make(chan BroadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		joins:      make(chan joinRequest),
		outbox:     make(chan BroadcastMessage, relayOutboxSize),
		relay:      opts.Relay,
		metrics:    opts.Metrics,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (h *Hub) Presence() *Presence { return h.presence }

// Register hands c to the hub, which starts its pumps. It returns false once
// the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast queues msg for delivery by the hub loop.
func (h *Hub) Broadcast(msg BroadcastMessage) bool {
	select {
	case h.broadcast <- msg:
		return true
	case <-h.done:
		return false
	}
}

// Send delivers payload to c alone, ordered with c's other hub traffic.
func (h *Hub) Send(c *Client, payload []byte) bool {
	return h.Broadcast(BroadcastMessage{Target: c, Payload: payload})
}

// Join adds c to room and returns once the join is applied.
func (h *Hub) Join(c *Client, room string) bool {
	return h.join(joinRequest{client: c, room: room, done: make(chan struct{})})
}

// JoinUsers adds every open connection of the given users to room.
func (h *Hub) JoinUsers(userIDs []string, room string) bool {
	return h.join(joinRequest{userIDs: userIDs, room: room, done: make(chan struct{})})
}

func (h *Hub) join(req joinRequest) bool {
	select {
	case h.joins <- req:
	case <-h.done:
		return false
	}
	select {
	case <-req.done:
		return true
	case <-h.done:
		return false
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Msg("Recovered from panic in safeSend")
		}
	}()

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run starts the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.publishLoop()
	}()
	go func() {
		defer h.wg.Done()
		if err := h.relay.Run(h.ctx, h.deliverRemote); err != nil {
			h.log.Error().Err(err).Msg("Relay stopped")
		}
	}()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("Received nil client registration; skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			h.dropClients([]*Client{client}, "disconnected")

		case req := <-h.joins:
			h.handleJoin(req)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mutex.Unlock()

	for _, chatID := range client.chatIDs {
		h.rooms.Join(RoomFor(chatID), client)
	}
	h.metrics.ActiveConnections.Inc()

	h.log.Info().
		Str("conn_id", client.id).
		Str("user_id", client.userID).
		Str("addr", client.addr).
		Int("rooms", len(client.chatIDs)).
		Int("clients", clientCount).
		Msg("Client registered")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	if h.presence.Add(client.userID, client.id) {
		h.metrics.OnlineUsers.Inc()
		h.broadcastPresence(client.userID, StatusOnline)
	}
}

func (h *Hub) handleJoin(req joinRequest) {
	defer close(req.done)

	if req.client != nil {
		h.mutex.RLock()
		_, ok := h.clients[req.client]
		h.mutex.RUnlock()
		if ok {
			h.rooms.Join(req.room, req.client)
		}
		return
	}

	wanted := make(map[string]struct{}, len(req.userIDs))
	for _, id := range req.userIDs {
		wanted[id] = struct{}{}
	}
	for _, c := range h.getClientSnapshot() {
		if _, ok := wanted[c.userID]; ok {
			h.rooms.Join(req.room, c)
		}
	}
}

func (h *Hub) handleBroadcast(msg BroadcastMessage) {
	var targets []*Client

	switch {
	case msg.Target != nil:
		if !h.safeSend(msg.Target, msg.Payload) {
			h.dropClients([]*Client{msg.Target}, "full send buffer")
		}
		return

	case msg.Room != "":
		if msg.RequireJoined && msg.Sender != nil && !h.rooms.Has(msg.Room, msg.Sender) {
			h.safeSend(msg.Sender, exceptionFrame("You have not joined this chat"))
			return
		}
		targets = h.rooms.Members(msg.Room)
		if !msg.Remote {
			h.forward(msg)
		}

	default:
		targets = h.getClientSnapshot()
	}

	h.log.Debug().Str("room", msg.Room).Int("targets", len(targets)).Bool("remote", msg.Remote).Msg("Broadcasting")
	h.dropClients(h.broadcastToClients(targets, msg), "full send buffer")
}

func (h *Hub) broadcastPresence(userID, status string) {
	payload, err := encodeEvent(EventPresence, PresencePayload{UserID: userID, Status: status})
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode presence")
		return
	}
	msg := BroadcastMessage{Payload: payload}
	h.dropClients(h.broadcastToClients(h.getClientSnapshot(), msg), "full send buffer")
}

// getClientSnapshot returns a thread-safe snapshot of all current clients
func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// broadcastToClients sends the payload to every target except the sender and
// returns the clients that could not take it.
func (h *Hub) broadcastToClients(clients []*Client, msg BroadcastMessage) []*Client {
	var failed []*Client
	for _, client := range clients {
		if msg.Sender != nil && client == msg.Sender {
			continue
		}
		if !h.safeSend(client, msg.Payload) {
			failed = append(failed, client)
		}
	}
	return failed
}

// dropClients removes clients from the hub, their rooms and presence, closes
// their send channels and announces users that went offline.
func (h *Hub) dropClients(clients []*Client, reason string) {
	if len(clients) == 0 {
		return
	}

	var channelsToClose []chan []byte
	var offline []string

	h.mutex.Lock()
	for _, client := range clients {
		if _, exists := h.clients[client]; !exists {
			continue
		}
		delete(h.clients, client)
		client.closed = true
		channelsToClose = append(channelsToClose, client.send)

		h.rooms.LeaveAll(client)
		if h.presence.Remove(client.userID, client.id) {
			offline = append(offline, client.userID)
		}
		h.log.Info().Str("conn_id", client.id).Str("user_id", client.userID).Str("reason", reason).Msg("Client unregistered")
	}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
		h.metrics.ActiveConnections.Dec()
	}
	h.log.Debug().Int("clients", clientCount).Msg("Clients remaining")

	for _, userID := range offline {
		h.metrics.OnlineUsers.Dec()
		h.broadcastPresence(userID, StatusOffline)
	}
}

func (h *Hub) forward(msg BroadcastMessage) {
	select {
	case h.outbox <- msg:
	default:
		h.log.Warn().Str("room", msg.Room).Msg("Relay outbox full; dropping frame")
	}
}

func (h *Hub) publishLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.outbox:
			ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
			if err := h.relay.Publish(ctx, msg.Room, msg.Payload); err != nil {
				h.log.Warn().Err(err).Str("room", msg.Room).Msg("Relay publish failed")
			}
			cancel()
		}
	}
}

func (h *Hub) deliverRemote(room string, payload []byte) {
	select {
	case h.broadcast <- BroadcastMessage{Room: room, Payload: payload, Remote: true}:
	case <-h.ctx.Done():
	}
}

// shutdownClients gracefully closes all active client connections
func (h *Hub) shutdownClients() {
	h.log.Info().Msg("Shutting down all client connections...")

	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn().Err(err).Str("addr", client.addr).Msg("Error closing client connection")
			}
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("Closed client connections")
}

// Shutdown stops the hub and waits for client goroutines to finish, or for
// timeout to elapse.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
