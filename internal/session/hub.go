package session

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"atlas/internal/events"
	"atlas/internal/satellites"
)

const (
	readLimit     = 1 << 20 // 1MB, audio chunks included
	readDeadline  = 90 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Hub is the connection registry: at most one live session per satellite,
// written by the protocol handler on connect/disconnect and read by
// manager-triggered command senders. All access to the connection map is
// serialized under one lock.
type Hub struct {
	db       *sql.DB
	bus      *events.Bus
	pipeline Pipeline
	upgrader websocket.Upgrader

	handshakeTimeout time.Duration
	staleAfter       time.Duration
	fillerDelay      time.Duration

	mu    sync.Mutex
	conns map[string]*satConn // satellite_id -> active connection

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// satConn wraps one satellite's WebSocket connection.
type satConn struct {
	conn        *websocket.Conn
	satelliteID string
	sessionID   string
	connectedAt time.Time

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu            sync.Mutex
	lastHeartbeat time.Time
	audio         bytes.Buffer
	capturing     bool

	done      chan struct{}
	closeOnce sync.Once
}

func (wc *satConn) close() {
	wc.closeOnce.Do(func() {
		close(wc.done)
		wc.conn.Close()
	})
}

// NewHub creates the registry. pipeline may be nil, in which case buffered
// utterances are discarded.
func NewHub(db *sql.DB, bus *events.Bus, pipeline Pipeline, handshakeTimeout, staleAfter time.Duration) *Hub {
	if pipeline == nil {
		pipeline = NopPipeline{}
	}
	return &Hub{
		db:       db,
		bus:      bus,
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		handshakeTimeout: handshakeTimeout,
		staleAfter:       staleAfter,
		fillerDelay:      400 * time.Millisecond,
		conns:            make(map[string]*satConn),
		stopCh:           make(chan struct{}),
	}
}

// Start launches the heartbeat staleness watchdog.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.watchdog()
}

// Stop closes every connection and stops the watchdog.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.mu.Lock()
	for _, wc := range h.conns {
		wc.close()
	}
	h.mu.Unlock()

	h.wg.Wait()
}

// HandleConnection upgrades an incoming request and runs the session
// handshake: the first message must be a valid ANNOUNCE within the
// handshake timeout, or the channel is closed and nothing is registered.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	sat, err := h.handshake(conn)
	if err != nil {
		log.Printf("[WS] Handshake rejected from %s: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}

	now := time.Now().UTC()
	wc := &satConn{
		conn:          conn,
		satelliteID:   sat.ID,
		sessionID:     uuid.NewString(),
		connectedAt:   now,
		lastHeartbeat: now,
		done:          make(chan struct{}),
	}

	// Last connect wins: a fresh ANNOUNCE replaces any prior session.
	h.mu.Lock()
	if prev, ok := h.conns[sat.ID]; ok {
		prev.close()
	}
	h.conns[sat.ID] = wc
	h.mu.Unlock()

	if err := h.writeFrame(wc, TypeAccepted, AcceptedPayload{SessionID: wc.sessionID}); err != nil {
		log.Printf("[WS] Accept write to %s failed: %v", sat.ID, err)
		h.unregister(wc)
		return
	}

	if err := satellites.UpdateStatus(h.db, sat.ID, satellites.StatusOnline); err != nil {
		log.Printf("[WS] Mark %s online: %v", sat.ID, err)
	}
	h.bus.Publish(events.Event{
		Type:        events.SatelliteOnline,
		Severity:    events.SeverityInfo,
		SatelliteID: sat.ID,
		Message:     fmt.Sprintf("Satellite %q connected (session %s)", sat.DisplayName, wc.sessionID),
	})
	log.Printf("[WS] Satellite %s connected, session %s", sat.ID, wc.sessionID)

	h.readLoop(wc)
	h.unregister(wc)
}

// handshake reads and validates the mandatory first ANNOUNCE.
func (h *Hub) handshake(conn *websocket.Conn) (*satellites.Satellite, error) {
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(h.handshakeTimeout))

	_, message, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read first message: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if frame.Type != TypeAnnounce {
		return nil, fmt.Errorf("first message was %q, want %q", frame.Type, TypeAnnounce)
	}

	var ann AnnouncePayload
	if err := json.Unmarshal(frame.Payload, &ann); err != nil {
		return nil, fmt.Errorf("invalid announce payload: %w", err)
	}
	if ann.SatelliteID == "" {
		return nil, fmt.Errorf("announce without satellite_id")
	}

	sat, err := satellites.GetByID(h.db, ann.SatelliteID)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", ann.SatelliteID, err)
	}
	if sat == nil {
		return nil, fmt.Errorf("unknown satellite %q", ann.SatelliteID)
	}
	return sat, nil
}

// unregister removes wc if it is still the current connection for its
// satellite and persists the offline status. Connections replaced by a
// newer ANNOUNCE are closed without touching the new session's state.
func (h *Hub) unregister(wc *satConn) {
	wc.close()

	h.mu.Lock()
	current := h.conns[wc.satelliteID] == wc
	if current {
		delete(h.conns, wc.satelliteID)
	}
	h.mu.Unlock()

	if !current {
		return
	}

	if err := satellites.UpdateStatus(h.db, wc.satelliteID, satellites.StatusOffline); err != nil {
		log.Printf("[WS] Mark %s offline: %v", wc.satelliteID, err)
	}
	h.bus.Publish(events.Event{
		Type:        events.SatelliteOffline,
		Severity:    events.SeverityWarning,
		SatelliteID: wc.satelliteID,
		Message:     fmt.Sprintf("Satellite %s disconnected", wc.satelliteID),
	})
	log.Printf("[WS] Satellite %s disconnected", wc.satelliteID)
}

// readLoop reads frames until the connection drops.
func (h *Hub) readLoop(wc *satConn) {
	defer wc.conn.Close()

	wc.conn.SetReadDeadline(time.Now().Add(readDeadline))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go h.pingLoop(wc)

	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error from %s: %v", wc.satelliteID, err)
			}
			return
		}
		wc.conn.SetReadDeadline(time.Now().Add(readDeadline))

		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Printf("[WS] Invalid frame from %s: %v", wc.satelliteID, err)
			continue
		}
		h.handleFrame(wc, frame)
	}
}

func (h *Hub) pingLoop(wc *satConn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wc.done:
			return
		case <-ticker.C:
			if err := wc.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(writeDeadline),
			); err != nil {
				return
			}
		}
	}
}

// handleFrame routes one parsed inbound frame.
func (h *Hub) handleFrame(wc *satConn, frame Frame) {
	switch frame.Type {
	case TypeHeartbeat:
		h.handleHeartbeat(wc, frame.Payload)

	case TypeWake:
		wc.mu.Lock()
		wc.audio.Reset()
		wc.capturing = false
		wc.mu.Unlock()
		log.Printf("[WS] Wake from %s", wc.satelliteID)

	case TypeAudioStart:
		wc.mu.Lock()
		wc.audio.Reset()
		wc.capturing = true
		wc.mu.Unlock()

	case TypeAudioChunk:
		var p AudioChunkPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Printf("[WS] Invalid audio chunk from %s: %v", wc.satelliteID, err)
			return
		}
		wc.mu.Lock()
		if wc.capturing {
			wc.audio.Write(p.Data)
		}
		wc.mu.Unlock()

	case TypeAudioEnd:
		var p AudioEndPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			log.Printf("[WS] Invalid audio end from %s: %v", wc.satelliteID, err)
			return
		}
		wc.mu.Lock()
		audio := make([]byte, wc.audio.Len())
		copy(audio, wc.audio.Bytes())
		wc.audio.Reset()
		wc.capturing = false
		wc.mu.Unlock()

		go h.forwardUtterance(wc, audio, p.Reason)

	case TypeStatus:
		var p StatusPayload
		if err := json.Unmarshal(frame.Payload, &p); err == nil {
			log.Printf("[WS] Status from %s: %s", wc.satelliteID, p.State)
		}

	case TypeAnnounce:
		// Repeat ANNOUNCE on an established channel: ignore, the session
		// already exists.
		log.Printf("[WS] Duplicate announce on open session from %s", wc.satelliteID)

	default:
		log.Printf("[WS] Unknown message type %q from %s", frame.Type, wc.satelliteID)
	}
}

func (h *Hub) handleHeartbeat(wc *satConn, raw json.RawMessage) {
	var p HeartbeatPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Printf("[WS] Invalid heartbeat from %s: %v", wc.satelliteID, err)
		return
	}

	wc.mu.Lock()
	wc.lastHeartbeat = time.Now().UTC()
	wc.mu.Unlock()

	if err := satellites.UpdateTelemetry(h.db, wc.satelliteID,
		p.UptimeSeconds, p.WifiRSSI, p.CPUTemp); err != nil {
		log.Printf("[WS] Store telemetry for %s: %v", wc.satelliteID, err)
	}
}

// forwardUtterance hands the buffered audio to the conversation pipeline
// and streams the reply back as TTS frames. When the reply is slow a
// filler phrase is requested first.
func (h *Hub) forwardUtterance(wc *satConn, audio []byte, reason string) {
	ch, err := h.pipeline.HandleUtterance(wc.satelliteID, wc.sessionID, audio, reason)
	if err != nil {
		log.Printf("[WS] Pipeline error for %s: %v", wc.satelliteID, err)
		return
	}
	if ch == nil {
		return
	}

	var first []byte
	var ok bool
	select {
	case first, ok = <-ch:
	case <-time.After(h.fillerDelay):
		h.writeFrame(wc, TypePlayFiller, PlayFillerPayload{})
		first, ok = <-ch
	}
	if !ok {
		return
	}

	h.writeFrame(wc, TypeTTSStart, nil)
	h.writeFrame(wc, TypeTTSChunk, TTSChunkPayload{Data: first})
	for chunk := range ch {
		h.writeFrame(wc, TypeTTSChunk, TTSChunkPayload{Data: chunk})
	}
	h.writeFrame(wc, TypeTTSEnd, nil)
}

// ─── watchdog ─────────────────────────────────────────────────────────────────

// watchdog closes sessions whose satellites stopped sending heartbeats
// without a clean disconnect.
func (h *Hub) watchdog() {
	defer h.wg.Done()

	interval := h.staleAfter / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.reapStale()
		}
	}
}

func (h *Hub) reapStale() {
	cutoff := time.Now().UTC().Add(-h.staleAfter)

	h.mu.Lock()
	var stale []*satConn
	for _, wc := range h.conns {
		wc.mu.Lock()
		if wc.lastHeartbeat.Before(cutoff) {
			stale = append(stale, wc)
		}
		wc.mu.Unlock()
	}
	h.mu.Unlock()

	for _, wc := range stale {
		log.Printf("[WS] Satellite %s heartbeat stale, closing session", wc.satelliteID)
		h.bus.Publish(events.Event{
			Type:        events.HeartbeatStale,
			Severity:    events.SeverityWarning,
			SatelliteID: wc.satelliteID,
			Message:     fmt.Sprintf("Satellite %s stopped sending heartbeats", wc.satelliteID),
		})
		wc.close()
	}
}

// ─── manager-facing API ───────────────────────────────────────────────────────

// Info describes one live session.
type Info struct {
	SatelliteID   string    `json:"satellite_id"`
	SessionID     string    `json:"session_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Connected reports whether a satellite holds a live session.
func (h *Hub) Connected(satelliteID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[satelliteID]
	return ok
}

// Sessions lists all live sessions.
func (h *Hub) Sessions() []Info {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Info, 0, len(h.conns))
	for _, wc := range h.conns {
		wc.mu.Lock()
		out = append(out, Info{
			SatelliteID:   wc.satelliteID,
			SessionID:     wc.sessionID,
			ConnectedAt:   wc.connectedAt,
			LastHeartbeat: wc.lastHeartbeat,
		})
		wc.mu.Unlock()
	}
	return out
}

// SendCommand delivers a best-effort command. It returns false, never an
// error, when the satellite is not currently connected.
func (h *Hub) SendCommand(satelliteID, name string, params map[string]any) bool {
	return h.send(satelliteID, TypeCommand, CommandPayload{Name: name, Params: params})
}

// PushConfig delivers a partial configuration update.
func (h *Hub) PushConfig(satelliteID string, partial map[string]any) bool {
	return h.send(satelliteID, TypeConfig, partial)
}

// Disconnect closes a satellite's session if one is open.
func (h *Hub) Disconnect(satelliteID string) {
	h.mu.Lock()
	wc, ok := h.conns[satelliteID]
	h.mu.Unlock()
	if ok {
		wc.close()
	}
}

func (h *Hub) send(satelliteID, msgType string, payload any) bool {
	h.mu.Lock()
	wc, ok := h.conns[satelliteID]
	h.mu.Unlock()
	if !ok {
		return false
	}

	if err := h.writeFrame(wc, msgType, payload); err != nil {
		log.Printf("[WS] Send %s to %s failed: %v", msgType, satelliteID, err)
		return false
	}
	return true
}

func (h *Hub) writeFrame(wc *satConn, msgType string, payload any) error {
	frame, err := newFrame(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return wc.conn.WriteJSON(frame)
}
