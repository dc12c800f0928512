package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/IanDowney11/NOSTR-HA-Bridge/errors"
	"github.com/IanDowney11/NOSTR-HA-Bridge/pkg/retry"
)

const (
	handshakeTimeout = 45 * time.Second
	writeTimeout     = 10 * time.Second
	// A relay that answers no ping within pongWait has a dead
	// connection; pings go out often enough that a healthy one never
	// approaches the deadline.
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
	// Overlap applied to the live subscription's since filter after a
	// reconnect; the dedup ledger absorbs the resulting duplicates.
	resubscribeOverlap = 60 * time.Second
)

// fetchState tracks one in-flight catch-up subscription.
type fetchState struct {
	events chan *Event
	eose   chan struct{}
	once   sync.Once
}

func (f *fetchState) closeEOSE() {
	f.once.Do(func() { close(f.eose) })
}

// Relay maintains one relay connection: a standing live subscription
// with automatic reconnect, plus ephemeral catch-up subscriptions.
type Relay struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	liveSubID  string
	liveFilter Filter
	out        chan<- *Event

	conn    *websocket.Conn
	connMu  sync.Mutex
	writeMu sync.Mutex

	fetches  map[string]*fetchState
	fetchMu  sync.Mutex
	shutdown chan struct{}
	cancel   context.CancelFunc

	connected  atomic.Bool
	reconnects atomic.Int64
	wg         sync.WaitGroup
}

// NewRelay creates an unconnected relay client for url.
func NewRelay(url string, logger *slog.Logger) *Relay {
	return &Relay{
		url:    url,
		logger: logger.With("component", "relay", "relay_url", url),
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		liveSubID: "live-" + uuid.NewString()[:8],
		fetches:   make(map[string]*fetchState),
		shutdown:  make(chan struct{}),
	}
}

// URL returns the relay URL.
func (r *Relay) URL() string {
	return r.url
}

// Connected reports whether the relay currently has a live connection.
func (r *Relay) Connected() bool {
	return r.connected.Load()
}

// Start begins the connect loop. Live events matching filter are sent
// to out. Start returns immediately; delivery begins once connected.
func (r *Relay) Start(ctx context.Context, filter Filter, out chan<- *Event) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.liveFilter = filter
	r.out = out
	r.wg.Add(1)
	go r.connectLoop(ctx)
}

// Stop closes the connection and waits for the read loop to exit.
func (r *Relay) Stop(timeout time.Duration) error {
	close(r.shutdown)
	if r.cancel != nil {
		r.cancel()
	}
	r.closeConn()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			fmt.Errorf("shutdown timeout after %v", timeout),
			"Relay", "Stop", "wait for read loop")
	}
}

// connectLoop dials the relay, resubscribes, and runs the read loop,
// reconnecting with backoff until shutdown.
func (r *Relay) connectLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		default:
		}

		err := retry.Do(ctx, retry.Persistent(), func() error {
			return r.connect(ctx)
		})
		if err != nil {
			r.logger.Error("relay unreachable, giving up until next cycle", "error", err)
			// Persistent backoff exhausted; start over unless shutting down
			select {
			case <-ctx.Done():
				return
			case <-r.shutdown:
				return
			case <-time.After(30 * time.Second):
				continue
			}
		}

		r.connected.Store(true)
		r.logger.Info("connected to relay")

		r.readLoop(ctx)

		r.connected.Store(false)
		r.closeConn()
		r.abortFetches()
		r.reconnects.Add(1)

		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		default:
			r.logger.Warn("relay connection lost, reconnecting")
			// Widen the live window backwards so events published while
			// disconnected are not missed; dedup drops the overlap.
			if r.liveFilter.Since != nil {
				since := time.Now().Add(-resubscribeOverlap).Unix()
				r.liveFilter.Since = &since
			}
		}
	}
}

// connect dials and issues the live REQ.
func (r *Relay) connect(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return errors.WrapTransient(err, "Relay", "connect", "dial")
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()

	if err := r.writeJSON([]any{"REQ", r.liveSubID, r.liveFilter}); err != nil {
		r.closeConn()
		return errors.WrapTransient(err, "Relay", "connect", "subscribe")
	}
	return nil
}

// readLoop reads relay messages until the connection fails. Reads
// block with no per-message deadline; a gorilla connection is
// permanently failed after any read error, so the only exits are a
// failed read (reconnect) or Stop closing the connection under us.
func (r *Relay) readLoop(ctx context.Context) {
	conn := r.currentConn()
	if conn == nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go r.pingLoop(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			case <-r.shutdown:
			default:
				r.logger.Debug("relay read failed", "error", err)
			}
			return
		}
		r.handleMessage(message)
	}
}

// pingLoop keeps the read deadline alive on an idle connection. A
// relay that stops answering fails the read within pongWait, routing
// the relay back through reconnect.
func (r *Relay) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			// WriteControl is safe alongside writeJSON's data writes
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches one relay wire message.
func (r *Relay) handleMessage(data []byte) {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil || len(arr) < 1 {
		r.logger.Debug("discarding unparseable relay message")
		return
	}

	var msgType string
	if err := json.Unmarshal(arr[0], &msgType); err != nil {
		return
	}

	switch msgType {
	case "EVENT":
		if len(arr) < 3 {
			return
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(arr[2], &ev); err != nil {
			r.logger.Debug("discarding unparseable event", "sub_id", subID)
			return
		}
		r.dispatchEvent(subID, &ev)

	case "EOSE":
		if len(arr) < 2 {
			return
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return
		}
		r.fetchMu.Lock()
		fetch, ok := r.fetches[subID]
		r.fetchMu.Unlock()
		if ok {
			fetch.closeEOSE()
		}

	case "CLOSED":
		if len(arr) < 2 {
			return
		}
		var subID string
		_ = json.Unmarshal(arr[1], &subID)
		r.logger.Warn("relay closed subscription", "sub_id", subID)
		r.fetchMu.Lock()
		fetch, ok := r.fetches[subID]
		r.fetchMu.Unlock()
		if ok {
			fetch.closeEOSE()
		}

	case "NOTICE":
		if len(arr) >= 2 {
			var notice string
			_ = json.Unmarshal(arr[1], &notice)
			r.logger.Debug("relay notice", "notice", notice)
		}

	case "OK":
		// Publish acknowledgment; logged for the publisher tool
		r.logger.Debug("relay publish acknowledgment")
	}
}

// dispatchEvent routes an event to the live channel or a fetch buffer.
func (r *Relay) dispatchEvent(subID string, ev *Event) {
	if subID == r.liveSubID {
		select {
		case r.out <- ev:
		case <-r.shutdown:
		}
		return
	}

	r.fetchMu.Lock()
	fetch, ok := r.fetches[subID]
	r.fetchMu.Unlock()
	if ok {
		select {
		case fetch.events <- ev:
		default:
			// Fetch buffer full; the bounded-count contract caps useful results
		}
	}
}

// Fetch runs one bounded catch-up query: REQ until EOSE or timeout,
// then CLOSE. The returned events are unfiltered; the gateway applies
// sender, kind, and dedup checks.
func (r *Relay) Fetch(ctx context.Context, filter Filter, timeout time.Duration) ([]*Event, error) {
	if !r.connected.Load() {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "Relay", "Fetch", "check connection")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 500
		filter.Limit = limit
	}

	subID := "fetch-" + uuid.NewString()[:8]
	fetch := &fetchState{
		events: make(chan *Event, limit),
		eose:   make(chan struct{}),
	}

	r.fetchMu.Lock()
	r.fetches[subID] = fetch
	r.fetchMu.Unlock()

	defer func() {
		r.fetchMu.Lock()
		delete(r.fetches, subID)
		r.fetchMu.Unlock()
		_ = r.writeJSON([]any{"CLOSE", subID})
	}()

	if err := r.writeJSON([]any{"REQ", subID, filter}); err != nil {
		return nil, errors.WrapTransient(err, "Relay", "Fetch", "send request")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-fetch.eose:
	case <-timer.C:
		// Partial results on timeout are fine; dedup makes retries cheap
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.shutdown:
		return nil, errors.WrapTransient(errors.ErrShuttingDown, "Relay", "Fetch", "await events")
	}

	// Unregister before closing: relays deliver trailing events between
	// EOSE and our CLOSE, and the read loop must not find a closed
	// channel in the map.
	r.fetchMu.Lock()
	delete(r.fetches, subID)
	r.fetchMu.Unlock()

	close(fetch.events)
	events := make([]*Event, 0, len(fetch.events))
	for ev := range fetch.events {
		events = append(events, ev)
	}
	return events, nil
}

// Publish sends an event to the relay. Fire-and-forget: the OK
// acknowledgment is only logged.
func (r *Relay) Publish(ctx context.Context, ev *Event) error {
	if !r.connected.Load() {
		return errors.WrapTransient(errors.ErrNoConnection, "Relay", "Publish", "check connection")
	}
	if err := r.writeJSON([]any{"EVENT", ev}); err != nil {
		return errors.WrapTransient(err, "Relay", "Publish", "send event")
	}
	return nil
}

// writeJSON serializes and writes one wire message under the write lock.
func (r *Relay) writeJSON(msg []any) error {
	conn := r.currentConn()
	if conn == nil {
		return errors.ErrNoConnection
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (r *Relay) currentConn() *websocket.Conn {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.conn
}

func (r *Relay) closeConn() {
	r.connMu.Lock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.connMu.Unlock()
}

// abortFetches releases any Fetch calls blocked on a dead connection.
func (r *Relay) abortFetches() {
	r.fetchMu.Lock()
	for _, fetch := range r.fetches {
		fetch.closeEOSE()
	}
	r.fetchMu.Unlock()
}
