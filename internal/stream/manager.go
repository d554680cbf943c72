package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/XavierBriggs/fortuna/services/odds-feed/pkg/models"
	"github.com/google/uuid"
)

const (
	DefaultKeepalive = 30 * time.Second
	DefaultLatestTTL = 300 * time.Second
	DefaultCapacity  = 100

	sweepInterval  = time.Minute
	metricsPeriod  = 30 * time.Second
	mirrorDeadline = 2 * time.Second
)

// LatestMirror is an optional external copy of each session's latest event
type LatestMirror interface {
	SetLatest(ctx context.Context, key string, data []byte, ttl time.Duration) error
	GetLatest(ctx context.Context, key string) ([]byte, bool, error)
}

// Options configures a Manager. Zero values fall back to the defaults above.
type Options struct {
	// Name identifies the stream (fixtures, odds) in logs and mirror keys
	Name      string
	Keepalive time.Duration
	LatestTTL time.Duration
	Capacity  int
	Mirror    LatestMirror
	Logger    *slog.Logger
	Now       func() time.Time
}

type latestEntry struct {
	event   models.Event
	expires time.Time
}

// Manager routes events published for a session to every subscription
// registered under it and remembers the latest event per session.
type Manager struct {
	name      string
	keepalive time.Duration
	ttl       time.Duration
	capacity  int
	mirror    LatestMirror
	logger    *slog.Logger
	now       func() time.Time

	// mu guards sessions and latest; never held across I/O
	mu       sync.Mutex
	sessions map[string]map[*Subscription]struct{}
	latest   map[string]latestEntry

	// Metrics
	totalSubscriptions int64
	totalPublished     int64
	totalDelivered     int64
	totalDropped       int64
	metricsMu          sync.Mutex
}

// NewManager creates a stream manager
func NewManager(opts Options) *Manager {
	if opts.Keepalive <= 0 {
		opts.Keepalive = DefaultKeepalive
	}
	if opts.LatestTTL <= 0 {
		opts.LatestTTL = DefaultLatestTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Name == "" {
		opts.Name = "events"
	}

	return &Manager{
		name:      opts.Name,
		keepalive: opts.Keepalive,
		ttl:       opts.LatestTTL,
		capacity:  opts.Capacity,
		mirror:    opts.Mirror,
		logger:    opts.Logger.With("component", "stream", "stream", opts.Name),
		now:       opts.Now,
		sessions:  make(map[string]map[*Subscription]struct{}),
		latest:    make(map[string]latestEntry),
	}
}

// Name returns the stream name
func (m *Manager) Name() string {
	return m.name
}

// Keepalive returns the idle window after which subscribers get a ping
func (m *Manager) Keepalive() time.Duration {
	return m.keepalive
}

// Subscribe registers a new connection under sessionID. If a latest event is
// cached for the session it is queued on the new subscription right away.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) *Subscription {
	sub := newSubscription(uuid.New().String(), sessionID, m.capacity, m.now)

	m.mu.Lock()
	subs, ok := m.sessions[sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		m.sessions[sessionID] = subs
	}
	subs[sub] = struct{}{}

	// Replay under the lock so a concurrent publish cannot overtake it
	entry, cached := m.liveEntryLocked(sessionID)
	if cached {
		sub.enqueue(entry.event)
	}
	count := len(subs)
	m.mu.Unlock()

	m.incrementSubscriptions()
	m.logger.Info("subscribed", "session", sessionID, "subscription", sub.ID, "connections", count)

	if !cached && m.mirror != nil {
		m.replayFromMirror(ctx, sub)
	}

	return sub
}

// replayFromMirror queues the mirrored latest event, unless a publish landed
// locally while the mirror was being read.
func (m *Manager) replayFromMirror(ctx context.Context, sub *Subscription) {
	ev, ok := m.readMirror(ctx, sub.SessionID)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, published := m.liveEntryLocked(sub.SessionID); published || sub.Pending() > 0 {
		return
	}
	sub.enqueue(ev)
}

// Unsubscribe removes sub. The session entry goes away with its last
// subscription. Calling it twice is harmless.
func (m *Manager) Unsubscribe(sessionID string, sub *Subscription) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	subs, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, registered := subs[sub]; !registered {
		m.mu.Unlock()
		return
	}
	delete(subs, sub)
	remaining := len(subs)
	if remaining == 0 {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	m.logger.Info("unsubscribed", "session", sessionID, "subscription", sub.ID, "connections", remaining)
}

// Publish wraps payload in a data event, caches it as the session's latest
// and hands it to every current subscription. Slow or absent subscribers
// never cause an error; only an unencodable payload does.
func (m *Manager) Publish(ctx context.Context, sessionID string, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload for session %s: %w", sessionID, err)
	}

	now := m.now()
	ev := models.NewEvent(models.EventTypeData, sessionID, data, now)

	m.mu.Lock()
	m.latest[sessionID] = latestEntry{event: ev, expires: now.Add(m.ttl)}
	targets := make([]*Subscription, 0, len(m.sessions[sessionID]))
	for sub := range m.sessions[sessionID] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	delivered, dropped := 0, 0
	for _, sub := range targets {
		dropped += sub.enqueue(ev)
		delivered++
	}
	m.recordPublish(delivered, dropped)

	if len(targets) == 0 {
		m.logger.Debug("no active subscribers, cached as latest", "session", sessionID)
	}
	if dropped > 0 {
		m.logger.Warn("subscriber queues full, dropped oldest events", "session", sessionID, "dropped", dropped)
	}

	m.writeMirror(ctx, ev)
	return nil
}

// GetLatest returns the payload of the session's latest event if it has not
// expired.
func (m *Manager) GetLatest(ctx context.Context, sessionID string) (json.RawMessage, bool) {
	m.mu.Lock()
	entry, ok := m.liveEntryLocked(sessionID)
	m.mu.Unlock()

	if ok {
		return entry.event.Data, true
	}

	if m.mirror == nil {
		return nil, false
	}

	ev, ok := m.readMirror(ctx, sessionID)
	if !ok {
		return nil, false
	}
	return ev.Data, true
}

// Stream subscribes to sessionID and relays events to send until ctx ends or
// send fails. A connected event goes first and pings fill idle windows. The
// subscription is always released on return.
func (m *Manager) Stream(ctx context.Context, sessionID string, send func(models.Event) error) error {
	sub := m.Subscribe(ctx, sessionID)
	defer m.Unsubscribe(sessionID, sub)

	connected := models.NewEvent(models.EventTypeConnected, sessionID, nil, m.now()).
		WithMessage(fmt.Sprintf("Connected to %s stream", m.name))
	if err := send(connected); err != nil {
		return err
	}

	for {
		ev, err := sub.Next(ctx, m.keepalive)
		if err != nil {
			return err
		}
		if err := send(ev); err != nil {
			return err
		}
	}
}

// Run sweeps expired latest entries and reports metrics until ctx ends
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("stream manager started")

	go m.reportMetrics(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.logger.Debug("expired latest events", "count", n)
			}
		}
	}
}

// sweep drops expired latest entries and returns how many went
func (m *Manager) sweep() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for sessionID, entry := range m.latest {
		if !now.Before(entry.expires) {
			delete(m.latest, sessionID)
			removed++
		}
	}
	return removed
}

// liveEntryLocked returns the unexpired latest entry; m.mu must be held
func (m *Manager) liveEntryLocked(sessionID string) (latestEntry, bool) {
	entry, ok := m.latest[sessionID]
	if !ok {
		return latestEntry{}, false
	}
	if !m.now().Before(entry.expires) {
		delete(m.latest, sessionID)
		return latestEntry{}, false
	}
	return entry, true
}

func (m *Manager) mirrorKey(sessionID string) string {
	return fmt.Sprintf("%s_stream:%s", m.name, sessionID)
}

func (m *Manager) writeMirror(ctx context.Context, ev models.Event) {
	if m.mirror == nil {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("encode event for mirror", "session", ev.SessionID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorDeadline)
	defer cancel()

	if err := m.mirror.SetLatest(ctx, m.mirrorKey(ev.SessionID), data, m.ttl); err != nil {
		m.logger.Warn("mirror latest event", "session", ev.SessionID, "error", err)
	}
}

func (m *Manager) readMirror(ctx context.Context, sessionID string) (models.Event, bool) {
	ctx, cancel := context.WithTimeout(ctx, mirrorDeadline)
	defer cancel()

	data, ok, err := m.mirror.GetLatest(ctx, m.mirrorKey(sessionID))
	if err != nil {
		m.logger.Warn("read mirrored latest event", "session", sessionID, "error", err)
		return models.Event{}, false
	}
	if !ok {
		return models.Event{}, false
	}

	var ev models.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		m.logger.Warn("decode mirrored latest event", "session", sessionID, "error", err)
		return models.Event{}, false
	}
	return ev, true
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid json payload")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid json payload")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

// GetMetrics returns manager metrics
func (m *Manager) GetMetrics() map[string]interface{} {
	m.mu.Lock()
	sessions := len(m.sessions)
	connections := 0
	for _, subs := range m.sessions {
		connections += len(subs)
	}
	cached := len(m.latest)
	m.mu.Unlock()

	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()

	return map[string]interface{}{
		"stream":              m.name,
		"active_sessions":     sessions,
		"active_connections":  connections,
		"cached_latest":       cached,
		"total_subscriptions": m.totalSubscriptions,
		"total_published":     m.totalPublished,
		"total_delivered":     m.totalDelivered,
		"total_dropped":       m.totalDropped,
	}
}

// SessionCount returns the number of sessions with at least one connection
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ConnectionCount returns the number of connections under sessionID
func (m *Manager) ConnectionCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions[sessionID])
}

// reportMetrics periodically logs manager metrics
func (m *Manager) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics := m.GetMetrics()
			m.logger.Info("stream metrics",
				"sessions", metrics["active_sessions"],
				"connections", metrics["active_connections"],
				"published", metrics["total_published"],
				"dropped", metrics["total_dropped"])
		}
	}
}

func (m *Manager) incrementSubscriptions() {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	m.totalSubscriptions++
}

func (m *Manager) recordPublish(delivered, dropped int) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	m.totalPublished++
	m.totalDelivered += int64(delivered)
	m.totalDropped += int64(dropped)
}
