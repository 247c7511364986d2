package notifications

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"huddle/internal/cache"
	"huddle/internal/models"
	"huddle/internal/observability"
	"huddle/internal/repository"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	defaultPresenceGrace    = 5000 * time.Millisecond
	defaultBroadcastDelay   = 5100 * time.Millisecond
	defaultHeartbeatTimeout = 60 * time.Second
	defaultReaperInterval   = 60 * time.Second
)

// PresenceConfig controls presence timing. Zero values fall back to defaults.
type PresenceConfig struct {
	// GracePeriod runs from the last session's disconnect to the OFFLINE write.
	GracePeriod time.Duration
	// BroadcastDelay runs from the last session's disconnect to the OFFLINE broadcast.
	BroadcastDelay time.Duration
	// HeartbeatTimeout closes a session that stays silent for this long.
	HeartbeatTimeout time.Duration
	// ReaperInterval is how often stale Redis presence is swept. Negative disables it.
	ReaperInterval time.Duration
}

// ConversationEmitter delivers conversation-scoped events.
type ConversationEmitter interface {
	EmitToConversation(ctx context.Context, convID uint, eventType models.EventType, payload any)
}

type presenceState int

const (
	stateOffline presenceState = iota
	statePendingOffline
	stateOnline
)

// timerToken identifies one scheduled callback so a superseded timer that
// already fired can tell it is stale.
type timerToken struct {
	t *time.Timer
}

// PresenceSupervisor owns the per-user online state machine
// (ONLINE, PENDING_OFFLINE, OFFLINE) and the timers that drive it.
// Timers are process-local and are all cancelled by Stop.
type PresenceSupervisor struct {
	mu sync.Mutex
	// writeMu serializes durable writes so the last write always reflects the latest state.
	writeMu sync.Mutex

	cfg    PresenceConfig
	store  repository.PresenceRepository
	convs  ConversationDirectory
	events ConversationEmitter
	rdb    *redis.Client
	closer func(sessionID, reason string)
	now    func() time.Time

	states        map[uint]presenceState
	sessions      map[uint]map[string]struct{}
	owners        map[string]uint
	heartbeats    map[string]*timerToken
	pending       map[uint]*timerToken
	announcements map[*timerToken]struct{}

	stopped  bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPresenceSupervisor creates a supervisor and starts the Redis reaper when Redis is available.
func NewPresenceSupervisor(
	store repository.PresenceRepository,
	convs ConversationDirectory,
	events ConversationEmitter,
	rdb *redis.Client,
	cfg PresenceConfig,
) *PresenceSupervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultPresenceGrace
	}
	if cfg.BroadcastDelay < cfg.GracePeriod {
		cfg.BroadcastDelay = cfg.GracePeriod + (defaultBroadcastDelay - defaultPresenceGrace)
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.ReaperInterval == 0 {
		cfg.ReaperInterval = defaultReaperInterval
	}

	p := &PresenceSupervisor{
		cfg:           cfg,
		store:         store,
		convs:         convs,
		events:        events,
		rdb:           rdb,
		now:           func() time.Time { return time.Now().UTC() },
		states:        make(map[uint]presenceState),
		sessions:      make(map[uint]map[string]struct{}),
		owners:        make(map[string]uint),
		heartbeats:    make(map[string]*timerToken),
		pending:       make(map[uint]*timerToken),
		announcements: make(map[*timerToken]struct{}),
		stopCh:        make(chan struct{}),
	}

	if p.rdb != nil && p.cfg.ReaperInterval > 0 {
		go p.reaperLoop()
	}
	return p
}

// SetSessionCloser sets the callback used to force a silent session closed.
func (p *PresenceSupervisor) SetSessionCloser(fn func(sessionID, reason string)) {
	p.mu.Lock()
	p.closer = fn
	p.mu.Unlock()
}

// OnConnect records a new live session. A pending offline transition is
// cancelled; a user who was OFFLINE becomes ONLINE and is announced.
func (p *PresenceSupervisor) OnConnect(ctx context.Context, userID uint, sessionID string) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	if p.sessions[userID] == nil {
		p.sessions[userID] = make(map[string]struct{})
	}
	p.sessions[userID][sessionID] = struct{}{}
	p.owners[sessionID] = userID
	p.armHeartbeatLocked(sessionID)
	if tok := p.pending[userID]; tok != nil {
		tok.t.Stop()
		delete(p.pending, userID)
	}
	wasOnline := p.states[userID] != stateOffline
	p.states[userID] = stateOnline
	p.mu.Unlock()

	now := p.now()
	p.mirrorOnline(ctx, userID, now)
	if wasOnline {
		return
	}
	if status := p.persistCurrent(ctx, userID, now); status == models.PresenceOnline {
		observability.PresenceTransitions.WithLabelValues(string(models.PresenceOnline)).Inc()
		p.broadcast(ctx, userID, models.PresenceOnline, now)
	}
}

// OnHeartbeat refreshes lastSeenAt and restarts the session's heartbeat timer.
func (p *PresenceSupervisor) OnHeartbeat(ctx context.Context, userID uint, sessionID string) {
	p.mu.Lock()
	if owner, ok := p.owners[sessionID]; !ok || owner != userID || p.stopped {
		p.mu.Unlock()
		return
	}
	p.armHeartbeatLocked(sessionID)
	p.mu.Unlock()

	now := p.now()
	if err := p.store.Touch(ctx, userID, now); err != nil {
		observability.LogAsyncOperationError(ctx, "presence_touch", err, slog.Uint64("user_id", uint64(userID)))
	}
	p.mirrorOnline(ctx, userID, now)
}

// OnDisconnect forgets a session. When it was the user's last live session the
// grace period starts; a grace period already running is left alone.
func (p *PresenceSupervisor) OnDisconnect(_ context.Context, userID uint, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := p.sessions[userID]
	if _, ok := set[sessionID]; !ok {
		return
	}
	delete(set, sessionID)
	delete(p.owners, sessionID)
	if tok := p.heartbeats[sessionID]; tok != nil {
		tok.t.Stop()
		delete(p.heartbeats, sessionID)
	}
	if len(set) > 0 {
		return
	}
	delete(p.sessions, userID)

	if p.pending[userID] != nil || p.stopped {
		return
	}
	p.states[userID] = statePendingOffline
	tok := &timerToken{}
	tok.t = time.AfterFunc(p.cfg.GracePeriod, func() { p.graceExpired(userID, tok) })
	p.pending[userID] = tok
}

// IsOnline reports whether the user is ONLINE here or, through Redis, on any instance.
func (p *PresenceSupervisor) IsOnline(ctx context.Context, userID uint) bool {
	p.mu.Lock()
	local := p.states[userID] != stateOffline
	p.mu.Unlock()
	if local || p.rdb == nil {
		return local
	}
	n, err := p.rdb.Exists(ctx, cache.LastSeenKey(userID)).Result()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("presence_exists").Inc()
		return false
	}
	return n > 0
}

// Snapshot returns the presence of each user, in input order. Users with a live
// session or a running grace period on this instance are ONLINE.
func (p *PresenceSupervisor) Snapshot(ctx context.Context, userIDs []uint) ([]models.UserPresence, error) {
	recs, err := p.store.GetMany(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	byUser := make(map[uint]models.UserPresence, len(recs))
	for _, r := range recs {
		byUser[r.UserID] = r
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.UserPresence, 0, len(userIDs))
	for _, id := range userIDs {
		rec, ok := byUser[id]
		if !ok {
			rec = models.UserPresence{UserID: id, Status: models.PresenceOffline}
		}
		if p.states[id] != stateOffline {
			rec.Status = models.PresenceOnline
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stop cancels every timer. Later lifecycle calls are ignored.
func (p *PresenceSupervisor) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		for id, tok := range p.heartbeats {
			tok.t.Stop()
			delete(p.heartbeats, id)
		}
		for id, tok := range p.pending {
			tok.t.Stop()
			delete(p.pending, id)
		}
		for tok := range p.announcements {
			tok.t.Stop()
			delete(p.announcements, tok)
		}
		p.mu.Unlock()
		close(p.stopCh)
	})
}

func (p *PresenceSupervisor) armHeartbeatLocked(sessionID string) {
	if old := p.heartbeats[sessionID]; old != nil {
		old.t.Stop()
	}
	tok := &timerToken{}
	tok.t = time.AfterFunc(p.cfg.HeartbeatTimeout, func() { p.heartbeatExpired(sessionID, tok) })
	p.heartbeats[sessionID] = tok
}

func (p *PresenceSupervisor) heartbeatExpired(sessionID string, tok *timerToken) {
	p.mu.Lock()
	if p.heartbeats[sessionID] != tok || p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.heartbeats, sessionID)
	userID := p.owners[sessionID]
	closer := p.closer
	p.mu.Unlock()

	ctx := context.Background()
	wsLog.LogDisconnect(ctx, userID, sessionID, "heartbeat timeout")
	if closer != nil {
		closer(sessionID, "heartbeat timeout")
	}
	p.OnDisconnect(ctx, userID, sessionID)
}

func (p *PresenceSupervisor) graceExpired(userID uint, tok *timerToken) {
	p.mu.Lock()
	if p.pending[userID] != tok || p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.pending, userID)
	if len(p.sessions[userID]) > 0 {
		p.mu.Unlock()
		return
	}
	// A missing entry reads as stateOffline.
	delete(p.states, userID)
	p.mu.Unlock()

	ctx := context.Background()
	p.mirrorOffline(ctx, userID)
	if status := p.persistCurrent(ctx, userID, p.now()); status != models.PresenceOffline {
		return
	}
	observability.PresenceTransitions.WithLabelValues(string(models.PresenceOffline)).Inc()
	p.scheduleAnnouncement(userID, p.cfg.BroadcastDelay-p.cfg.GracePeriod)
}

func (p *PresenceSupervisor) scheduleAnnouncement(userID uint, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	tok := &timerToken{}
	tok.t = time.AfterFunc(delay, func() { p.announceOffline(userID, tok) })
	p.announcements[tok] = struct{}{}
}

// announceOffline re-reads the durable status before broadcasting, so a
// reconnect after the OFFLINE write is never overwritten by a stale OFFLINE.
func (p *PresenceSupervisor) announceOffline(userID uint, tok *timerToken) {
	p.mu.Lock()
	if _, ok := p.announcements[tok]; !ok || p.stopped {
		p.mu.Unlock()
		return
	}
	delete(p.announcements, tok)
	fallback := p.statusLocked(userID)
	p.mu.Unlock()

	ctx := context.Background()
	status, lastSeen := fallback, p.now()
	rec, err := p.store.Get(ctx, userID)
	switch {
	case err == nil:
		status, lastSeen = rec.Status, rec.LastSeenAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		observability.LogAsyncOperationError(ctx, "presence_reread", err, slog.Uint64("user_id", uint64(userID)))
	}
	if status != models.PresenceOffline {
		return
	}
	p.broadcast(ctx, userID, models.PresenceOffline, lastSeen)
}

func (p *PresenceSupervisor) statusLocked(userID uint) models.PresenceStatus {
	if p.states[userID] == stateOffline {
		return models.PresenceOffline
	}
	return models.PresenceOnline
}

// persistCurrent writes the in-memory status of userID and returns what it wrote.
func (p *PresenceSupervisor) persistCurrent(ctx context.Context, userID uint, lastSeen time.Time) models.PresenceStatus {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	status := p.statusLocked(userID)
	p.mu.Unlock()

	if err := p.store.SetStatus(ctx, userID, status, lastSeen); err != nil {
		observability.LogAsyncOperationError(ctx, "presence_persist", err,
			slog.Uint64("user_id", uint64(userID)),
			slog.String("status", string(status)),
		)
	}
	return status
}

func (p *PresenceSupervisor) broadcast(ctx context.Context, userID uint, status models.PresenceStatus, lastSeen time.Time) {
	if p.events == nil {
		return
	}
	ids, err := p.convs.ConversationIDsForUser(ctx, userID)
	if err != nil {
		observability.LogAsyncOperationError(ctx, "presence_broadcast", err, slog.Uint64("user_id", uint64(userID)))
		return
	}
	update := models.PresenceUpdate{UserID: userID, Status: status, LastSeenAt: lastSeen, Timestamp: p.now()}
	for _, convID := range ids {
		p.events.EmitToConversation(ctx, convID, models.EventPresenceUpdated, update)
	}
}

func (p *PresenceSupervisor) mirrorOnline(ctx context.Context, userID uint, now time.Time) {
	if p.rdb == nil {
		return
	}
	pipe := p.rdb.TxPipeline()
	pipe.SAdd(ctx, cache.OnlineUsersKey, strconv.FormatUint(uint64(userID), 10))
	pipe.SetEx(ctx, cache.LastSeenKey(userID), strconv.FormatInt(now.Unix(), 10), cache.LastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RedisErrorRate.WithLabelValues("presence_touch").Inc()
		observability.LogAsyncOperationError(ctx, "presence_mirror", err, slog.Uint64("user_id", uint64(userID)))
	}
}

func (p *PresenceSupervisor) mirrorOffline(ctx context.Context, userID uint) {
	if p.rdb == nil {
		return
	}
	pipe := p.rdb.TxPipeline()
	pipe.SRem(ctx, cache.OnlineUsersKey, strconv.FormatUint(uint64(userID), 10))
	pipe.Del(ctx, cache.LastSeenKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		observability.RedisErrorRate.WithLabelValues("presence_offline").Inc()
	}
}

// reapOnce removes users whose last-seen key expired, which happens when the
// instance holding their sessions died, and marks them OFFLINE.
func (p *PresenceSupervisor) reapOnce(ctx context.Context) {
	if p.rdb == nil {
		return
	}
	members, err := p.rdb.SMembers(ctx, cache.OnlineUsersKey).Result()
	if err != nil {
		observability.RedisErrorRate.WithLabelValues("presence_reap").Inc()
		return
	}

	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			_ = p.rdb.SRem(ctx, cache.OnlineUsersKey, raw).Err()
			continue
		}
		userID := uint(id64)
		exists, existsErr := p.rdb.Exists(ctx, cache.LastSeenKey(userID)).Result()
		if existsErr != nil || exists > 0 {
			continue
		}
		_ = p.rdb.SRem(ctx, cache.OnlineUsersKey, raw).Err()

		p.mu.Lock()
		local := p.states[userID] != stateOffline
		p.mu.Unlock()
		if local {
			continue
		}
		if status := p.persistCurrent(ctx, userID, p.now()); status == models.PresenceOffline {
			observability.PresenceTransitions.WithLabelValues(string(models.PresenceOffline)).Inc()
			p.broadcast(ctx, userID, models.PresenceOffline, p.now())
		}
	}
}

func (p *PresenceSupervisor) reaperLoop() {
	ctx := context.Background()
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce(ctx)
		}
	}
}
