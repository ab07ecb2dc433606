// Package notify delivers events to connected real-time sessions.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kimchiwatch/internal/config"
	"kimchiwatch/internal/model"
)

var (
	ErrTooManySessions  = errors.New("session limit reached")
	ErrDuplicateSession = errors.New("session already registered")
)

type cooldownKey struct {
	symbol string
	class  string
}

// Dispatcher owns the session registry and fans events out to it. A failed
// send drops that session and never stops delivery to the others.
type Dispatcher struct {
	reg         *registry
	prefs       PreferenceStore
	history     NotificationLog
	cooldown    time.Duration
	maxSessions int
	logger      *slog.Logger
	now         func() time.Time

	cdMu     sync.Mutex
	lastSent map[cooldownKey]time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPreferences sets the preference collaborator used by SendIfAllowed.
func WithPreferences(p PreferenceStore) Option {
	return func(d *Dispatcher) { d.prefs = p }
}

// WithNotificationLog sets the delivery-log collaborator.
func WithNotificationLog(l NotificationLog) Option {
	return func(d *Dispatcher) { d.history = l }
}

// WithClock overrides the time source for cooldowns and quiet hours.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		reg:         newRegistry(),
		cooldown:    cfg.Cooldown,
		maxSessions: cfg.MaxSessions,
		logger:      logger.With("component", "dispatcher"),
		now:         time.Now,
		lastSent:    make(map[cooldownKey]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a session.
func (d *Dispatcher) Register(s Session) error {
	if err := d.reg.add(s, d.maxSessions); err != nil {
		return err
	}
	d.logger.Debug("session registered", "session_id", s.ID(), "user_id", s.UserID(), "sessions", d.reg.len())
	return nil
}

// Unregister removes a session and reports whether it was registered. The
// session is not closed.
func (d *Dispatcher) Unregister(id string) bool {
	_, ok := d.reg.remove(id)
	if ok {
		d.logger.Debug("session unregistered", "session_id", id, "sessions", d.reg.len())
	}
	return ok
}

// Sessions returns the number of registered sessions.
func (d *Dispatcher) Sessions() int {
	return d.reg.len()
}

// CloseAll closes and removes every session.
func (d *Dispatcher) CloseAll() {
	for _, s := range d.reg.all() {
		if _, ok := d.reg.remove(s.ID()); ok {
			_ = s.Close()
		}
	}
}

// SendToUser delivers ev to every session of userID and returns the number of
// successful sends.
func (d *Dispatcher) SendToUser(userID string, ev model.Event) int {
	payload, ok := d.encode(ev)
	if !ok {
		return 0
	}
	return d.deliver(d.reg.forUser(userID), payload)
}

// Broadcast delivers ev to every session and returns the number of successful
// sends.
func (d *Dispatcher) Broadcast(ev model.Event) int {
	payload, ok := d.encode(ev)
	if !ok {
		return 0
	}
	return d.deliver(d.reg.all(), payload)
}

// PublishPriceUpdate broadcasts a market-wide price update. Preferences are
// not consulted.
func (d *Dispatcher) PublishPriceUpdate(ev model.Event) int {
	return d.Broadcast(ev)
}

// SendIfAllowed delivers an alert event to userID unless the user's
// preferences suppress it. Every attempt is written to the notification log.
func (d *Dispatcher) SendIfAllowed(ctx context.Context, userID string, ev model.Event) int {
	payload, ok := d.encode(ev)
	if !ok {
		return 0
	}

	allowed, reason := d.allowed(ctx, userID, ev.Kind)
	delivered := 0
	if allowed {
		delivered = d.deliver(d.reg.forUser(userID), payload)
	}

	if d.history != nil {
		rec := model.NotificationRecord{
			UserID:     userID,
			Type:       ev.Kind,
			Symbol:     ev.Symbol,
			Payload:    payload,
			Delivered:  delivered,
			Suppressed: reason,
			CreatedAt:  d.now(),
		}
		if err := d.history.LogNotification(ctx, rec); err != nil {
			d.logger.Warn("notification not logged", "user_id", userID, "type", ev.Kind, "error", err)
		}
	}
	return delivered
}

// NotifyMarketCondition broadcasts ev unless the same (symbol, class) was
// notified within the cooldown. Sessions of users whose preferences suppress
// the event are skipped; anonymous sessions always receive it. It reports
// whether the condition was notified.
func (d *Dispatcher) NotifyMarketCondition(ctx context.Context, symbol, class string, ev model.Event) bool {
	key := cooldownKey{symbol: symbol, class: class}
	now := d.now()

	d.cdMu.Lock()
	if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.cooldown {
		d.cdMu.Unlock()
		return false
	}
	d.lastSent[key] = now
	d.cdMu.Unlock()

	payload, ok := d.encode(ev)
	if !ok {
		return false
	}

	decided := make(map[string]bool)
	targets := make([]Session, 0, d.reg.len())
	for _, s := range d.reg.all() {
		uid := s.UserID()
		if uid == "" {
			targets = append(targets, s)
			continue
		}
		allowed, seen := decided[uid]
		if !seen {
			allowed, _ = d.allowed(ctx, uid, ev.Kind)
			decided[uid] = allowed
		}
		if allowed {
			targets = append(targets, s)
		}
	}

	delivered := d.deliver(targets, payload)
	d.logger.Info("market condition notified", "symbol", symbol, "class", class, "delivered", delivered)
	return true
}

func (d *Dispatcher) allowed(ctx context.Context, userID string, kind model.NotificationType) (bool, string) {
	if d.prefs == nil || userID == "" {
		return true, ""
	}
	p, err := d.prefs.Preferences(ctx, userID)
	if err != nil {
		d.logger.Warn("preferences unavailable, delivering", "user_id", userID, "error", err)
		return true, ""
	}
	return Allowed(p, kind, d.now())
}

func (d *Dispatcher) encode(ev model.Event) ([]byte, bool) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("event not encodable", "type", ev.Type, "error", err)
		return nil, false
	}
	return payload, true
}

func (d *Dispatcher) deliver(sessions []Session, payload []byte) int {
	delivered := 0
	for _, s := range sessions {
		if err := send(s, payload); err != nil {
			d.drop(s, err)
			continue
		}
		delivered++
	}
	return delivered
}

func send(s Session, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("send panicked: %v", r)
		}
	}()
	return s.Send(payload)
}

func (d *Dispatcher) drop(s Session, cause error) {
	if _, ok := d.reg.remove(s.ID()); !ok {
		return
	}
	if err := s.Close(); err != nil {
		d.logger.Debug("session close failed", "session_id", s.ID(), "error", err)
	}
	d.logger.Warn("session dropped", "session_id", s.ID(), "user_id", s.UserID(), "error", cause)
}
