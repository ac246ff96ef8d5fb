// Package realtime fans account-scoped events out to live push connections.
package realtime

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/linkgate/linkgate/internal/logging"
	"github.com/linkgate/linkgate/internal/metrics"
	"github.com/linkgate/linkgate/internal/models"
)

// Connection is a live transport handle. Implementations must be comparable,
// which in practice means a pointer type.
type Connection interface {
	Send(data []byte) error
}

// Closer is implemented by connections that can be ended from the server side.
type Closer interface {
	Close()
}

// AccountKey is the identity key of a browser or bot session for an account.
func AccountKey(accountID string) string {
	return "account:" + accountID
}

// ExternalKey is the identity key of an external messaging identity.
func ExternalKey(externalID int64) string {
	return "external:" + strconv.FormatInt(externalID, 10)
}

// Registry maps identity keys to their live connections.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[Connection]struct{}
	keys  map[Connection]string

	metrics *metrics.Metrics
	logger  *logging.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithMetrics records connection counts and delivery results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		conns:  make(map[string]map[Connection]struct{}),
		keys:   make(map[Connection]string),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds conn under key. A connection lives under one key only;
// registering it again moves it.
func (r *Registry) Register(key string, conn Connection) {
	r.mu.Lock()
	if old, ok := r.keys[conn]; ok {
		r.removeLocked(old, conn)
	}
	set, ok := r.conns[key]
	if !ok {
		set = make(map[Connection]struct{})
		r.conns[key] = set
	}
	set[conn] = struct{}{}
	r.keys[conn] = key
	total := len(r.keys)
	r.mu.Unlock()

	r.setGauge(total)
}

// Unregister removes conn from the key it was registered under. It reports
// whether conn was registered.
func (r *Registry) Unregister(conn Connection) bool {
	r.mu.Lock()
	key, ok := r.keys[conn]
	if ok {
		r.removeLocked(key, conn)
	}
	total := len(r.keys)
	r.mu.Unlock()

	if ok {
		r.setGauge(total)
	}
	return ok
}

func (r *Registry) removeLocked(key string, conn Connection) {
	delete(r.keys, conn)
	set := r.conns[key]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.conns, key)
	}
}

// Broadcast serializes event once and sends it to every connection under key.
// A failed send does not unregister the connection or stop delivery to the
// others. It returns the number of successful sends.
func (r *Registry) Broadcast(key string, event models.Event) (int, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("realtime: marshal event: %w", err)
	}

	r.mu.RLock()
	snapshot := make([]Connection, 0, len(r.conns[key]))
	for conn := range r.conns[key] {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range snapshot {
		if err := conn.Send(data); err != nil {
			r.recordEvent("failed")
			r.logger.Debug("realtime send failed", "key", key, "event", event.Type, "error", err.Error())
			continue
		}
		r.recordEvent("sent")
		delivered++
	}
	return delivered, nil
}

// CloseAll ends every registered connection that implements Closer and
// returns how many were closed. Connections stay registered until their
// owners unregister them.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	snapshot := make([]Connection, 0, len(r.keys))
	for conn := range r.keys {
		snapshot = append(snapshot, conn)
	}
	r.mu.RUnlock()

	closed := 0
	for _, conn := range snapshot {
		if c, ok := conn.(Closer); ok {
			c.Close()
			closed++
		}
	}
	if closed > 0 {
		r.logger.Info("realtime connections closed", "count", closed)
	}
	return closed
}

// Count returns the number of live connections under key.
func (r *Registry) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[key])
}

// Len returns the number of live connections across all keys.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

func (r *Registry) setGauge(total int) {
	if r.metrics != nil {
		r.metrics.SetRealtimeConnections(total)
	}
}

func (r *Registry) recordEvent(result string) {
	if r.metrics != nil {
		r.metrics.RecordRealtimeEvent(result)
	}
}
