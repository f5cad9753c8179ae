// ABOUTME: Cluster bookkeeping of which workers serve which agent types.
// ABOUTME: Owns topic subscriptions, sticky placements, and liveness purging.

package registry

import (
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom-runtime/internal/wire"
	"github.com/2389/loom-runtime/internal/worker"
)

// ErrAgentNotFound indicates no live connection supports the requested
// agent type.
var ErrAgentNotFound = errors.New("no connection supports agent type")

// ErrSubscriptionNotFound indicates the subscription id is unknown.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// ErrInvalidSubscription indicates a subscription request did not name
// exactly one of topic or topic prefix.
var ErrInvalidSubscription = errors.New("subscription requires exactly one of topic or topic prefix")

const (
	// DefaultWorkerTimeout is how long a worker may go without being seen
	// before the purge sweep drops it.
	DefaultWorkerTimeout = 60 * time.Second

	// DefaultPurgeInterval is how often the purge sweep runs.
	DefaultPurgeInterval = 30 * time.Second
)

type workerEntry struct {
	conn     *worker.Connection
	lastSeen time.Time
}

// Registry is the source of truth mapping agent types to candidate
// connections, topics to subscribed agent types, and (type, key) pairs to
// their current placement. All maps are guarded by one RWMutex; reads and
// writes arrive concurrently from many connections' read pumps and the
// purge sweep.
type Registry struct {
	logger        *slog.Logger
	workerTimeout time.Duration

	mu         sync.RWMutex
	workers    map[string]*workerEntry
	types      map[string]map[string]*worker.Connection
	placements map[wire.AgentID]*worker.Connection
	subs       map[string]wire.Subscription
	rng        *rand.Rand

	purgeOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New creates an empty registry. A zero workerTimeout uses
// DefaultWorkerTimeout. The random source used for placement is owned by
// this instance, not shared process state.
func New(logger *slog.Logger, workerTimeout time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if workerTimeout <= 0 {
		workerTimeout = DefaultWorkerTimeout
	}
	return &Registry{
		logger:        logger.With("component", "registry"),
		workerTimeout: workerTimeout,
		workers:       make(map[string]*workerEntry),
		types:         make(map[string]map[string]*worker.Connection),
		placements:    make(map[wire.AgentID]*worker.Connection),
		subs:          make(map[string]wire.Subscription),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		done:          make(chan struct{}),
	}
}

// AddWorker begins tracking a live connection.
func (r *Registry) AddWorker(conn *worker.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[conn.ID] = &workerEntry{conn: conn, lastSeen: time.Now()}
	r.logger.Info("worker added", "connection_id", conn.ID, "total_workers", len(r.workers))
}

// Touch records that the worker was seen alive just now.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[connectionID]; ok {
		e.lastSeen = time.Now()
	}
}

// RemoveWorker drops a connection and cascades: the worker disappears from
// every agent-type list and every placement it owned. Subsequent requests
// for those instances trigger fresh placement with state reloaded from the
// store. Subscriptions are untouched; they describe capability, not a
// specific connection.
func (r *Registry) RemoveWorker(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeWorkerLocked(connectionID)
}

func (r *Registry) removeWorkerLocked(connectionID string) {
	if _, ok := r.workers[connectionID]; !ok {
		return
	}
	delete(r.workers, connectionID)

	for agentType, conns := range r.types {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.types, agentType)
		}
	}
	for id, conn := range r.placements {
		if conn.ID == connectionID {
			delete(r.placements, id)
		}
	}
	r.logger.Info("worker removed", "connection_id", connectionID, "total_workers", len(r.workers))
}

// WorkerCount returns the number of tracked workers.
func (r *Registry) WorkerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// RegisterAgentType idempotently records that conn can host agentType. The
// connection must already be tracked via AddWorker; registrations for
// untracked connections are refused so a racing removal cannot resurrect a
// dead connection in the type lists. Returns whether the registration took.
func (r *Registry) RegisterAgentType(agentType string, conn *worker.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, tracked := r.workers[conn.ID]; !tracked {
		r.logger.Warn("refusing type registration for untracked worker",
			"agent_type", agentType,
			"connection_id", conn.ID,
		)
		return false
	}
	conns, ok := r.types[agentType]
	if !ok {
		conns = make(map[string]*worker.Connection)
		r.types[agentType] = conns
	}
	if _, exists := conns[conn.ID]; exists {
		return true
	}
	conns[conn.ID] = conn
	r.logger.Info("agent type registered",
		"agent_type", agentType,
		"connection_id", conn.ID,
		"replicas", len(conns),
	)
	return true
}

// Subscribe binds a topic (exact) or topic prefix to an agent type and
// returns the subscription id for later removal.
func (r *Registry) Subscribe(agentType, topic, topicPrefix string) (string, error) {
	if agentType == "" || (topic == "") == (topicPrefix == "") {
		return "", ErrInvalidSubscription
	}
	sub := wire.Subscription{
		ID:          uuid.New().String(),
		AgentType:   agentType,
		Topic:       topic,
		TopicPrefix: topicPrefix,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	r.logger.Info("subscription added",
		"subscription_id", sub.ID,
		"agent_type", agentType,
		"topic", topic,
		"topic_prefix", topicPrefix,
	)
	return sub.ID, nil
}

// Unsubscribe removes a subscription by id.
func (r *Registry) Unsubscribe(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(r.subs, id)
	return nil
}

// Subscriptions returns all current subscriptions, ordered by id.
func (r *Registry) Subscriptions() []wire.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubscribedAgentTypes returns the distinct agent types that should receive
// an event published on (topic, key): exact-topic matches, exact-key matches,
// "topic.key" composite matches, and prefix matches against the topic.
func (r *Registry) SubscribedAgentTypes(topic, key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	composite := topic + "." + key
	for _, s := range r.subs {
		match := false
		switch {
		case s.Topic != "":
			match = s.Topic == topic || s.Topic == key || s.Topic == composite
		case s.TopicPrefix != "":
			match = strings.HasPrefix(topic, s.TopicPrefix)
		}
		if match {
			seen[s.AgentType] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// GetOrPlaceAgent returns the connection hosting agentID, placing it first
// if needed. Placement picks uniformly at random among the connections
// registered for the type. The bool reports whether this call created the
// placement. Atomic: concurrent calls for one agentID observe a single
// placement and at most one true.
func (r *Registry) GetOrPlaceAgent(agentID wire.AgentID) (*worker.Connection, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.placements[agentID]; ok {
		return conn, false, nil
	}

	conn, ok := r.pickLocked(agentID.Type)
	if !ok {
		return nil, false, ErrAgentNotFound
	}
	r.placements[agentID] = conn
	r.logger.Info("agent placed",
		"agent_id", agentID.String(),
		"connection_id", conn.ID,
	)
	return conn, true, nil
}

// PickConnectionForType returns one connection supporting agentType, chosen
// uniformly at random, without recording a placement.
func (r *Registry) PickConnectionForType(agentType string) (*worker.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pickLocked(agentType)
}

func (r *Registry) pickLocked(agentType string) (*worker.Connection, bool) {
	conns := r.types[agentType]
	if len(conns) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return conns[ids[r.rng.Intn(len(ids))]], true
}

// ConnectionsForType returns every connection supporting agentType, ordered
// by connection id.
func (r *Registry) ConnectionsForType(agentType string) []*worker.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.types[agentType]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*worker.Connection, 0, len(ids))
	for _, id := range ids {
		out = append(out, conns[id])
	}
	return out
}

// PlacementCount returns the number of recorded placements.
func (r *Registry) PlacementCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.placements)
}

// StartPurge launches the background sweep that drops workers not seen
// within the worker timeout, cascading the same cleanup as RemoveWorker.
// Call Close to stop it. Calling StartPurge more than once is a no-op.
func (r *Registry) StartPurge(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	r.purgeOnce.Do(func() {
		go r.purgeLoop(interval)
	})
}

func (r *Registry) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.PurgeInactiveWorkers(time.Now())
		case <-r.done:
			return
		}
	}
}

// PurgeInactiveWorkers drops every worker whose last-seen time is older than
// the worker timeout relative to now, and returns how many were dropped. A
// connection whose pumps are still running is never stale, regardless of
// traffic: the sweep exists to reap workers whose transport died without a
// clean teardown, not quiet ones.
func (r *Registry) PurgeInactiveWorkers(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, e := range r.workers {
		if e.conn.Live() {
			e.lastSeen = now
			continue
		}
		if now.Sub(e.lastSeen) > r.workerTimeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.logger.Warn("purging inactive worker", "connection_id", id)
		r.removeWorkerLocked(id)
	}
	return len(stale)
}

// Close stops the purge sweep. The registry remains usable for lookups.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}
