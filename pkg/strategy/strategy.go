// Package strategy implements the automation engine: a 1Hz scheduler that
// evaluates effective-time windows, debounce, and sensor conditions for
// scene/timer strategies and fires their actions through the batch
// optimizer.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/freitascorp/cabinetcore/pkg/audit"
	"github.com/freitascorp/cabinetcore/pkg/batch"
	"github.com/freitascorp/cabinetcore/pkg/observability"
	"github.com/freitascorp/cabinetcore/pkg/relayproto"
	"github.com/freitascorp/cabinetcore/pkg/sensors"
)

// minRefireMs debounces repeated firings of the same strategy.
const minRefireMs = 10_000

// conditionEpsilon is the tolerance used for eq/ne/ge/le comparisons against
// floating point sensor values.
const conditionEpsilon = 0.1

// defaultTombstoneTTL is how long a deleted strategy id is remembered to
// suppress a duplicate re-sync from the cloud.
const defaultTombstoneTTL = time.Hour

// MatchType selects how a strategy's conditions combine.
type MatchType int

const (
	MatchAll MatchType = 0
	MatchAny MatchType = 1
)

// Condition is one sensor comparison gating a strategy's firing.
type Condition struct {
	SensorID  string
	Op        string // eq|ne|gt|lt|ge|le
	Threshold float64
}

// Action is one relay write a strategy issues when it fires. Identifier
// follows the "node_<n>_sw<c+1>" convention; Value is the relay action
// (0=stop, 1=forward, 2=reverse).
type Action struct {
	Identifier string
	Value      int
}

// Strategy is one automation rule.
type Strategy struct {
	ID              int
	Name            string
	Type            string // "scene" | "timer"
	Version         uint32
	Enabled         bool
	MatchType       MatchType
	EffectiveBegin  string // "HH:MM" or ""
	EffectiveEnd    string
	Actions         []Action
	Conditions      []Condition
	LastTriggeredMs int64
	Cron            string // non-empty only meaningful for type == "timer"
}

// Tombstone records a deleted strategy id to suppress duplicate re-syncs.
type Tombstone struct {
	DeletedVersion uint32
	DeletedMs      int64
}

// CloudSync is called after a local create/update/delete so the caller can
// propagate the change; it is a collaborator concern, not this engine's.
type CloudSync func(s *Strategy)
type CloudDelete func(id int, version uint32)

var identifierRe = regexp.MustCompile(`^node_(\d+)_sw(\d+)$`)

// ParseIdentifier parses "node_<n>_sw<c+1>" into 0-based (node, channel).
func ParseIdentifier(identifier string) (node int, channel uint8, ok bool) {
	m := identifierRe.FindStringSubmatch(identifier)
	if m == nil {
		return 0, 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	c, err := strconv.Atoi(m[2])
	if err != nil || c < 1 {
		return 0, 0, false
	}
	return n, uint8(c - 1), true
}

// NodeExists reports whether a node id is a registered device, used to
// validate strategy actions at creation time.
type NodeExists func(node int) bool

// Engine owns the strategy table and scheduler.
type Engine struct {
	sensors    *sensors.Table
	nodeExists NodeExists
	lookup     batch.DeviceLookup
	enqueue    batch.Enqueuer
	metrics    *observability.CabinetMetrics
	logger     *slog.Logger
	auditLog   *audit.Logger
	onSync     CloudSync
	onDelete   CloudDelete
	tombstoneTTL time.Duration

	mu         sync.Mutex
	strategies map[int]*Strategy
	tombstones map[int]Tombstone
}

// Config bundles Engine's collaborators.
type Config struct {
	Sensors      *sensors.Table
	NodeExists   NodeExists
	Lookup       batch.DeviceLookup
	Enqueue      batch.Enqueuer
	Metrics      *observability.CabinetMetrics
	Logger       *slog.Logger
	Audit        *audit.Logger
	OnSync       CloudSync
	OnDelete     CloudDelete
	TombstoneTTL time.Duration
}

// New creates a strategy engine.
func New(cfg Config) *Engine {
	ttl := cfg.TombstoneTTL
	if ttl <= 0 {
		ttl = defaultTombstoneTTL
	}
	return &Engine{
		sensors:      cfg.Sensors,
		nodeExists:   cfg.NodeExists,
		lookup:       cfg.Lookup,
		enqueue:      cfg.Enqueue,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		auditLog:     cfg.Audit,
		onSync:       cfg.OnSync,
		onDelete:     cfg.OnDelete,
		tombstoneTTL: ttl,
		strategies:   make(map[int]*Strategy),
		tombstones:   make(map[int]Tombstone),
	}
}

// validateActions checks every action's identifier parses, its node is
// registered, its channel is in range, and its value is one of {0,1,2}.
func (e *Engine) validateActions(actions []Action) error {
	for _, a := range actions {
		node, channel, ok := ParseIdentifier(a.Identifier)
		if !ok {
			return fmt.Errorf("strategy: invalid action identifier %q", a.Identifier)
		}
		if e.nodeExists != nil && !e.nodeExists(node) {
			return fmt.Errorf("strategy: action references unknown node %d", node)
		}
		if channel > 3 {
			return fmt.Errorf("strategy: action channel %d out of range", channel)
		}
		if a.Value < 0 || a.Value > 2 {
			return fmt.Errorf("strategy: action value %d out of range", a.Value)
		}
	}
	return nil
}

// CreateOrUpdate inserts a new strategy or updates an existing one by id.
// On update, the stored version is incremented regardless of the incoming
// value and last_triggered_ms is preserved. On success the cloud sync
// callback, if set, is invoked with the stored strategy.
func (e *Engine) CreateOrUpdate(ctx context.Context, s Strategy) (isUpdate bool, version uint32, err error) {
	if err := e.validateActions(s.Actions); err != nil {
		return false, 0, err
	}

	e.mu.Lock()
	existing, found := e.strategies[s.ID]
	var stored *Strategy
	if found {
		cp := s
		cp.Version = existing.Version + 1
		cp.LastTriggeredMs = existing.LastTriggeredMs
		e.strategies[s.ID] = &cp
		stored = &cp
		isUpdate = true
		e.logger.Info("strategy updated", "strategy_id", s.ID, "from_version", existing.Version, "to_version", cp.Version)
	} else {
		cp := s
		if cp.Version == 0 {
			cp.Version = 1
		}
		e.strategies[s.ID] = &cp
		stored = &cp
		e.logger.Info("strategy created", "strategy_id", s.ID, "version", cp.Version)
	}
	version = stored.Version
	e.mu.Unlock()

	if e.onSync != nil {
		e.onSync(stored)
	}
	if e.auditLog != nil {
		result := &audit.EventResult{Status: "success"}
		if isUpdate {
			e.auditLog.LogStrategyUpdate(ctx, strconv.Itoa(s.ID), int(version), result)
		} else {
			e.auditLog.LogStrategyCreate(ctx, strconv.Itoa(s.ID), result)
		}
	}
	return isUpdate, version, nil
}

// Delete soft-deletes a strategy by moving it to the tombstone set.
// Deleting an already-tombstoned id is idempotent and reports alreadyDeleted.
func (e *Engine) Delete(ctx context.Context, id int, nowMs int64) (alreadyDeleted bool, err error) {
	e.mu.Lock()
	s, found := e.strategies[id]
	if found {
		delete(e.strategies, id)
		e.tombstones[id] = Tombstone{DeletedVersion: s.Version, DeletedMs: nowMs}
		e.mu.Unlock()

		e.logger.Info("strategy deleted", "strategy_id", id, "version", s.Version)
		if e.onDelete != nil {
			e.onDelete(id, s.Version)
		}
		if e.auditLog != nil {
			e.auditLog.LogStrategyDelete(ctx, strconv.Itoa(id), &audit.EventResult{Status: "success"})
		}
		return false, nil
	}

	if _, tombstoned := e.tombstones[id]; tombstoned {
		e.tombstones[id] = Tombstone{DeletedMs: nowMs}
		e.mu.Unlock()
		return true, nil
	}

	e.tombstones[id] = Tombstone{DeletedMs: nowMs}
	e.mu.Unlock()
	return false, fmt.Errorf("strategy: id %d not found", id)
}

// SetID renames a strategy's local id to the id the cloud assigned on
// first sync. Fails if newID already exists.
func (e *Engine) SetID(oldID, newID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.strategies[newID]; exists {
		return fmt.Errorf("strategy: id %d already exists", newID)
	}
	s, found := e.strategies[oldID]
	if !found {
		return fmt.Errorf("strategy: id %d not found", oldID)
	}
	delete(e.strategies, oldID)
	s.ID = newID
	if s.Version == 0 {
		s.Version = 1
	}
	e.strategies[newID] = s
	delete(e.tombstones, oldID)
	delete(e.tombstones, newID)
	return nil
}

// Get returns a copy of the strategy with the given id.
func (e *Engine) Get(id int) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[id]
	if !ok {
		return Strategy{}, false
	}
	return *s, true
}

// isInEffectiveTime implements the wrap-midnight window check. An empty or
// unparsable begin/end means always in-window.
func isInEffectiveTime(s *Strategy, nowMinutes int) bool {
	if s.EffectiveBegin == "" || s.EffectiveEnd == "" {
		return true
	}
	begin, ok1 := parseHHMM(s.EffectiveBegin)
	end, ok2 := parseHHMM(s.EffectiveEnd)
	if !ok1 || !ok2 {
		return true
	}
	if begin <= end {
		return nowMinutes >= begin && nowMinutes <= end
	}
	return nowMinutes >= begin || nowMinutes <= end
}

func parseHHMM(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// evaluateOp compares value against threshold with epsilon tolerance on
// equality and boundary operators.
func evaluateOp(op string, value, threshold float64) (bool, bool) {
	switch op {
	case "eq":
		return math.Abs(value-threshold) < conditionEpsilon, true
	case "ne":
		return math.Abs(value-threshold) >= conditionEpsilon, true
	case "gt":
		return value > threshold, true
	case "lt":
		return value < threshold, true
	case "ge":
		return value >= threshold-conditionEpsilon, true
	case "le":
		return value <= threshold+conditionEpsilon, true
	default:
		return false, false
	}
}

// evaluateConditions mirrors the teacher's AND-short-circuit / OR-short-circuit
// semantics: a condition whose sensor is absent or non-numeric is skipped
// entirely (affects neither AND nor OR). Empty conditions always pass.
func (e *Engine) evaluateConditions(conditions []Condition, matchType MatchType) bool {
	if len(conditions) == 0 {
		return true
	}

	hasValid := false
	for _, c := range conditions {
		value, _, ok := e.sensors.GetFloat(c.SensorID)
		if !ok {
			continue
		}
		passed, validOp := evaluateOp(c.Op, value, c.Threshold)
		if !validOp {
			continue
		}
		hasValid = true

		if matchType == MatchAll {
			if !passed {
				return false
			}
		} else {
			if passed {
				return true
			}
		}
	}

	if !hasValid {
		return false
	}
	return matchType == MatchAll
}

func cronDue(expr string, now time.Time) bool {
	due, err := gronx.IsDue(expr, now)
	if err != nil {
		return false
	}
	return due
}

// Tick evaluates every enabled, non-deleted strategy once. now is the
// wall-clock time used for effective-time, debounce, and cron checks.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	nowMs := now.UnixMilli()
	nowMinutes := now.Hour()*60 + now.Minute()

	e.mu.Lock()
	candidates := make([]*Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		candidates = append(candidates, s)
	}
	e.mu.Unlock()

	for _, s := range candidates {
		e.evaluateOne(ctx, s, now, nowMs, nowMinutes)
	}

	e.gcTombstones(nowMs)

	if e.metrics != nil {
		e.metrics.StrategyTick.Observe(time.Since(start).Seconds())
	}
}

func (e *Engine) skip() {
	if e.metrics != nil {
		e.metrics.StrategySkipped.Inc()
	}
}

func (e *Engine) evaluateOne(ctx context.Context, s *Strategy, now time.Time, nowMs int64, nowMinutes int) {
	e.mu.Lock()
	cur, stillPresent := e.strategies[s.ID]
	if !stillPresent || cur != s {
		e.mu.Unlock()
		return
	}
	if !cur.Enabled {
		e.mu.Unlock()
		e.skip()
		return
	}
	if !isInEffectiveTime(cur, nowMinutes) {
		e.mu.Unlock()
		e.skip()
		return
	}
	if cur.LastTriggeredMs != 0 && nowMs-cur.LastTriggeredMs < minRefireMs {
		e.mu.Unlock()
		e.skip()
		return
	}
	e.mu.Unlock()

	if cur.Type == "timer" && cur.Cron != "" && !cronDue(cur.Cron, now) {
		e.skip()
		return
	}

	if !e.evaluateConditions(cur.Conditions, cur.MatchType) {
		e.skip()
		return
	}

	e.mu.Lock()
	cur.LastTriggeredMs = nowMs
	actions := append([]Action(nil), cur.Actions...)
	name := cur.Name
	e.mu.Unlock()

	e.fire(ctx, name, actions)
}

// fire enqueues every action of a firing through the batch optimizer, which
// coalesces multi-channel writes to the same node into one frame.
func (e *Engine) fire(ctx context.Context, name string, actions []Action) {
	writes := make([]batch.Write, 0, len(actions))
	for _, a := range actions {
		node, channel, ok := ParseIdentifier(a.Identifier)
		if !ok {
			continue
		}
		writes = append(writes, batch.Write{Node: node, Channel: channel, Action: relayproto.Action(a.Value)})
	}

	source := fmt.Sprintf("auto:%s count:%d", name, len(writes))
	batch.Optimize(writes, e.lookup, e.enqueue, source, e.metrics)

	if e.metrics != nil {
		e.metrics.StrategyFires.Inc()
	}
	if e.auditLog != nil {
		e.auditLog.LogStrategyTrigger(ctx, name, false, &audit.EventResult{Status: "success", DevicesTotal: len(writes)})
	}
	e.logger.Info("strategy fired", "strategy", name, "actions", len(writes))
}

// gcTombstones drops tombstones older than the configured TTL. Tick calls
// it once per evaluation pass.
func (e *Engine) gcTombstones(nowMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ttlMs := e.tombstoneTTL.Milliseconds()
	for id, t := range e.tombstones {
		if nowMs-t.DeletedMs >= ttlMs {
			delete(e.tombstones, id)
		}
	}
}
