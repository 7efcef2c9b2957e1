// Package core implements the cabinet core context: the umbrella object
// that owns the CAN transport, relay devices, job queue, batch optimizer,
// sensor table, and strategy engine, and runs them all on one reactor
// goroutine.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/freitascorp/cabinetcore/pkg/audit"
	"github.com/freitascorp/cabinetcore/pkg/batch"
	"github.com/freitascorp/cabinetcore/pkg/canbus"
	"github.com/freitascorp/cabinetcore/pkg/device"
	"github.com/freitascorp/cabinetcore/pkg/jobqueue"
	"github.com/freitascorp/cabinetcore/pkg/observability"
	"github.com/freitascorp/cabinetcore/pkg/relayproto"
	"github.com/freitascorp/cabinetcore/pkg/sensors"
	"github.com/freitascorp/cabinetcore/pkg/strategy"
)

// Reactor ticks, matching the reference adapter and spec's timing.
const (
	txTickInterval       = 2 * time.Millisecond
	queueTickInterval    = 10 * time.Millisecond
	strategyTickInterval = 1 * time.Second
)

// DeviceConfig is the static configuration for one relay device.
type DeviceConfig struct {
	Node int
	Name string
}

// Config bundles everything Context needs at construction time.
type Config struct {
	CAN     canbus.Config
	Logger  *slog.Logger
	Metrics *observability.CabinetMetrics
	Audit   *audit.Logger
}

// adapterSender adapts *canbus.Adapter to device.FrameSender.
type adapterSender struct{ a *canbus.Adapter }

func (s adapterSender) SendFrame(id uint32, payload []byte, extended, rtr bool) bool {
	return s.a.SendFrame(canbus.Frame{ID: id, Extended: extended, RTR: rtr, Data: payload})
}

// Context is the single owner of every cabinet subsystem. All exported
// operation methods are safe to call from any goroutine: they marshal onto
// the reactor via a command channel and block for the result, matching the
// single-threaded-cooperative concurrency model.
type Context struct {
	logger  *slog.Logger
	metrics *observability.CabinetMetrics
	audit   *audit.Logger

	canAdapter *canbus.Adapter
	router     *device.Router
	jobs       *jobqueue.Queue
	sensors    *sensors.Table
	strategies *strategy.Engine
	lifecycle  *device.Lifecycle

	mu            sync.RWMutex
	relays        map[int]*device.Relay
	deviceConfigs map[int]DeviceConfig
	groups        map[int]*device.Group
	selector      device.GroupSelector

	frameCh chan canbus.Frame
	cmdCh   chan func()

	readyOpened  bool
	readySched   bool
	readyMu      sync.Mutex
}

// NewContext builds a Context. The CAN adapter is constructed but not
// opened; call Run to start the reactor, which opens it.
func NewContext(cfg Config) *Context {
	c := &Context{
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		audit:         cfg.Audit,
		router:        device.NewRouter(),
		relays:        make(map[int]*device.Relay),
		deviceConfigs: make(map[int]DeviceConfig),
		groups:        make(map[int]*device.Group),
		frameCh:       make(chan canbus.Frame, 256),
		cmdCh:         make(chan func(), 64),
	}
	c.canAdapter = canbus.NewAdapter(cfg.CAN, cfg.Metrics, cfg.Logger, func(f canbus.Frame) {
		c.frameCh <- f
	})
	c.jobs = jobqueue.New(c.controllableLookup, cfg.Metrics, cfg.Logger)
	c.sensors = sensors.NewTable(cfg.Logger)
	c.lifecycle = device.NewLifecycle(cfg.Logger)
	c.strategies = strategy.New(strategy.Config{
		Sensors:    c.sensors,
		NodeExists: c.nodeExists,
		Lookup:     c.batchDeviceLookup,
		Enqueue:    c.batchEnqueue,
		Metrics:    cfg.Metrics,
		Logger:     cfg.Logger,
		Audit:      cfg.Audit,
	})
	return c
}

// controllableLookup adapts the relay registry to jobqueue.DeviceLookup.
func (c *Context) controllableLookup(node int) (jobqueue.Controllable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.relays[node]
	return r, ok
}

// batchDeviceLookup adapts the relay registry to batch.DeviceLookup.
func (c *Context) batchDeviceLookup(node int) (batch.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.relays[node]
	return r, ok
}

// batchEnqueue is the single-write fallback the batch optimizer uses,
// force-queued so ordering within a firing/group call is preserved.
func (c *Context) batchEnqueue(node int, channel uint8, action relayproto.Action, source string) bool {
	res := c.jobs.Enqueue(node, channel, action, source, true, time.Now().UnixMilli())
	return res.Accepted
}

func (c *Context) nodeExists(node int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.relays[node]
	return ok
}

// Run starts the reactor: opens the CAN adapter and loops on periodic
// ticks, inbound frames, and marshaled external commands until ctx is
// cancelled.
func (c *Context) Run(ctx context.Context) error {
	if err := c.canAdapter.Open(); err != nil {
		c.logger.Warn("core: CAN adapter open failed, continuing degraded", "error", err)
	}
	c.readyMu.Lock()
	c.readyOpened = true
	c.readyMu.Unlock()

	txTicker := time.NewTicker(txTickInterval)
	defer txTicker.Stop()
	queueTicker := time.NewTicker(queueTickInterval)
	defer queueTicker.Stop()
	strategyTicker := time.NewTicker(strategyTickInterval)
	defer strategyTicker.Stop()
	gcTicker := time.NewTicker(5 * time.Second)
	defer gcTicker.Stop()

	c.readyMu.Lock()
	c.readySched = true
	c.readyMu.Unlock()

	for {
		select {
		case <-ctx.Done():
			c.canAdapter.Close()
			return ctx.Err()

		case <-txTicker.C:
			c.canAdapter.PumpTx()

		case <-queueTicker.C:
			c.jobs.Tick(time.Now().UnixMilli())

		case <-strategyTicker.C:
			c.strategies.Tick(ctx, time.Now())

		case <-gcTicker.C:
			c.lifecycle.Check(time.Now().UnixMilli(), c.relaysSnapshot())

		case f := <-c.frameCh:
			c.router.Dispatch(f.ID, f.Extended, f.RTR, time.Now().UnixMilli(), f.Data)

		case cmd := <-c.cmdCh:
			cmd()
		}
	}
}

// Ready reports whether the CAN adapter has completed its first Open
// attempt and the reactor loop is scheduling ticks, for pkg/health's
// readiness probe.
func (c *Context) Ready() bool {
	c.readyMu.Lock()
	defer c.readyMu.Unlock()
	return c.readyOpened && c.readySched
}

func (c *Context) relaysSnapshot() map[int]*device.Relay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]*device.Relay, len(c.relays))
	for k, v := range c.relays {
		out[k] = v
	}
	return out
}

// do marshals fn onto the reactor and blocks until it has run, returning
// fn's result. Used by every exported operation below so all state
// mutation happens on the single reactor goroutine.
func do[T any](c *Context, fn func() T) T {
	resultCh := make(chan T, 1)
	c.cmdCh <- func() { resultCh <- fn() }
	return <-resultCh
}

// --- Device lifecycle -------------------------------------------------

// AddDevice registers a new relay device. Returns an error if node_id is
// out of range or already registered.
func (c *Context) AddDevice(ctx context.Context, cfg DeviceConfig) error {
	err := do(c, func() error {
		if cfg.Node < 1 || cfg.Node > 255 {
			return fmt.Errorf("core: node_id %d out of range 1..255", cfg.Node)
		}
		c.mu.Lock()
		if _, exists := c.relays[cfg.Node]; exists {
			c.mu.Unlock()
			return fmt.Errorf("core: node %d already registered", cfg.Node)
		}
		r := device.NewRelay(cfg.Node, adapterSender{c.canAdapter}, c.logger, c.onStatusEvent)
		c.relays[cfg.Node] = r
		c.deviceConfigs[cfg.Node] = cfg
		c.mu.Unlock()

		c.router.Add(r)
		c.lifecycle.Registered(cfg.Node)
		if c.metrics != nil {
			c.metrics.DevicesTotal.Inc()
		}
		r.Init()
		return nil
	})

	if c.audit != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		c.audit.LogDeviceRegister(ctx, cfg.Node, &audit.EventResult{Status: status})
	}
	return err
}

// RemoveDevice unregisters a node: purges it from every group, removes it
// from the router, and drops its state.
func (c *Context) RemoveDevice(ctx context.Context, node int) error {
	err := do(c, func() error {
		c.mu.Lock()
		r, ok := c.relays[node]
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("core: node %d not registered", node)
		}
		delete(c.relays, node)
		delete(c.deviceConfigs, node)
		for _, g := range c.groups {
			delete(g.Nodes, node)
			for key := range g.Channels {
				if n, _ := key.Split(); n == node {
					delete(g.Channels, key)
				}
			}
		}
		c.mu.Unlock()

		c.router.Remove(r)
		c.lifecycle.Removed(node)
		if c.metrics != nil {
			c.metrics.DevicesTotal.Dec()
		}
		return nil
	})

	if c.audit != nil {
		status := "success"
		if err != nil {
			status = "failure"
		}
		c.audit.LogDeviceRemove(ctx, node, &audit.EventResult{Status: status})
	}
	return err
}

func (c *Context) onStatusEvent(ev device.StatusEvent) {
	c.sensors.UpdateFromRelay(ev.Node, ev.Channel, ev.Status, time.Now().UnixMilli())
}

// NodeInfo is the public snapshot of one relay's reachability.
type NodeInfo struct {
	Node   int
	Online bool
	AgeMs  int64
}

// Nodes returns a sorted snapshot of every registered device's online
// state and last-seen age.
func (c *Context) Nodes() []NodeInfo {
	return do(c, func() []NodeInfo {
		now := time.Now().UnixMilli()
		c.mu.RLock()
		defer c.mu.RUnlock()
		out := make([]NodeInfo, 0, len(c.relays))
		for node, r := range c.relays {
			lastSeen, seen := r.LastSeenMs()
			age := int64(-1)
			if seen {
				age = now - lastSeen
			}
			out = append(out, NodeInfo{Node: node, Online: r.Online(now), AgeMs: age})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
		return out
	})
}

// --- Relay control ------------------------------------------------------

// Control enqueues a single-channel control job through the job queue.
func (c *Context) Control(node int, channel uint8, action relayproto.Action, source string, forceQueue bool) jobqueue.EnqueueResult {
	return do(c, func() jobqueue.EnqueueResult {
		return c.jobs.Enqueue(node, channel, action, source, forceQueue, time.Now().UnixMilli())
	})
}

// ControlMulti issues one multi-channel frame directly to a device.
func (c *Context) ControlMulti(node int, actions [4]relayproto.Action) bool {
	return do(c, func() bool {
		c.mu.RLock()
		r, ok := c.relays[node]
		c.mu.RUnlock()
		if !ok {
			return false
		}
		return r.ControlMulti(actions)
	})
}

// Query emits a status query for one channel.
func (c *Context) Query(node int, channel uint8) bool {
	return do(c, func() bool {
		c.mu.RLock()
		r, ok := c.relays[node]
		c.mu.RUnlock()
		return ok && r.Query(channel)
	})
}

// QueryAll emits a device-wide auto-status query.
func (c *Context) QueryAll(node int) bool {
	return do(c, func() bool {
		c.mu.RLock()
		r, ok := c.relays[node]
		c.mu.RUnlock()
		return ok && r.QueryAll()
	})
}

// Status returns a channel's cached status, online state and age.
func (c *Context) Status(node int, channel uint8) (relayproto.ChannelStatus, bool, int64, bool) {
	return do(c, func() statusResult {
		c.mu.RLock()
		r, ok := c.relays[node]
		c.mu.RUnlock()
		if !ok {
			return statusResult{}
		}
		now := time.Now().UnixMilli()
		age := int64(-1)
		if lastSeen, seen := r.LastSeenMs(); seen {
			age = now - lastSeen
		}
		return statusResult{r.LastStatus(channel), r.Online(now), age, true}
	}).unpack()
}

type statusResult struct {
	status relayproto.ChannelStatus
	online bool
	ageMs  int64
	found  bool
}

func (s statusResult) unpack() (relayproto.ChannelStatus, bool, int64, bool) {
	return s.status, s.online, s.ageMs, s.found
}

// EmergencyStop stops every channel of every registered device. When
// optimized is true it issues one ControlMulti frame per device instead of
// per-channel control jobs.
func (c *Context) EmergencyStop(ctx context.Context, optimized bool) batch.Report {
	report := do(c, func() batch.Report {
		c.mu.RLock()
		nodes := make([]int, 0, len(c.relays))
		for n := range c.relays {
			nodes = append(nodes, n)
		}
		c.mu.RUnlock()

		if !optimized {
			r := batch.Report{}
			for _, n := range nodes {
				for ch := uint8(0); ch <= device.MaxChannel; ch++ {
					r.Total++
					if c.jobs.Enqueue(n, ch, relayproto.Stop, "emergency_stop", true, time.Now().UnixMilli()).Accepted {
						r.Accepted++
					} else {
						r.Missing++
					}
				}
			}
			return r
		}

		writes := make([]batch.Write, 0, len(nodes)*4)
		for _, n := range nodes {
			for ch := uint8(0); ch <= device.MaxChannel; ch++ {
				writes = append(writes, batch.Write{Node: n, Channel: ch, Action: relayproto.Stop})
			}
		}
		return batch.Optimize(writes, c.batchDeviceLookup, c.batchEnqueue, "emergency_stop", c.metrics)
	})

	if c.audit != nil {
		c.audit.LogEmergencyStop(ctx, optimized, &audit.EventResult{
			Status: "success", DevicesTotal: report.Total, DevicesOK: report.Accepted, DevicesFailed: report.Missing,
		})
	}
	return report
}

// --- Groups --------------------------------------------------------------

// CreateGroup creates an empty named group.
func (c *Context) CreateGroup(ctx context.Context, id int, name string) error {
	err := do(c, func() error {
		if id <= 0 {
			return fmt.Errorf("core: group id must be positive")
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, exists := c.groups[id]; exists {
			return fmt.Errorf("core: group %d already exists", id)
		}
		c.groups[id] = device.NewGroup(id, name)
		return nil
	})
	c.auditGroup(ctx, id, "create", err)
	return err
}

// DeleteGroup removes a group.
func (c *Context) DeleteGroup(ctx context.Context, id int) error {
	err := do(c, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, exists := c.groups[id]; !exists {
			return fmt.Errorf("core: group %d not found", id)
		}
		delete(c.groups, id)
		return nil
	})
	c.auditGroup(ctx, id, "delete", err)
	return err
}

// AddDeviceToGroup adds a node to a group's member set.
func (c *Context) AddDeviceToGroup(ctx context.Context, groupID, node int) error {
	err := c.mutateGroup(groupID, func(g *device.Group) error {
		g.Nodes[node] = true
		return nil
	})
	c.auditGroup(ctx, groupID, "add_device", err)
	return err
}

// RemoveDeviceFromGroup removes a node from a group's member set.
func (c *Context) RemoveDeviceFromGroup(ctx context.Context, groupID, node int) error {
	err := c.mutateGroup(groupID, func(g *device.Group) error {
		delete(g.Nodes, node)
		return nil
	})
	c.auditGroup(ctx, groupID, "remove_device", err)
	return err
}

// AddChannelToGroup binds one channel of one node into the group's explicit
// channel set.
func (c *Context) AddChannelToGroup(ctx context.Context, groupID, node int, channel uint8) error {
	err := c.mutateGroup(groupID, func(g *device.Group) error {
		if channel > device.MaxChannel {
			return fmt.Errorf("core: channel %d out of range", channel)
		}
		g.Channels[device.NewChannelKey(node, channel)] = true
		return nil
	})
	c.auditGroup(ctx, groupID, "add_channel", err)
	return err
}

// RemoveChannelFromGroup unbinds one channel from a group's explicit
// channel set.
func (c *Context) RemoveChannelFromGroup(ctx context.Context, groupID, node int, channel uint8) error {
	err := c.mutateGroup(groupID, func(g *device.Group) error {
		delete(g.Channels, device.NewChannelKey(node, channel))
		return nil
	})
	c.auditGroup(ctx, groupID, "remove_channel", err)
	return err
}

func (c *Context) mutateGroup(groupID int, fn func(g *device.Group) error) error {
	return do(c, func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		g, ok := c.groups[groupID]
		if !ok {
			return fmt.Errorf("core: group %d not found", groupID)
		}
		return fn(g)
	})
}

func (c *Context) auditGroup(ctx context.Context, groupID int, action string, err error) {
	if c.audit == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	c.audit.LogGroupMutate(ctx, strconv.Itoa(groupID), action, &audit.EventResult{Status: status})
}

// GroupControl writes action to a group's resolved channel set. Per the
// bound-channels-first precedence: a group with an explicit channel set
// targets exactly that set; only a group with no bound channels falls back
// to all four channels of every member node.
func (c *Context) GroupControl(groupID int, action relayproto.Action, onlineOnly bool) batch.Report {
	return do(c, func() batch.Report {
		c.mu.RLock()
		g, ok := c.groups[groupID]
		c.mu.RUnlock()
		if !ok {
			return batch.Report{Missing: 1}
		}

		var isOnline func(node int) bool
		if onlineOnly {
			now := time.Now().UnixMilli()
			isOnline = func(node int) bool {
				c.mu.RLock()
				r, ok := c.relays[node]
				c.mu.RUnlock()
				return ok && r.Online(now)
			}
		}

		keys := c.selector.Resolve(g, isOnline)
		writes := make([]batch.Write, 0, len(keys))
		for _, k := range keys {
			node, ch := k.Split()
			writes = append(writes, batch.Write{Node: node, Channel: ch, Action: action})
		}
		source := fmt.Sprintf("group:%d", groupID)
		return batch.Optimize(writes, c.batchDeviceLookup, c.batchEnqueue, source, c.metrics)
	})
}

// --- Job queue introspection --------------------------------------------

// QueueSnapshot reports the control job queue's current depth and activity.
func (c *Context) QueueSnapshot() jobqueue.Snapshot {
	return do(c, func() jobqueue.Snapshot { return c.jobs.Snapshot() })
}

// JobResult returns a job's cached outcome, if still present.
func (c *Context) JobResult(id int64) (jobqueue.Result, bool) {
	return do(c, func() jobResultPair { r, ok := c.jobs.Result(id); return jobResultPair{r, ok} }).unpack()
}

type jobResultPair struct {
	result jobqueue.Result
	ok     bool
}

func (p jobResultPair) unpack() (jobqueue.Result, bool) { return p.result, p.ok }

// --- Strategies ----------------------------------------------------------

// CreateOrUpdateStrategy installs or updates an automation strategy.
func (c *Context) CreateOrUpdateStrategy(ctx context.Context, s strategy.Strategy) (bool, uint32, error) {
	return do(c, func() createOrUpdateResult {
		isUpdate, version, err := c.strategies.CreateOrUpdate(ctx, s)
		return createOrUpdateResult{isUpdate, version, err}
	}).unpack()
}

type createOrUpdateResult struct {
	isUpdate bool
	version  uint32
	err      error
}

func (r createOrUpdateResult) unpack() (bool, uint32, error) { return r.isUpdate, r.version, r.err }

// DeleteStrategy soft-deletes a strategy.
func (c *Context) DeleteStrategy(ctx context.Context, id int) (bool, error) {
	return do(c, func() deleteResult {
		already, err := c.strategies.Delete(ctx, id, time.Now().UnixMilli())
		return deleteResult{already, err}
	}).unpack()
}

type deleteResult struct {
	already bool
	err     error
}

func (r deleteResult) unpack() (bool, error) { return r.already, r.err }

// TriggerStrategy manually fires a strategy's actions immediately,
// bypassing effective-time and debounce checks. It does not update
// last_triggered_ms, so a manual fire does not delay the next scheduled fire.
func (c *Context) TriggerStrategy(ctx context.Context, id int) error {
	return do(c, func() error {
		s, ok := c.strategies.Get(id)
		if !ok {
			return fmt.Errorf("core: strategy %d not found", id)
		}
		if !s.Enabled {
			return fmt.Errorf("core: strategy %d is disabled", id)
		}

		writes := make([]batch.Write, 0, len(s.Actions))
		for _, a := range s.Actions {
			node, channel, ok := strategy.ParseIdentifier(a.Identifier)
			if !ok {
				continue
			}
			writes = append(writes, batch.Write{Node: node, Channel: channel, Action: relayproto.Action(a.Value)})
		}
		source := fmt.Sprintf("manual:%s", s.Name)
		batch.Optimize(writes, c.batchDeviceLookup, c.batchEnqueue, source, c.metrics)

		if c.metrics != nil {
			c.metrics.StrategyFires.Inc()
		}
		if c.audit != nil {
			c.audit.LogStrategyTrigger(ctx, strconv.Itoa(id), true, &audit.EventResult{Status: "success", DevicesTotal: len(writes)})
		}
		return nil
	})
}

// --- Sensors ---------------------------------------------------------------

// UpdateLocalSensor applies a local analog/digital reading.
func (c *Context) UpdateLocalSensor(node int, channel uint8, value float64) {
	do(c, func() struct{} {
		c.sensors.UpdateLocal(node, channel, value, time.Now().UnixMilli())
		return struct{}{}
	})
}

// UpdateMQTTSensor routes an inbound MQTT payload into the sensor table.
func (c *Context) UpdateMQTTSensor(channelID, topic string, payload []byte) error {
	return do(c, func() error {
		return c.sensors.UpdateFromMQTT(channelID, topic, payload, time.Now().UnixMilli())
	})
}

// Sensors exposes the sensor table directly, without routing through the
// reactor; the table is safe for concurrent use, and the CLI's MQTT source
// writes to it through this handle.
func (c *Context) Sensors() *sensors.Table {
	return c.sensors
}
