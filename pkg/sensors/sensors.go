// Package sensors implements the sensor value table: a flat map of
// sensor_id to last-observed value and timestamp, fed by local channel
// readings, relay status frames, and MQTT telemetry.
package sensors

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/freitascorp/cabinetcore/pkg/relayproto"
)

// Entry is one sensor's last-observed state.
type Entry struct {
	Value     any
	UpdatedMs int64
}

// LocalSensor maps a (node, channel) analog/digital reading to a sensor id,
// applying a linear scale+offset before storage.
type LocalSensor struct {
	SensorID string
	Node     int
	Channel  uint8
	Scale    float64
	Offset   float64
}

// MQTTSensor maps an inbound MQTT channel to a sensor id by walking a
// dot-separated path into the decoded JSON payload.
type MQTTSensor struct {
	SensorID  string
	ChannelID string
	JSONPath  string
}

func relayChannelKey(node int, channel uint8) string {
	return fmt.Sprintf("%d:%d", node, channel)
}

// Table is the sensor value table. Safe for concurrent use.
type Table struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	localByChannel map[string][]LocalSensor
	mqttByChannel  map[string][]MQTTSensor
}

// NewTable creates an empty sensor table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		logger:         logger,
		entries:        make(map[string]Entry),
		localByChannel: make(map[string][]LocalSensor),
		mqttByChannel:  make(map[string][]MQTTSensor),
	}
}

// RegisterLocalSensor configures a local (node, channel) -> sensor mapping.
func (t *Table) RegisterLocalSensor(s LocalSensor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := relayChannelKey(s.Node, s.Channel)
	t.localByChannel[key] = append(t.localByChannel[key], s)
}

// RegisterMQTTSensor configures an MQTT channel -> sensor mapping.
func (t *Table) RegisterMQTTSensor(s MQTTSensor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mqttByChannel[s.ChannelID] = append(t.mqttByChannel[s.ChannelID], s)
}

// UpdateLocal applies value to every local sensor configured for (node,
// channel), scaling and offsetting before storing.
func (t *Table) UpdateLocal(node int, channel uint8, value float64, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := relayChannelKey(node, channel)
	for _, s := range t.localByChannel[key] {
		scaled := value*s.Scale + s.Offset
		t.entries[s.SensorID] = Entry{Value: scaled, UpdatedMs: nowMs}
	}
}

// UpdateFromRelay auto-registers and updates the two derived sensors for a
// relay channel: "node_<n>_sw<c+1>_status" (mode, as int) and
// "node_<n>_sw<c+1>_current" (amps).
func (t *Table) UpdateFromRelay(node int, channel uint8, status relayproto.ChannelStatus, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	statusID := fmt.Sprintf("node_%d_sw%d_status", node, channel+1)
	currentID := fmt.Sprintf("node_%d_sw%d_current", node, channel+1)
	t.entries[statusID] = Entry{Value: int(status.Mode), UpdatedMs: nowMs}
	t.entries[currentID] = Entry{Value: float64(status.CurrentA), UpdatedMs: nowMs}
}

// UpdateFromMQTT decodes payload and, for every sensor configured against
// channelID, walks its json_path and stores the terminal value if present
// and non-null. Malformed JSON is reported but does not panic; individual
// sensors whose path does not resolve are skipped rather than failing the
// whole update.
func (t *Table) UpdateFromMQTT(channelID, topic string, payload json.RawMessage, nowMs int64) error {
	t.mu.RLock()
	sensors := t.mqttByChannel[channelID]
	t.mu.RUnlock()
	if len(sensors) == 0 {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("sensors: decode mqtt payload on %s: %w", topic, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range sensors {
		v, ok := walkJSONPath(decoded, s.JSONPath)
		if !ok {
			continue
		}
		t.entries[s.SensorID] = Entry{Value: v, UpdatedMs: nowMs}
	}
	return nil
}

// walkJSONPath descends a dot-separated path into a decoded JSON value. It
// reports false if any segment is missing or the terminal value is null.
func walkJSONPath(v any, path string) (any, bool) {
	if v == nil {
		return nil, false
	}
	if path == "" {
		return v, true
	}
	cur := v
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, present := m[seg]
		if !present || next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Get returns the last-observed value and timestamp for sensor_id, or false
// if it has never been set. There is no TTL: freshness is the caller's
// concern.
func (t *Table) Get(sensorID string) (any, int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[sensorID]
	return e.Value, e.UpdatedMs, ok
}

// GetFloat is a convenience for the strategy engine's numeric condition
// evaluation: it returns false both when the sensor is absent and when its
// stored value is not numeric.
func (t *Table) GetFloat(sensorID string) (float64, int64, bool) {
	v, updatedMs, ok := t.Get(sensorID)
	if !ok {
		return 0, 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, updatedMs, true
	case int:
		return float64(n), updatedMs, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, 0, false
		}
		return f, updatedMs, true
	default:
		return 0, 0, false
	}
}
