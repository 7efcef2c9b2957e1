package sensors

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/freitascorp/cabinetcore/pkg/relayproto"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateLocal_AppliesScaleAndOffset(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.RegisterLocalSensor(LocalSensor{SensorID: "tank_temp", Node: 1, Channel: 2, Scale: 0.1, Offset: -40})

	tbl.UpdateLocal(1, 2, 500, 1000)

	v, updatedMs, ok := tbl.Get("tank_temp")
	if !ok {
		t.Fatal("expected sensor to be set")
	}
	if v.(float64) != 10 {
		t.Errorf("value = %v, want 10 (500*0.1-40)", v)
	}
	if updatedMs != 1000 {
		t.Errorf("updatedMs = %d, want 1000", updatedMs)
	}
}

func TestUpdateLocal_UnconfiguredChannelIsNoOp(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.UpdateLocal(9, 0, 42, 1000)
	if _, _, ok := tbl.Get("anything"); ok {
		t.Error("expected no sensor set for unconfigured channel")
	}
}

func TestUpdateFromRelay_WritesStatusAndCurrentSensors(t *testing.T) {
	tbl := NewTable(testLogger())
	status := relayproto.ChannelStatus{Channel: 2, Mode: relayproto.Forward, CurrentA: 3.5}

	tbl.UpdateFromRelay(7, 2, status, 2000)

	mode, _, ok := tbl.Get("node_7_sw3_status")
	if !ok || mode.(int) != int(relayproto.Forward) {
		t.Errorf("status sensor = %v, ok=%v", mode, ok)
	}
	current, _, ok := tbl.GetFloat("node_7_sw3_current")
	if !ok || current != float64(float32(3.5)) {
		t.Errorf("current sensor = %v, ok=%v", current, ok)
	}
}

func TestUpdateFromMQTT_WalksJSONPath(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.RegisterMQTTSensor(MQTTSensor{SensorID: "outside_temp", ChannelID: "weather/outdoor", JSONPath: "readings.temperature"})

	payload := json.RawMessage(`{"readings":{"temperature":21.4,"humidity":55}}`)
	if err := tbl.UpdateFromMQTT("weather/outdoor", "weather/outdoor", payload, 3000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	v, updatedMs, ok := tbl.Get("outside_temp")
	if !ok || v.(float64) != 21.4 {
		t.Errorf("value = %v, ok=%v", v, ok)
	}
	if updatedMs != 3000 {
		t.Errorf("updatedMs = %d, want 3000", updatedMs)
	}
}

func TestUpdateFromMQTT_NullTerminalValueSkipped(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.RegisterMQTTSensor(MQTTSensor{SensorID: "x", ChannelID: "c", JSONPath: "a.b"})

	payload := json.RawMessage(`{"a":{"b":null}}`)
	if err := tbl.UpdateFromMQTT("c", "c", payload, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, ok := tbl.Get("x"); ok {
		t.Error("expected null terminal value to be skipped")
	}
}

func TestUpdateFromMQTT_MissingPathSegmentSkipped(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.RegisterMQTTSensor(MQTTSensor{SensorID: "x", ChannelID: "c", JSONPath: "a.missing"})

	payload := json.RawMessage(`{"a":{"b":1}}`)
	if err := tbl.UpdateFromMQTT("c", "c", payload, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, ok := tbl.Get("x"); ok {
		t.Error("expected missing path segment to be skipped")
	}
}

func TestUpdateFromMQTT_MalformedJSONReturnsError(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.RegisterMQTTSensor(MQTTSensor{SensorID: "x", ChannelID: "c", JSONPath: "a"})

	err := tbl.UpdateFromMQTT("c", "c", json.RawMessage(`{not json`), 1000)
	if err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestUpdateFromMQTT_UnconfiguredChannelIsNoOp(t *testing.T) {
	tbl := NewTable(testLogger())
	err := tbl.UpdateFromMQTT("unknown/channel", "unknown/channel", json.RawMessage(`{"a":1}`), 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGetFloat_NonNumericValueReturnsFalse(t *testing.T) {
	tbl := NewTable(testLogger())
	tbl.RegisterMQTTSensor(MQTTSensor{SensorID: "label", ChannelID: "c", JSONPath: "name"})
	tbl.UpdateFromMQTT("c", "c", json.RawMessage(`{"name":"offline"}`), 1000)

	if _, _, ok := tbl.GetFloat("label"); ok {
		t.Error("expected non-numeric string value to fail GetFloat")
	}
}

func TestGet_UnknownSensorReturnsFalse(t *testing.T) {
	tbl := NewTable(testLogger())
	if _, _, ok := tbl.Get("nope"); ok {
		t.Error("expected unknown sensor to return false")
	}
}
