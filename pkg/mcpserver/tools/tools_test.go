package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/loxone/client"
	"github.com/loxone-mcp/gateway/pkg/loxone/codec"
	"github.com/loxone-mcp/gateway/pkg/loxone/structure"
)

type fakeController struct {
	codeByUUID map[string]int
}

func (f *fakeController) ControlMany(ctx context.Context, commands []client.Command) []client.CommandResult {
	out := make([]client.CommandResult, len(commands))
	for i, cmd := range commands {
		code := 200
		if f.codeByUUID != nil {
			if c, ok := f.codeByUUID[cmd.DeviceUUID]; ok {
				code = c
			}
		}
		if code >= 500 {
			// Mirrors client.SendCommand, which reports a 5xx reply as a
			// DeviceControl error.
			out[i] = client.CommandResult{DeviceUUID: cmd.DeviceUUID, Action: cmd.Action, Err: errs.DeviceControlError(code, "Miniserver reported an error")}
			continue
		}
		out[i] = client.CommandResult{DeviceUUID: cmd.DeviceUUID, Action: cmd.Action, Response: codec.Response{Code: code}}
	}
	return out
}

func testCache() *structure.Cache {
	cache := structure.New(nil)
	cache.Set(codec.Structure{
		Rooms: map[string]codec.Room{"room-1": {UUID: "room-1", Name: "Living Room"}},
		Devices: map[string]codec.Device{
			"dev-1": {UUID: "dev-1", Name: "Living Room Light", Type: "LightController", RoomUUID: "room-1", Category: "lighting"},
			"dev-2": {UUID: "dev-2", Name: "Kitchen Light", Type: "LightController", Category: "lighting"},
			"dev-3": {UUID: "dev-3", Name: "Living Blind", Type: "Jalousie", RoomUUID: "room-1", Category: "blinds"},
		},
	})
	return cache
}

func TestControlDeviceSingleSuccess(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	args, _ := json.Marshal(map[string]string{"device": "Living Room Light", "action": "on"})
	result, err := cat.Call(context.Background(), "control_device", args)
	require.NoError(t, err)
	doc := result.(singleResultDoc)
	assert.Equal(t, "success", doc.Status)
	assert.True(t, doc.Data.Success)
	assert.Equal(t, "dev-1", doc.Data.UUID)
	assert.Equal(t, "on", doc.Data.Action)
}

func TestControlDeviceNormalizesGermanAlias(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	args, _ := json.Marshal(map[string]string{"device": "Living Room Light", "action": "an"})
	result, err := cat.Call(context.Background(), "control_device", args)
	require.NoError(t, err)
	doc := result.(singleResultDoc)
	assert.Equal(t, "on", doc.Data.Action)
}

func TestControlDeviceAmbiguousReturnsToolLevelError(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	args, _ := json.Marshal(map[string]string{"device": "Light", "action": "on"})
	result, err := cat.Call(context.Background(), "control_device", args)
	require.NoError(t, err) // tool-level error, not an RPC error
	doc := result.(errorDoc)
	assert.Equal(t, "error", doc.Status)
	assert.Len(t, doc.Candidates, 2)
}

func TestControlDeviceRejectsDisallowedAction(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	args, _ := json.Marshal(map[string]string{"device": "Living Blind", "action": "on"})
	result, err := cat.Call(context.Background(), "control_device", args)
	require.NoError(t, err)
	doc := result.(errorDoc)
	assert.Equal(t, "error", doc.Status)
}

func TestControlDeviceMissingParamsIsInvalidParams(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	args, _ := json.Marshal(map[string]string{"device": "Living Room Light"})
	_, err := cat.Call(context.Background(), "control_device", args)
	require.Error(t, err)
}

func TestControlAllLightsAggregatesPartialFailure(t *testing.T) {
	cat := New(testCache(), &fakeController{codeByUUID: map[string]int{"dev-2": 500}})
	args, _ := json.Marshal(map[string]string{"action": "on"})
	result, err := cat.Call(context.Background(), "control_all_lights", args)
	require.NoError(t, err)
	report := result.(controlReport)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
}

func TestControlGroupPhraseViaControlDevice(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	args, _ := json.Marshal(map[string]string{"device": "all lights", "action": "off"})
	result, err := cat.Call(context.Background(), "control_device", args)
	require.NoError(t, err)
	report := result.(controlReport)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Successful)
}

func TestControlAllBlindsRoomScoped(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	args, _ := json.Marshal(map[string]string{"action": "stop", "room": "Living Room"})
	result, err := cat.Call(context.Background(), "control_all_blinds", args)
	require.NoError(t, err)
	report := result.(controlReport)
	assert.Equal(t, 1, report.Total)
}

func TestListDevicesFiltersByCategory(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	args, _ := json.Marshal(map[string]string{"category": "blinds"})
	result, err := cat.Call(context.Background(), "list_devices", args)
	require.NoError(t, err)
	devices := result.([]deviceSummary)
	require.Len(t, devices, 1)
	assert.Equal(t, "Living Blind", devices[0].Name)
}

func TestUnknownToolIsMethodNotFound(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	_, err := cat.Call(context.Background(), "no_such_tool", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestCatalogListNotEmpty(t *testing.T) {
	cat := New(testCache(), &fakeController{})
	assert.NotEmpty(t, cat.List())
}
