// Package tools implements the Tool Dispatcher (spec §4.J): parameter
// validation, the closed action-alias table, per-device-type allowed
// actions, group-target expansion over the structure resolver, and
// report assembly over control_many. Grounded on the teacher's
// mcp.Tool + jsonschema.Schema catalog shape in pkg/gateway, adapted
// from Docker-catalog tool entries to device-control tools.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/loxone/client"
	"github.com/loxone-mcp/gateway/pkg/loxone/codec"
	"github.com/loxone-mcp/gateway/pkg/loxone/structure"
	"github.com/loxone-mcp/gateway/pkg/telemetry"
)

// Resolver is the subset of structure.Cache the dispatcher depends on.
type Resolver interface {
	Resolve(query, roomHint string) (codec.Device, error)
	List(f structure.Filter) []codec.Device
	RoomUUIDByName(name string) string
}

// Controller issues device commands; satisfied by *client.Client.
type Controller interface {
	ControlMany(ctx context.Context, commands []client.Command) []client.CommandResult
}

// Catalog is the Tool Dispatcher (spec §4.J), implementing
// mcpserver.ToolCatalog.
type Catalog struct {
	resolver   Resolver
	controller Controller
}

func New(resolver Resolver, controller Controller) *Catalog {
	return &Catalog{resolver: resolver, controller: controller}
}

// actionAliases is the closed alias table from spec §4.J, built in the
// literal order given there; later entries win where an action name
// (e.g. "stop") appears in more than one group.
var actionAliases = buildAliasTable(
	aliasGroup{aliases: []string{"on", "an", "play"}, canonical: "on"},
	aliasGroup{aliases: []string{"off", "aus", "stop"}, canonical: "off"},
	aliasGroup{aliases: []string{"up", "hoch", "auf"}, canonical: "up"},
	aliasGroup{aliases: []string{"down", "runter", "ab"}, canonical: "down"},
	aliasGroup{aliases: []string{"stop", "halt"}, canonical: "stop"},
	aliasGroup{aliases: []string{"dim"}, canonical: "dim"},
	aliasGroup{aliases: []string{"bright"}, canonical: "bright"},
)

type aliasGroup struct {
	aliases   []string
	canonical string
}

func buildAliasTable(groups ...aliasGroup) map[string]string {
	table := make(map[string]string)
	for _, g := range groups {
		for _, a := range g.aliases {
			table[a] = g.canonical
		}
	}
	return table
}

// normalizeAction canonicalizes action per spec §4.J step 2; unknown
// actions pass through unchanged.
func normalizeAction(action string) string {
	lower := strings.ToLower(strings.TrimSpace(action))
	if canonical, ok := actionAliases[lower]; ok {
		return canonical
	}
	return action
}

// allowedActions is the closed device-type → allowed-canonical-action
// table from spec §4.J, extended to cover every type the structure
// cache's category classifier recognizes (spec §4.F categoryForType).
var allowedActions = map[string][]string{
	"LightController":   {"on", "off", "dim", "bright", "toggle"},
	"LightControllerV2": {"on", "off", "dim", "bright", "toggle"},
	"Dimmer":            {"on", "off", "dim", "bright"},
	"Switch":            {"on", "off", "toggle"},
	"Jalousie":          {"up", "down", "stop"},
	"Gate":              {"up", "down", "stop"},
	"Window":            {"up", "down", "stop"},
	"IRoomControllerV2":  {"setpoint/", "mode/"},
	"Thermostat":        {"setpoint/", "mode/"},
	"ClimateController": {"setpoint/", "mode/"},
	"AudioZone":         {"on", "off", "play", "stop"},
	"MediaClient":       {"on", "off", "play", "stop"},
	"Alarm":             {"on", "off"},
	"SmokeAlarm":        {"on", "off"},
	"AccessController":  {"on", "off"},
	"EnergyManager":     {},
	"PowerMeter":        {},
	"WeatherServer":     {},
	"InfoOnlyAnalog":    {},
	"InfoOnlyDigital":   {},
	"PresenceDetector":  {},
}

// validateAction checks action against deviceType's closed set, per
// spec §4.J step 3. Parameterized actions ("setpoint/<num>",
// "mode/<enum>") are matched by prefix.
func validateAction(deviceType, action string) bool {
	allowed, ok := allowedActions[deviceType]
	if !ok {
		return true // unknown type: no restriction is specified
	}
	for _, a := range allowed {
		if strings.HasSuffix(a, "/") {
			if strings.HasPrefix(action, a) {
				return true
			}
			continue
		}
		if a == action {
			return true
		}
	}
	return false
}

type toolDescriptor struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	InputSchema *jsonschema.Schema  `json:"inputSchema"`
}

var catalog = []toolDescriptor{
	{
		Name:        "control_device",
		Description: "Control a single device or a named group of devices (e.g. \"all lights\", \"Living Room lights\", \"every blind\") identified by name or uuid.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"device": {Type: "string", Description: "Device name, uuid, or group phrase"},
				"action": {Type: "string", Description: "Action to perform, e.g. on/off/up/down/stop/dim/bright"},
				"room":   {Type: "string", Description: "Optional room hint used to disambiguate"},
			},
			Required: []string{"device", "action"},
		},
	},
	{
		Name:        "control_all_lights",
		Description: "Turn every lighting device on/off, optionally scoped to one room.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"action": {Type: "string", Description: "on, off, dim, or bright"},
				"room":   {Type: "string", Description: "Optional room name to scope the action"},
			},
			Required: []string{"action"},
		},
	},
	{
		Name:        "control_all_blinds",
		Description: "Move every blind/jalousie up/down/stop, optionally scoped to one room.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"action": {Type: "string", Description: "up, down, or stop"},
				"room":   {Type: "string", Description: "Optional room name to scope the action"},
			},
			Required: []string{"action"},
		},
	},
	{
		Name:        "list_devices",
		Description: "List devices, optionally filtered by category, device_type, or room.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"category":    {Type: "string", Description: "lighting, blinds, climate, sensors, audio, security, energy, weather"},
				"device_type": {Type: "string", Description: "Exact Loxone control type"},
				"room":        {Type: "string", Description: "Room name or uuid"},
			},
		},
	},
}

func (c *Catalog) List() []any {
	out := make([]any, len(catalog))
	for i, t := range catalog {
		out[i] = t
	}
	return out
}

type controlDeviceParams struct {
	Device string `json:"device"`
	Action string `json:"action"`
	Room   string `json:"room"`
}

type groupParams struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

type listDevicesParams struct {
	Category   string `json:"category"`
	DeviceType string `json:"device_type"`
	Room       string `json:"room"`
}

// Call dispatches name against the catalog, per spec §4.J.
func (c *Catalog) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "tools.call", attribute.String("mcp.tool.name", name))
	defer span.End()

	result, err := c.call(ctx, name, args)

	telemetry.ToolCallCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mcp.tool.name", name),
		attribute.Bool("error", err != nil),
	))
	telemetry.ToolCallDuration.Record(ctx, telemetry.Since(start), metric.WithAttributes(
		attribute.String("mcp.tool.name", name),
	))
	return result, err
}

func (c *Catalog) call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "control_device":
		var p controlDeviceParams
		if err := json.Unmarshal(args, &p); err != nil || p.Device == "" || p.Action == "" {
			return nil, errs.New(errs.InvalidParams, "control_device requires device and action")
		}
		return c.controlTarget(ctx, p.Device, p.Action, p.Room)
	case "control_all_lights":
		var p groupParams
		if err := json.Unmarshal(args, &p); err != nil || p.Action == "" {
			return nil, errs.New(errs.InvalidParams, "control_all_lights requires action")
		}
		return c.controlCategory(ctx, "lighting", p.Action, p.Room)
	case "control_all_blinds":
		var p groupParams
		if err := json.Unmarshal(args, &p); err != nil || p.Action == "" {
			return nil, errs.New(errs.InvalidParams, "control_all_blinds requires action")
		}
		return c.controlCategory(ctx, "blinds", p.Action, p.Room)
	case "list_devices":
		var p listDevicesParams
		_ = json.Unmarshal(args, &p)
		return c.listDevices(p), nil
	default:
		return nil, errs.New(errs.MethodNotFound, "unknown tool: "+name)
	}
}

// groupSuffixes maps a trailing group phrase to the category it
// expands to, per spec §4.J step 4 ("room X lights", "every blind").
var groupSuffixes = map[string]string{
	"lights": "lighting",
	"light":  "lighting",
	"blinds": "blinds",
	"blind":  "blinds",
}

// controlTarget resolves device (a single device, or a group phrase
// like "all lights" / "Living Room lights" / "every blind") and
// dispatches the canonical action.
func (c *Catalog) controlTarget(ctx context.Context, device, action, room string) (any, error) {
	canonical := normalizeAction(action)

	if category, scopeRoom, ok := parseGroupPhrase(device); ok {
		if room != "" {
			scopeRoom = room
		}
		return c.dispatchGroup(ctx, category, scopeRoom, canonical)
	}

	d, err := c.resolver.Resolve(device, room)
	if err != nil {
		return ambiguousResult(err), nil
	}
	if !validateAction(d.Type, canonical) {
		return errorResult("action " + canonical + " not allowed for device type " + d.Type), nil
	}

	results := c.controller.ControlMany(ctx, []client.Command{{DeviceUUID: d.UUID, Action: canonical}})
	return singleResult(d, canonical, results[0]), nil
}

func (c *Catalog) controlCategory(ctx context.Context, category, action, room string) (any, error) {
	return c.dispatchGroup(ctx, category, room, normalizeAction(action))
}

// parseGroupPhrase recognizes "all <plural>", "every <singular>", and
// "<room> <plural>" group phrases, per spec §4.J step 4.
func parseGroupPhrase(phrase string) (category, room string, ok bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	fields := strings.Fields(lower)
	if len(fields) == 0 {
		return "", "", false
	}

	last := fields[len(fields)-1]
	cat, matched := groupSuffixes[last]
	if !matched {
		return "", "", false
	}

	switch fields[0] {
	case "all", "every":
		return cat, "", true
	}
	if len(fields) >= 2 {
		return cat, strings.Join(fields[:len(fields)-1], " "), true
	}
	return "", "", false
}

func (c *Catalog) dispatchGroup(ctx context.Context, category, room, action string) (any, error) {
	var roomUUID string
	if room != "" {
		roomUUID = c.resolver.RoomUUIDByName(room)
	}

	devices := c.resolver.List(structure.Filter{Category: category, RoomUUID: roomUUID})
	if len(devices) == 0 {
		return ambiguousResult(errs.New(errs.AmbiguousOrNotFound, "no devices matched for category "+category)), nil
	}

	var commands []client.Command
	var targets []codec.Device
	for _, d := range devices {
		if !validateAction(d.Type, action) {
			continue
		}
		commands = append(commands, client.Command{DeviceUUID: d.UUID, Action: action})
		targets = append(targets, d)
	}
	if len(commands) == 0 {
		return errorResult("no devices of category " + category + " accept action " + action), nil
	}

	results := c.controller.ControlMany(ctx, commands)
	return aggregateResult(targets, results), nil
}

type perDevice struct {
	Device   string          `json:"device"`
	UUID     string          `json:"uuid"`
	Action   string          `json:"action"`
	Success  bool            `json:"success"`
	Code     int             `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

type controlReport struct {
	Status     string      `json:"status"`
	Total      int         `json:"total"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	PerDevice  []perDevice `json:"per_device"`
}

// aggregateResult assembles the {total, successful, failed, per_device}
// report from spec §4.J step 5, preserving input order.
func aggregateResult(targets []codec.Device, results []client.CommandResult) controlReport {
	report := controlReport{Status: "success", Total: len(results), PerDevice: make([]perDevice, len(results))}
	for i, r := range results {
		entry := perDevice{Device: targets[i].Name, UUID: r.DeviceUUID, Action: r.Action, Success: r.Err == nil}
		if r.Err != nil {
			report.Failed++
			entry.Error = r.Err.Error()
			var e *errs.Error
			if errors.As(r.Err, &e) && e.Kind == errs.DeviceControl {
				entry.Code = e.Code
			}
		} else {
			report.Successful++
			entry.Code = r.Response.Code
			entry.Response = r.Response.Value
		}
		report.PerDevice[i] = entry
	}
	return report
}

type singleData struct {
	Device  string `json:"device"`
	UUID    string `json:"uuid"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Code    int    `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

type singleResultDoc struct {
	Status string     `json:"status"`
	Data   singleData `json:"data"`
}

// singleResult builds the flat single-device shape from spec §8's
// end-to-end scenario 1.
func singleResult(d codec.Device, action string, r client.CommandResult) singleResultDoc {
	data := singleData{Device: d.Name, UUID: d.UUID, Action: action, Success: r.Err == nil}
	if r.Err != nil {
		data.Error = r.Err.Error()
	} else {
		data.Code = r.Response.Code
	}
	return singleResultDoc{Status: "success", Data: data}
}

type errorDoc struct {
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	Candidates []string `json:"candidates,omitempty"`
}

// ambiguousResult renders the tool-level error shape from spec §8's
// end-to-end scenario 3; AmbiguousOrNotFound candidates are never a
// JSON-RPC error since a resolution failure is tool-level.
func ambiguousResult(err error) errorDoc {
	doc := errorDoc{Status: "error", Message: errs.KindOf(err).String()}
	var e *errs.Error
	if errors.As(err, &e) {
		if data, ok := e.Data.(map[string][]string); ok {
			doc.Candidates = data["candidates"]
		}
	}
	return doc
}

func errorResult(message string) errorDoc {
	return errorDoc{Status: "error", Message: message}
}

func (c *Catalog) listDevices(p listDevicesParams) []deviceSummary {
	var roomUUID string
	if p.Room != "" {
		roomUUID = c.resolver.RoomUUIDByName(p.Room)
	}
	devices := c.resolver.List(structure.Filter{Category: p.Category, DeviceType: p.DeviceType, RoomUUID: roomUUID})
	out := make([]deviceSummary, len(devices))
	for i, d := range devices {
		out[i] = deviceSummary{UUID: d.UUID, Name: d.Name, Type: d.Type, RoomUUID: d.RoomUUID, Category: d.Category}
	}
	return out
}

type deviceSummary struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	RoomUUID string `json:"room_uuid,omitempty"`
	Category string `json:"category,omitempty"`
}
