// Package resources implements the Resource URI Router (spec §4.I):
// parsing of `loxone://<kind>/<segment>...` URIs into data reads over
// the structure cache and the live Miniserver client. Grounded on the
// teacher's resource-listing shape in pkg/gateway (mcp.Tool/Resource
// JSON documents) generalized from Docker-catalog entries to Loxone
// rooms/devices/system documents.
package resources

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/loxone/codec"
	"github.com/loxone-mcp/gateway/pkg/loxone/structure"
)

// categoryKinds is the closed set of category-scoped kinds from spec
// §4.I, each backed by the structure cache's category filter.
var categoryKinds = map[string]string{
	"audio":    "audio",
	"sensors":  "sensors",
	"weather":  "weather",
	"security": "security",
	"energy":   "energy",
}

// MiniserverInfo fetches live system/device-state data the structure
// cache does not hold, narrowed to what the router needs.
type MiniserverInfo interface {
	GetSystemInfo(ctx context.Context) (json.RawMessage, error)
	BatchStates(ctx context.Context, uuids []string) (map[string]json.RawMessage, map[string]error)
}

// Router is the Resource URI Router (spec §4.I).
type Router struct {
	cache  *structure.Cache
	client MiniserverInfo
}

func New(cache *structure.Cache, client MiniserverInfo) *Router {
	return &Router{cache: cache, client: client}
}

// resourceDescriptor is the shape returned by resources/list, mirroring
// the MCP resource entry: uri, name, description, mimeType.
type resourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

var staticResources = []resourceDescriptor{
	{URI: "loxone://rooms", Name: "Rooms", Description: "All rooms in the structure", MimeType: "application/json"},
	{URI: "loxone://devices", Name: "Devices", Description: "All devices in the structure", MimeType: "application/json"},
	{URI: "loxone://system", Name: "System", Description: "Miniserver system information", MimeType: "application/json"},
	{URI: "loxone://audio", Name: "Audio", Description: "Audio-zone devices", MimeType: "application/json"},
	{URI: "loxone://sensors", Name: "Sensors", Description: "Sensor devices", MimeType: "application/json"},
	{URI: "loxone://weather", Name: "Weather", Description: "Weather-server devices", MimeType: "application/json"},
	{URI: "loxone://security", Name: "Security", Description: "Alarm and access-control devices", MimeType: "application/json"},
	{URI: "loxone://energy", Name: "Energy", Description: "Power and energy-manager devices", MimeType: "application/json"},
}

func (r *Router) List() []any {
	out := make([]any, len(staticResources))
	for i, d := range staticResources {
		out[i] = d
	}
	return out
}

type resourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

func (r *Router) Templates() []any {
	return []any{
		resourceTemplate{URITemplate: "loxone://rooms/{room_name}/devices", Name: "Room devices", Description: "Devices located in a named room", MimeType: "application/json"},
		resourceTemplate{URITemplate: "loxone://devices/type/{device_type}", Name: "Devices by type", Description: "Devices of a given Loxone control type", MimeType: "application/json"},
		resourceTemplate{URITemplate: "loxone://devices/category/{category}", Name: "Devices by category", Description: "Devices in a derived capability category", MimeType: "application/json"},
		resourceTemplate{URITemplate: "loxone://devices/{device}", Name: "Device detail", Description: "A single device with its current state values", MimeType: "application/json"},
	}
}

// parsed is the `{kind, path_params}` result of URI parsing, per spec
// §4.I.
type parsed struct {
	kind       string
	pathParams map[string]string
}

const scheme = "loxone://"

func parseURI(uri string) (parsed, error) {
	if !strings.HasPrefix(uri, scheme) {
		return parsed{}, errs.New(errs.AmbiguousOrNotFound, "unknown resource scheme: "+uri)
	}
	rest := strings.TrimPrefix(uri, scheme)
	if rest == "" {
		return parsed{}, errs.New(errs.AmbiguousOrNotFound, "empty resource path")
	}

	segments := strings.Split(rest, "/")
	for _, s := range segments {
		if s == "" {
			return parsed{}, errs.New(errs.AmbiguousOrNotFound, "empty segment in resource uri: "+uri)
		}
	}

	kind := segments[0]
	tail := segments[1:]

	switch kind {
	case "rooms":
		if len(tail) == 0 {
			return parsed{kind: kind}, nil
		}
		if len(tail) == 2 && tail[1] == "devices" {
			return parsed{kind: kind, pathParams: map[string]string{"room_name": tail[0]}}, nil
		}
	case "devices":
		if len(tail) == 0 {
			return parsed{kind: kind}, nil
		}
		if len(tail) == 2 && tail[0] == "type" {
			return parsed{kind: kind, pathParams: map[string]string{"device_type": tail[1]}}, nil
		}
		if len(tail) == 2 && tail[0] == "category" {
			return parsed{kind: kind, pathParams: map[string]string{"category": tail[1]}}, nil
		}
		if len(tail) == 1 {
			return parsed{kind: kind, pathParams: map[string]string{"device": tail[0]}}, nil
		}
	case "system":
		if len(tail) == 0 {
			return parsed{kind: kind}, nil
		}
	default:
		if _, ok := categoryKinds[kind]; ok && len(tail) == 0 {
			return parsed{kind: kind}, nil
		}
	}

	return parsed{}, errs.New(errs.AmbiguousOrNotFound, "unrecognized resource pattern: "+uri)
}

// Read dispatches a parsed URI to its data source and returns a
// JSON-serializable document (spec §4.I: "application/json is the sole
// MIME type").
func (r *Router) Read(ctx context.Context, uri string) (any, error) {
	p, err := parseURI(uri)
	if err != nil {
		return nil, err
	}

	switch p.kind {
	case "rooms":
		if roomName, ok := p.pathParams["room_name"]; ok {
			return r.devicesInRoom(roomName), nil
		}
		return r.allRooms(), nil
	case "devices":
		if deviceType, ok := p.pathParams["device_type"]; ok {
			return deviceDocs(r.cache.List(structure.Filter{DeviceType: deviceType})), nil
		}
		if category, ok := p.pathParams["category"]; ok {
			return deviceDocs(r.cache.List(structure.Filter{Category: category})), nil
		}
		if device, ok := p.pathParams["device"]; ok {
			return r.deviceDetail(ctx, device)
		}
		return deviceDocs(r.cache.List(structure.Filter{})), nil
	case "system":
		return r.systemInfo(ctx)
	default:
		if category, ok := categoryKinds[p.kind]; ok {
			return deviceDocs(r.cache.List(structure.Filter{Category: category})), nil
		}
	}
	return nil, errs.New(errs.AmbiguousOrNotFound, "unrecognized resource kind: "+p.kind)
}

type roomDoc struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

func (r *Router) allRooms() []roomDoc {
	s := r.cache.Structure()
	out := make([]roomDoc, 0, len(s.Rooms))
	for _, room := range s.Rooms {
		out = append(out, roomDoc{UUID: room.UUID, Name: room.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Router) devicesInRoom(roomName string) []deviceDoc {
	s := r.cache.Structure()
	var roomUUID string
	lower := strings.ToLower(roomName)
	for id, room := range s.Rooms {
		if strings.ToLower(room.Name) == lower {
			roomUUID = id
			break
		}
	}
	if roomUUID == "" {
		roomUUID = roomName
	}
	return deviceDocs(r.cache.List(structure.Filter{RoomUUID: roomUUID}))
}

type deviceDoc struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	RoomUUID string `json:"room_uuid,omitempty"`
	Category string `json:"category,omitempty"`
}

func deviceDocs(devices []codec.Device) []deviceDoc {
	out := make([]deviceDoc, len(devices))
	for i, d := range devices {
		out[i] = deviceDoc{UUID: d.UUID, Name: d.Name, Type: d.Type, RoomUUID: d.RoomUUID, Category: d.Category}
	}
	return out
}

type deviceDetailDoc struct {
	deviceDoc
	States map[string]json.RawMessage `json:"states,omitempty"`
}

// deviceDetail resolves device (uuid or name) and fetches its current
// state values in one batch, per spec §3's device-state snapshot.
func (r *Router) deviceDetail(ctx context.Context, device string) (any, error) {
	d, err := r.cache.Resolve(device, "")
	if err != nil {
		return nil, err
	}

	stateUUIDs := make([]string, 0, len(d.States))
	for _, uuid := range d.States {
		stateUUIDs = append(stateUUIDs, uuid)
	}
	values, _ := r.client.BatchStates(ctx, stateUUIDs)

	states := make(map[string]json.RawMessage, len(d.States))
	for name, uuid := range d.States {
		if v, ok := values[uuid]; ok {
			states[name] = v
		}
	}

	return deviceDetailDoc{
		deviceDoc: deviceDoc{UUID: d.UUID, Name: d.Name, Type: d.Type, RoomUUID: d.RoomUUID, Category: d.Category},
		States:    states,
	}, nil
}

func (r *Router) systemInfo(ctx context.Context) (any, error) {
	info, err := r.client.GetSystemInfo(ctx)
	if err != nil {
		return nil, err
	}
	return info, nil
}
