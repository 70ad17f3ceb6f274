// Package structure implements the Structure Cache & Resolver (spec
// §4.F): a reader-preferring cache over the last successfully parsed
// Structure, atomic swap-on-refresh, and the resolver's deterministic
// name/UUID lookup rules.
package structure

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/loxone-mcp/gateway/pkg/errs"
	"github.com/loxone-mcp/gateway/pkg/log"
	"github.com/loxone-mcp/gateway/pkg/loxone/codec"
)

// CapabilityProfile holds per-category device counts and presence
// flags, recomputed once per structure swap (spec §3 "Derived
// capability profile").
type CapabilityProfile struct {
	LightingCount int
	BlindsCount   int
	ClimateCount  int
	SensorsCount  int
	AudioCount    int
	SecurityCount int
	EnergyCount   int
	WeatherCount  int

	HasLighting bool
	HasBlinds   bool
	HasClimate  bool
	HasSensors  bool
	HasAudio    bool
	HasSecurity bool
	HasEnergy   bool
	HasWeather  bool
}

// categoryForType is the closed device-type-to-category table spec
// §4.F refers to. Unknown device types contribute to no category.
var categoryForType = map[string]string{
	"LightController":   "lighting",
	"Dimmer":            "lighting",
	"LightControllerV2": "lighting",
	"Switch":            "lighting",
	"Jalousie":          "blinds",
	"Gate":              "blinds",
	"Window":            "blinds",
	"IRoomControllerV2":  "climate",
	"Thermostat":        "climate",
	"ClimateController": "climate",
	"InfoOnlyAnalog":    "sensors",
	"InfoOnlyDigital":   "sensors",
	"PresenceDetector":  "sensors",
	"AudioZone":         "audio",
	"MediaClient":       "audio",
	"Alarm":             "security",
	"SmokeAlarm":        "security",
	"AccessController":  "security",
	"EnergyManager":     "energy",
	"PowerMeter":        "energy",
	"WeatherServer":     "weather",
}

func deriveCapabilities(devices map[string]codec.Device) CapabilityProfile {
	var profile CapabilityProfile
	for _, d := range devices {
		switch categoryForType[d.Type] {
		case "lighting":
			profile.LightingCount++
		case "blinds":
			profile.BlindsCount++
		case "climate":
			profile.ClimateCount++
		case "sensors":
			profile.SensorsCount++
		case "audio":
			profile.AudioCount++
		case "security":
			profile.SecurityCount++
		case "energy":
			profile.EnergyCount++
		case "weather":
			profile.WeatherCount++
		}
	}
	profile.HasLighting = profile.LightingCount > 0
	profile.HasBlinds = profile.BlindsCount > 0
	profile.HasClimate = profile.ClimateCount > 0
	profile.HasSensors = profile.SensorsCount > 0
	profile.HasAudio = profile.AudioCount > 0
	profile.HasSecurity = profile.SecurityCount > 0
	profile.HasEnergy = profile.EnergyCount > 0
	profile.HasWeather = profile.WeatherCount > 0
	return profile
}

// snapshot is the atomically-swapped unit: structure plus its derived
// capability profile and a uuid-sorted device index for reproducible
// filtering.
type snapshot struct {
	structure    codec.Structure
	capabilities CapabilityProfile
	deviceOrder  []string // uuid, sorted lexicographically
}

// Refresher fetches a fresh Structure off-band, for Cache.Refresh to
// swap in atomically.
type Refresher interface {
	GetStructure(ctx context.Context) (codec.Structure, error)
}

// Cache holds the last successfully parsed Structure under a
// reader-writer discipline: many concurrent readers, rare writers, and
// an atomic pointer swap so no reader ever observes a partially
// rebuilt structure.
type Cache struct {
	refresher Refresher

	mu   sync.RWMutex
	snap *snapshot
}

func New(refresher Refresher) *Cache {
	return &Cache{refresher: refresher}
}

// Refresh builds the new structure entirely off-band (outside any
// lock) before swapping it in, per spec §4.F.
func (c *Cache) Refresh(ctx context.Context) error {
	s, err := c.refresher.GetStructure(ctx)
	if err != nil {
		return err
	}
	c.Set(s)
	return nil
}

// Set installs a Structure directly — used by Refresh and by tests
// that don't want to exercise a live Refresher. Devices whose room_uuid
// references a room absent from s.Rooms are discarded with a warning,
// per spec §3.
func (c *Cache) Set(s codec.Structure) {
	for id, d := range s.Devices {
		if d.RoomUUID == "" {
			continue
		}
		if _, ok := s.Rooms[d.RoomUUID]; !ok {
			log.Warnf("structure: discarding device %s (%s): unknown room_uuid %s", id, d.Name, d.RoomUUID)
			delete(s.Devices, id)
		}
	}

	order := make([]string, 0, len(s.Devices))
	for id := range s.Devices {
		order = append(order, id)
	}
	sort.Strings(order) // deterministic in absence of source ordering info

	next := &snapshot{
		structure:    s,
		capabilities: deriveCapabilities(s.Devices),
		deviceOrder:  order,
	}

	c.mu.Lock()
	c.snap = next
	c.mu.Unlock()
}

// Structure returns the currently cached structure. The zero value is
// returned if no structure has been loaded yet.
func (c *Cache) Structure() codec.Structure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return codec.Structure{}
	}
	return c.snap.structure
}

// Capabilities returns the capability profile derived on the last swap.
func (c *Cache) Capabilities() CapabilityProfile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return CapabilityProfile{}
	}
	return c.snap.capabilities
}

// Filter holds the filters accepted by List, per spec
// §4.F "Filters: category, device_type, room".
type Filter struct {
	Category   string
	DeviceType string
	RoomUUID   string
	Limit      int
}

// List returns devices matching Filter, sorted by uuid, with Limit
// applied after filtering (spec §4.F). The order in which devices
// appear in the source structure document is not kept.
func (c *Cache) List(f Filter) []codec.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return nil
	}

	var result []codec.Device
	for _, id := range c.snap.deviceOrder {
		d := c.snap.structure.Devices[id]
		if f.Category != "" && categoryForType[d.Type] != f.Category {
			continue
		}
		if f.DeviceType != "" && d.Type != f.DeviceType {
			continue
		}
		if f.RoomUUID != "" && d.RoomUUID != f.RoomUUID {
			continue
		}
		result = append(result, d)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Resolve implements the deterministic resolution rules from spec
// §4.F: exact UUID, exact case-insensitive name, then substring; when
// a room hint is given and the global pass is ambiguous or empty,
// steps 2-3 are retried scoped to that room.
func (c *Cache) Resolve(query, roomHint string) (codec.Device, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return codec.Device{}, errs.New(errs.AmbiguousOrNotFound, "structure not loaded")
	}

	if uuid.Validate(query) == nil {
		if d, ok := c.snap.structure.Devices[query]; ok {
			return d, nil
		}
	}

	if d, err := resolveByName(c.snap, query, ""); err == nil {
		return d, nil
	} else if roomHint == "" {
		return codec.Device{}, err
	}

	roomUUID := c.roomUUIDByName(roomHint)
	return resolveByName(c.snap, query, roomUUID)
}

// RoomUUIDByName resolves a room name to its uuid, falling back to
// treating name itself as a uuid when no room matches — useful for
// callers (e.g. the tool dispatcher's group expansion) scoping a
// query by room without going through device resolution.
func (c *Cache) RoomUUIDByName(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.snap == nil {
		return name
	}
	return c.roomUUIDByName(name)
}

func (c *Cache) roomUUIDByName(name string) string {
	lower := strings.ToLower(name)
	for id, r := range c.snap.structure.Rooms {
		if strings.ToLower(r.Name) == lower {
			return id
		}
	}
	return name // fall back to treating the hint itself as a room uuid
}

// resolveByName runs steps 2-3 of the resolution rules, optionally
// scoped to roomUUID.
func resolveByName(snap *snapshot, query, roomUUID string) (codec.Device, error) {
	lowerQuery := strings.ToLower(query)

	var exact []codec.Device
	var substr []codec.Device
	for _, id := range snap.deviceOrder {
		d := snap.structure.Devices[id]
		if roomUUID != "" && d.RoomUUID != roomUUID {
			continue
		}
		lowerName := strings.ToLower(d.Name)
		if lowerName == lowerQuery {
			exact = append(exact, d)
		} else if strings.Contains(lowerName, lowerQuery) {
			substr = append(substr, d)
		}
	}

	if len(exact) == 1 {
		return exact[0], nil
	}
	if len(exact) == 0 && len(substr) == 1 {
		return substr[0], nil
	}

	candidates := exact
	if len(candidates) == 0 {
		candidates = substr
	}
	names := make([]string, 0, len(candidates))
	for i, d := range candidates {
		if i >= 5 {
			break
		}
		names = append(names, d.Name)
	}
	return codec.Device{}, &errs.Error{
		Kind: errs.AmbiguousOrNotFound,
		Msg:  "could not uniquely resolve device",
		Code: len(candidates),
		Data: map[string][]string{"candidates": names},
	}
}
