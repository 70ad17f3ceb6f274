package codec

import (
	"encoding/json"

	"github.com/loxone-mcp/gateway/pkg/errs"
)

// Room is a Loxone room, unique by UUID (spec §3).
type Room struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// Device is a single addressable control in the structure document.
// States hold *reference* UUIDs into the Miniserver's state space, not
// the values themselves.
type Device struct {
	UUID        string             `json:"uuid"`
	Name        string             `json:"name"`
	Type        string             `json:"type"`
	RoomUUID    string             `json:"room,omitempty"`
	Category    string             `json:"cat,omitempty"`
	States      map[string]string  `json:"states,omitempty"`
	SubControls map[string]*Device `json:"subControls,omitempty"`
}

// Category groups devices, e.g. for the Miniserver's own UI.
type Category struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Structure is the parsed LoxAPP3.json document.
type Structure struct {
	Rooms      map[string]Room     `json:"rooms"`
	Devices    map[string]Device   `json:"controls"`
	Categories map[string]Category `json:"cats"`
}

type wireStructure struct {
	Rooms      map[string]wireRoom     `json:"rooms"`
	Controls   map[string]wireControl  `json:"controls"`
	Categories map[string]wireCategory `json:"cats"`
}

type wireRoom struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type wireCategory struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type wireControl struct {
	UUID        string                    `json:"uuidAction"`
	Name        string                    `json:"name"`
	Type        string                    `json:"type"`
	Room        string                    `json:"room,omitempty"`
	Cat         string                    `json:"cat,omitempty"`
	States      map[string]string         `json:"states,omitempty"`
	SubControls map[string]wireControl    `json:"subControls,omitempty"`
}

// ParseStructure decodes a LoxAPP3.json document into a Structure.
// Devices whose room reference points at an unknown room are kept but
// flagged by the caller (the resolver enforces the "discard with a
// warning" invariant from spec §3, since that requires access to the
// Rooms map as a whole).
func ParseStructure(raw []byte) (Structure, error) {
	var wire wireStructure
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Structure{}, errs.Wrap(errs.MalformedResponse, "invalid structure document", err)
	}

	out := Structure{
		Rooms:      make(map[string]Room, len(wire.Rooms)),
		Devices:    make(map[string]Device, len(wire.Controls)),
		Categories: make(map[string]Category, len(wire.Categories)),
	}

	for uuid, r := range wire.Rooms {
		if r.UUID == "" {
			r.UUID = uuid
		}
		out.Rooms[r.UUID] = Room{UUID: r.UUID, Name: r.Name}
	}
	for uuid, c := range wire.Categories {
		if c.UUID == "" {
			c.UUID = uuid
		}
		out.Categories[c.UUID] = Category{UUID: c.UUID, Name: c.Name, Type: c.Type}
	}
	for uuid, ctl := range wire.Controls {
		dev := convertControl(uuid, ctl)
		out.Devices[dev.UUID] = dev
	}

	return out, nil
}

func convertControl(uuid string, ctl wireControl) Device {
	id := ctl.UUID
	if id == "" {
		id = uuid
	}
	dev := Device{
		UUID:     id,
		Name:     ctl.Name,
		Type:     ctl.Type,
		RoomUUID: ctl.Room,
		Category: ctl.Cat,
		States:   ctl.States,
	}
	if len(ctl.SubControls) > 0 {
		dev.SubControls = make(map[string]*Device, len(ctl.SubControls))
		for name, sub := range ctl.SubControls {
			converted := convertControl(name, sub)
			dev.SubControls[name] = &converted
		}
	}
	return dev
}
