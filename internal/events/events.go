package events

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type names a message on the broker-to-tab channel. The values match the
// upstream SSE event names.
type Type string

const (
	TypeReload      Type = "reload"
	TypeBuildFailed Type = "build-failed"
)

// DefaultBuildError is used when a build-failed payload carries no error text.
const DefaultBuildError = "Build failed"

// Event is the wire message pushed to attached tabs. For build-failed, Data
// is the raw upstream payload; parsing happens in the client adapter.
type Event struct {
	Type Type   `json:"type"`
	Data string `json:"data,omitempty"`
}

// FromUpstream maps an upstream SSE event to a wire event. Unknown event
// names are reported with ok == false.
func FromUpstream(name, data string) (Event, bool) {
	switch Type(name) {
	case TypeReload:
		return Event{Type: TypeReload}, true
	case TypeBuildFailed:
		return Event{Type: TypeBuildFailed, Data: data}, true
	}
	return Event{}, false
}

// Message is a decoded broadcast: either Reload or BuildFailed.
type Message interface {
	MessageType() Type
}

type Reload struct{}

func (Reload) MessageType() Type { return TypeReload }

// BuildFailed describes a failed build as reported by the build server.
type BuildFailed struct {
	Error   string `json:"error"`
	Command string `json:"command"`
	Output  string `json:"output"`
}

func (BuildFailed) MessageType() Type { return TypeBuildFailed }

// Decode turns a wire event into a Message.
func Decode(e Event) (Message, error) {
	switch e.Type {
	case TypeReload:
		return Reload{}, nil
	case TypeBuildFailed:
		return ParseBuildFailed(e.Data), nil
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

// ParseBuildFailed never fails. A payload that is not a JSON object of
// strings becomes a BuildFailed whose Error is the raw text. Absent fields
// default to "" except Error, which defaults to DefaultBuildError.
func ParseBuildFailed(raw string) BuildFailed {
	var payload *struct {
		Error   *string `json:"error"`
		Command *string `json:"command"`
		Output  *string `json:"output"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return malformed(raw)
	}
	if payload == nil {
		return BuildFailed{Error: DefaultBuildError}
	}

	bf := BuildFailed{Error: DefaultBuildError}
	if payload.Error != nil && *payload.Error != "" {
		bf.Error = *payload.Error
	}
	if payload.Command != nil {
		bf.Command = *payload.Command
	}
	if payload.Output != nil {
		bf.Output = *payload.Output
	}
	return bf
}

func malformed(raw string) BuildFailed {
	if strings.TrimSpace(raw) == "" {
		return BuildFailed{Error: DefaultBuildError}
	}
	return BuildFailed{Error: raw}
}
