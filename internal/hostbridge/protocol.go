// Package hostbridge exposes the editing-state engine to an out-of-process
// host over a websocket. The host streams document lifecycle events in; the
// engine drives the host's cursor, scroll, and view state back out through
// request/response round trips on the same connection.
package hostbridge

import "encoding/json"

// Envelope is the single frame shape on the wire. Kind selects the role:
// events flow host-to-engine and carry no reply, requests expect a response
// with the same ID from the other side, and status frames are engine-to-host
// pushes for the lock indicator.
type Envelope struct {
	Kind    string          `json:"kind"`
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

const (
	kindEvent    = "event"
	kindRequest  = "request"
	kindResponse = "response"
	kindStatus   = "status"
)

// Host-to-engine event types.
const (
	eventActivate      = "activate"
	eventLayoutSettled = "layoutSettled"
	eventChange        = "change"
	eventRename        = "rename"
	eventDelete        = "delete"
	eventExternalWrite = "externalModification"
	eventStartup       = "startupRestore"
)

// Host-to-engine request types.
const (
	requestToggle   = "toggle"
	requestIsLocked = "isLocked"
)

// Engine-to-host request types, one per Host method.
const (
	hostActiveDocument = "activeDocument"
	hostGetCursor      = "cursor"
	hostSetCursor      = "setCursor"
	hostGetScroll      = "scroll"
	hostSetScroll      = "setScroll"
	hostGetViewState   = "viewState"
	hostSetViewState   = "setViewState"
	hostGetReadOnly    = "readOnly"
	hostSetReadOnly    = "setReadOnly"
	hostEffectActive   = "effectActive"
	hostNotify         = "notify"
)

type pathPayload struct {
	Path string `json:"path"`
}

type renamePayload struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

type lockedPayload struct {
	Locked bool `json:"locked"`
}

type statusPayload struct {
	Path  string `json:"path"`
	State string `json:"state"`
}

type noticePayload struct {
	Message string `json:"message"`
}

func mustMarshal(value any) json.RawMessage {
	data, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
