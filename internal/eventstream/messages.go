package eventstream

import "encoding/json"

// Message types exchanged on the websocket. The three-message handshake
// (auth_required -> auth -> auth_ok/auth_invalid) precedes all other traffic;
// afterwards every outbound message carries a fresh correlation id and
// responses are matched back by that id.
const (
	typeAuthRequired = "auth_required"
	typeAuth         = "auth"
	typeAuthOK       = "auth_ok"
	typeAuthInvalid  = "auth_invalid"

	typeSubscribeEvents   = "subscribe_events"
	typeUnsubscribeEvents = "unsubscribe_events"
	typeGetStates         = "get_states"
	typeCallService       = "call_service"

	typeEvent  = "event"
	typeResult = "result"
	typePong   = "pong"
)

// Event types the client subscribes to on every successful authentication.
const (
	EventStateChanged      = "state_changed"
	EventServiceRegistered = "service_registered"
	EventServiceRemoved    = "service_removed"
)

// message is the wire envelope for both directions.
type message struct {
	ID           int             `json:"id,omitempty"`
	Type         string          `json:"type"`
	AccessToken  string          `json:"access_token,omitempty"`
	EventType    string          `json:"event_type,omitempty"`
	Subscription int             `json:"subscription,omitempty"`
	Domain       string          `json:"domain,omitempty"`
	Service      string          `json:"service,omitempty"`
	ServiceData  json.RawMessage `json:"service_data,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Event        *Event          `json:"event,omitempty"`
	Message      string          `json:"message,omitempty"`
}

// Event is one upstream push notification.
type Event struct {
	EventType string    `json:"event_type"`
	Data      EventData `json:"data"`
}

// EventData carries the event payload fields the bridge acts on. NewState and
// OldState stay raw; the cache stores them verbatim as the REST API would
// return them.
type EventData struct {
	EntityID string          `json:"entity_id,omitempty"`
	NewState json.RawMessage `json:"new_state,omitempty"`
	OldState json.RawMessage `json:"old_state,omitempty"`
	Domain   string          `json:"domain,omitempty"`
	Service  string          `json:"service,omitempty"`
}

// rawNull reports whether a raw JSON value is absent or an explicit null.
func rawNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
