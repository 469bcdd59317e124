package protocol

import "encoding/json"

const Version = "1.0"

// Message types, Client -> Framework.
const (
	TypeRegister      = "register"
	TypeLocationCheck = "location_check"
	TypeLocationScout = "location_scout"
	TypeActionResult  = "action_result"
	TypeLog           = "log"
	TypeCallbackError = "callback_error"
	TypeCmdRestart    = "cmd_restart"
	TypeCmdResync     = "cmd_resync"
	TypeCmdReconnect  = "cmd_reconnect"
	TypeGetMods       = "get_mods"
)

// Message types, Framework -> Client.
const (
	TypeRegistrationResponse = "registration_response"
	TypeExecuteAction        = "execute_action"
	TypeScoutResults         = "scout_results"
	TypeLifecycle            = "lifecycle"
	TypeError                = "error"
	TypeAPMessage            = "ap_message"
	TypeGetModsResponse      = "get_mods_response"
)

// Targets.
const (
	TargetFramework = "framework"
	TargetBroadcast = "broadcast"
)

// Message is the IPC envelope: every frame on the wire carries exactly one.
type Message struct {
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage marshals payload into the envelope. A nil payload becomes {}.
func NewMessage(msgType, source, target string, payload any) (Message, error) {
	m := Message{Type: msgType, Source: source, Target: target}
	if payload == nil {
		m.Payload = json.RawMessage("{}")
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return m, err
	}
	m.Payload = b
	return m, nil
}

// DecodePayload unmarshals the envelope payload into T. Absent payloads
// decode to the zero value.
func DecodePayload[T any](m Message) (T, error) {
	var v T
	if len(m.Payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(m.Payload, &v)
	return v, err
}
