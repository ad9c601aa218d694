// Package protocol defines the voice signaling wire format and validates
// inbound frames before any lobby logic runs.
//
// Every frame is a JSON text message of the form
//
//	{"event": "<name>", "args": [ ...positional arguments... ]}
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"unicode/utf8"
)

type Event string

const (
	// Inbound.
	EventJoin   Event = "join"
	EventID     Event = "id"
	EventLeave  Event = "leave"
	EventSignal Event = "signal"

	// Outbound. EventJoin and EventSignal are reused in this direction.
	EventSetClients Event = "setClients"
	EventSetClient  Event = "setClient"
	EventError      Event = "error"
)

const (
	// NoClientID is the reserved clientId value (2^32-1) clients send to
	// mean "no client id". It is normalized to a null ClientID.
	NoClientID int64 = 1<<32 - 1

	LobbyCodeLength = 6
)

// ErrMalformed is wrapped by every Decode error.
var ErrMalformed = errors.New("malformed message")

// Identity is what a connection claims to be inside a lobby.
type Identity struct {
	PlayerID int64  `json:"playerId"`
	ClientID *int64 `json:"clientId"`
}

// NewIdentity builds an Identity, mapping NoClientID to a null ClientID.
func NewIdentity(playerID, clientID int64) Identity {
	id := Identity{PlayerID: playerID}
	if clientID != NoClientID {
		id.ClientID = &clientID
	}
	return id
}

func (i Identity) HasClientID() bool { return i.ClientID != nil }

// SameClient reports whether both identities carry the same non-null client id.
func (i Identity) SameClient(other Identity) bool {
	return i.ClientID != nil && other.ClientID != nil && *i.ClientID == *other.ClientID
}

func (i Identity) Equal(other Identity) bool {
	if i.PlayerID != other.PlayerID || i.HasClientID() != other.HasClientID() {
		return false
	}
	return i.ClientID == nil || *i.ClientID == *other.ClientID
}

func (i Identity) String() string {
	if i.ClientID == nil {
		return fmt.Sprintf("player=%d client=null", i.PlayerID)
	}
	return fmt.Sprintf("player=%d client=%d", i.PlayerID, *i.ClientID)
}

func (i Identity) LogValue() slog.Value {
	if i.ClientID == nil {
		return slog.GroupValue(slog.Int64("player_id", i.PlayerID), slog.Any("client_id", nil))
	}
	return slog.GroupValue(slog.Int64("player_id", i.PlayerID), slog.Int64("client_id", *i.ClientID))
}

// Message is a validated inbound frame. Only the fields relevant to Event are
// populated.
type Message struct {
	Event     Event
	LobbyCode string
	Identity  Identity

	// Signal fields. Data is forwarded verbatim.
	To   string
	Data json.RawMessage
}

// Envelope is the raw frame shape. Tests and clients use it to read outbound
// messages.
type Envelope struct {
	Event Event             `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

// Decode parses and validates one inbound frame. Errors wrap ErrMalformed.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Message{}, malformed("invalid envelope: %v", err)
	}

	switch env.Event {
	case EventJoin:
		return decodeJoin(env.Args)
	case EventID:
		return decodeID(env.Args)
	case EventLeave:
		return Message{Event: EventLeave}, nil
	case EventSignal:
		return decodeSignal(env.Args)
	case "":
		return Message{}, malformed("missing event")
	default:
		return Message{}, malformed("unsupported event %q", env.Event)
	}
}

func decodeJoin(args []json.RawMessage) (Message, error) {
	if len(args) < 3 {
		return Message{}, malformed("join expects (lobbyCode, playerId, clientId)")
	}
	var code string
	if err := json.Unmarshal(args[0], &code); err != nil {
		return Message{}, malformed("join lobbyCode must be a string")
	}
	if n := utf8.RuneCountInString(code); n != LobbyCodeLength {
		return Message{}, malformed("join lobbyCode must be %d characters, got %d", LobbyCodeLength, n)
	}
	playerID, err := parseInt(args[1])
	if err != nil {
		return Message{}, malformed("join playerId: %v", err)
	}
	clientID, err := parseInt(args[2])
	if err != nil {
		return Message{}, malformed("join clientId: %v", err)
	}
	return Message{
		Event:     EventJoin,
		LobbyCode: code,
		Identity:  NewIdentity(playerID, clientID),
	}, nil
}

func decodeID(args []json.RawMessage) (Message, error) {
	if len(args) < 2 {
		return Message{}, malformed("id expects (playerId, clientId)")
	}
	playerID, err := parseInt(args[0])
	if err != nil {
		return Message{}, malformed("id playerId: %v", err)
	}
	clientID, err := parseInt(args[1])
	if err != nil {
		return Message{}, malformed("id clientId: %v", err)
	}
	return Message{Event: EventID, Identity: NewIdentity(playerID, clientID)}, nil
}

type signalArg struct {
	Data json.RawMessage `json:"data"`
	To   json.RawMessage `json:"to"`
}

func decodeSignal(args []json.RawMessage) (Message, error) {
	if len(args) < 1 {
		return Message{}, malformed("signal expects ({data, to})")
	}
	raw := bytes.TrimSpace(args[0])
	if len(raw) == 0 || raw[0] != '{' {
		return Message{}, malformed("signal payload must be an object")
	}
	var arg signalArg
	if err := json.Unmarshal(raw, &arg); err != nil {
		return Message{}, malformed("signal payload: %v", err)
	}
	if isFalsy(arg.Data) {
		return Message{}, malformed("signal data must be present")
	}
	var to string
	if len(arg.To) == 0 || json.Unmarshal(arg.To, &to) != nil {
		return Message{}, malformed("signal to must be a string")
	}
	if to == "" {
		return Message{}, malformed("signal to must not be empty")
	}
	return Message{Event: EventSignal, To: to, Data: arg.Data}, nil
}

// parseInt accepts JSON integer literals in int64 range.
func parseInt(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || (raw[0] != '-' && (raw[0] < '0' || raw[0] > '9')) {
		return 0, fmt.Errorf("expected integer, got %s", truncate(raw))
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %s", truncate(raw))
	}
	return n, nil
}

// isFalsy mirrors JavaScript truthiness for JSON values: absent, null, false,
// zero and the empty string are falsy.
func isFalsy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return true
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case float64:
		return v == 0
	case string:
		return v == ""
	default:
		return false
	}
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

func truncate(raw []byte) string {
	const max = 32
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
