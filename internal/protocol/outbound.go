package protocol

import "encoding/json"

// Outbound is a frame the relay sends to a client.
type Outbound struct {
	Event Event `json:"event"`
	Args  []any `json:"args"`
}

func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// ErrorPayload is the single argument of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SignalDelivery is the single argument of an outbound signal event.
type SignalDelivery struct {
	Data json.RawMessage `json:"data"`
	From string          `json:"from"`
}

// JoinNotice tells existing lobby members that connID joined.
func JoinNotice(connID string, id Identity) Outbound {
	return Outbound{Event: EventJoin, Args: []any{connID, id}}
}

// SetClients is the snapshot of the lobby sent to a joiner. A nil map encodes
// as an empty object.
func SetClients(clients map[string]Identity) Outbound {
	if clients == nil {
		clients = map[string]Identity{}
	}
	return Outbound{Event: EventSetClients, Args: []any{clients}}
}

// SetClient tells lobby members that connID changed identity.
func SetClient(connID string, id Identity) Outbound {
	return Outbound{Event: EventSetClient, Args: []any{connID, id}}
}

func Signal(from string, data json.RawMessage) Outbound {
	return Outbound{Event: EventSignal, Args: []any{SignalDelivery{Data: data, From: from}}}
}

func Error(code, message string) Outbound {
	return Outbound{Event: EventError, Args: []any{ErrorPayload{Code: code, Message: message}}}
}
