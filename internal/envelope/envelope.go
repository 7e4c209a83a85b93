// Package envelope defines the wire messages exchanged with a worker isolate.
// The coordinator serializes a Request before handing it to a transport and
// never inspects the worker's reply beyond forwarding it; the worker agent is
// the only consumer of Reply.
package envelope

import "encoding/json"

const (
	TypeInference = "inference"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Request is the envelope sent to a worker isolate.
type Request struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Reply is the envelope a worker isolate answers with.
type Reply struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Encode serializes r to the payload string handed to a transport.
func (r Request) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Ping returns the serialized liveness probe envelope.
func Ping() string {
	s, _ := Request{Type: TypePing}.Encode()
	return s
}
