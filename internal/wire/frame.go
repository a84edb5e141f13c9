// Package wire implements the peer-transport frame envelope and the typed
// payloads carried by each message key, decoupling the dispatcher's state
// machine from the raw JSON on the stream.
package wire

import (
	"encoding/json"
	"fmt"
)

// Frame keys understood on the peer wire. Unknown keys are ignored by the
// dispatcher rather than treated as an error.
const (
	KeyJoin              = "join"
	KeyJoinAck           = "joinAck"
	KeyChallenge         = "challenge"
	KeyConnectionSize    = "conectionSize" // preserved: the wire protocol's own spelling
	KeyRequestProvider   = "requestProvider"
	KeyProviderDetails   = "providerDetails"
	KeyVerifySession     = "verifySession"
	KeySessionValid      = "sessionValid"
	KeyInference         = "inference"
	KeySendMetrics       = "sendMetrics"
	KeyHealthCheck       = "healthCheck"
	KeyHealthCheckFailed = "healthCheckFailed"
	KeyInferenceEnded    = "inferenceEnded"
	KeyVersionMismatch   = "versionMismatch"
)

// ProtocolError represents a malformed-frame condition (not a JSON object,
// no "key", missing or malformed data) that should be logged and absorbed
// rather than propagated as a connection failure. Unknown keys decode
// without error.
type ProtocolError string

// Error implements the error interface for ProtocolError.
func (e ProtocolError) Error() string { return string(e) }

// Frame is the envelope every peer-wire message is wrapped in.
type Frame struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a key and payload into a Frame's wire bytes.
func Encode(key string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s payload: %w", key, err)
	}
	return json.Marshal(Frame{Key: key, Data: data})
}

// Decode parses raw bytes into a Frame.
//
// It returns ProtocolError if b is not a JSON object with a "key" field;
// the dispatcher treats any such error as raw bytes to be relayed verbatim
// to a pending HTTP responder (§4.5, "raw bytes").
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, ProtocolError(fmt.Sprintf("not a frame: %v", err))
	}
	if f.Key == "" {
		return Frame{}, ProtocolError("frame missing \"key\"")
	}
	return f, nil
}

// Unmarshal decodes a Frame's Data into v.
func (f Frame) Unmarshal(v interface{}) error {
	if len(f.Data) == 0 {
		return ProtocolError(fmt.Sprintf("frame %q has no data", f.Key))
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return ProtocolError(fmt.Sprintf("frame %q has malformed data: %v", f.Key, err))
	}
	return nil
}
