package clover

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	SourceSDK   = "CloverBridge-1.0.0"
	PackageName = "com.clover.remote_protocol_broadcast.app"

	pairingVersion     = 1
	transactionVersion = 2
)

// Envelope is the outer remote-pay message.
type Envelope struct {
	ID                  string  `json:"id,omitempty"`
	Method              string  `json:"method"`
	Payload             Payload `json:"payload"`
	RemoteApplicationID string  `json:"remoteApplicationID,omitempty"`
	RemoteSourceSDK     string  `json:"remoteSourceSDK,omitempty"`
	Version             int     `json:"version,omitempty"`
	Directed            bool    `json:"directed,omitempty"`
	PackageName         string  `json:"packageName,omitempty"`
}

// DecodeEnvelope parses one inbound frame. The payload is kept raw.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env struct {
		ID                  json.RawMessage `json:"id"`
		Method              string          `json:"method"`
		Payload             Payload         `json:"payload"`
		RemoteApplicationID string          `json:"remoteApplicationID"`
		RemoteSourceSDK     string          `json:"remoteSourceSDK"`
		Version             int             `json:"version"`
		Directed            bool            `json:"directed"`
		PackageName         string          `json:"packageName"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Method == "" {
		return nil, fmt.Errorf("malformed envelope: missing method")
	}
	return &Envelope{
		ID:                  scalarString(env.ID),
		Method:              env.Method,
		Payload:             env.Payload,
		RemoteApplicationID: env.RemoteApplicationID,
		RemoteSourceSDK:     env.RemoteSourceSDK,
		Version:             env.Version,
		Directed:            env.Directed,
		PackageName:         env.PackageName,
	}, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type PayloadKind int

const (
	PayloadNone PayloadKind = iota
	PayloadObject
	PayloadString
	PayloadOther
)

// Payload is the envelope's payload kept as received. Terminals send it
// either as an object or as a JSON document encoded into a string, sometimes
// twice; decoders unwrap lazily.
type Payload struct {
	raw json.RawMessage
}

// RawPayload wraps an already encoded payload value.
func RawPayload(raw []byte) Payload {
	return Payload{raw: append(json.RawMessage(nil), raw...)}
}

// StringPayload encodes v and then stores the document as a JSON string,
// which is how outbound messages carry their inner payload.
func StringPayload(v interface{}) (Payload, error) {
	inner, err := json.Marshal(v)
	if err != nil {
		return Payload{}, err
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		return Payload{}, err
	}
	return Payload{raw: outer}, nil
}

// ObjectPayload stores v as a plain JSON object.
func ObjectPayload(v interface{}) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, err
	}
	return Payload{raw: data}, nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.raw) == 0 {
		return []byte("null"), nil
	}
	return p.raw, nil
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	p.raw = append(p.raw[:0], data...)
	return nil
}

func (p Payload) Raw() json.RawMessage {
	return p.raw
}

func (p Payload) Kind() PayloadKind {
	trimmed := bytes.TrimSpace(p.raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return PayloadNone
	}
	switch trimmed[0] {
	case '{':
		return PayloadObject
	case '"':
		return PayloadString
	default:
		return PayloadOther
	}
}

// Document unwraps string encodings until it reaches a JSON object and
// returns that object's bytes, or nil when there is none.
func (p Payload) Document() []byte {
	current := bytes.TrimSpace(p.raw)
	for depth := 0; depth < 3; depth++ {
		if len(current) == 0 {
			return nil
		}
		switch current[0] {
		case '{':
			return current
		case '"':
			var s string
			if err := json.Unmarshal(current, &s); err != nil {
				return nil
			}
			current = bytes.TrimSpace([]byte(s))
		default:
			return nil
		}
	}
	return nil
}

// Decode unmarshals the unwrapped document into v.
func (p Payload) Decode(v interface{}) error {
	doc := p.Document()
	if doc == nil {
		return fmt.Errorf("payload is not a JSON object")
	}
	return json.Unmarshal(doc, v)
}

// Object returns the unwrapped document as a generic map.
func (p Payload) Object() (map[string]interface{}, error) {
	var m map[string]interface{}
	doc := p.Document()
	if doc == nil {
		return nil, fmt.Errorf("payload is not a JSON object")
	}
	decoder := json.NewDecoder(bytes.NewReader(doc))
	decoder.UseNumber()
	if err := decoder.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// ID reads the "id" field of the unwrapped document, accepting numbers and
// strings.
func (p Payload) ID() string {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := p.Decode(&probe); err != nil {
		return ""
	}
	return scalarString(probe.ID)
}

func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}
