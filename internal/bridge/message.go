// Package bridge carries messages from the interceptor to live pages.
//
// Only two message kinds exist and both travel worker to page. Pages talk
// back solely to acknowledge persist messages when ack mode is enabled.
package bridge

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"medsync/internal/models"
)

// Wire type tags.
const (
	TypeSavePendingChange  = "SAVE_PENDING_CHANGE"
	TypeSyncPendingChanges = "SYNC_PENDING_CHANGES"
	TypeAck                = "ACK"
)

// EncodingBase64 marks a SavePendingChange body carrying non-JSON bytes.
const EncodingBase64 = "base64"

var (
	ErrUnknownMessage = errors.New("unknown bridge message")
	ErrMalformed      = errors.New("malformed bridge frame")
	ErrNoPeers        = errors.New("no live page to receive bridge message")
)

// Message is implemented by SavePendingChange and SyncPendingChanges only.
type Message interface {
	Type() string
	sealed()
}

// SavePendingChange asks a page to enqueue a mutation the interceptor could not deliver.
type SavePendingChange struct {
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body,omitempty"`

	// Encoding is empty for JSON bodies and EncodingBase64 otherwise.
	Encoding string `json:"encoding,omitempty"`
}

// SyncPendingChanges asks a page to drain its queue.
type SyncPendingChanges struct{}

func (SavePendingChange) Type() string  { return TypeSavePendingChange }
func (SyncPendingChanges) Type() string { return TypeSyncPendingChanges }

func (SavePendingChange) sealed()  {}
func (SyncPendingChanges) sealed() {}

// NewSavePendingChange builds a persist message. Bodies that are not JSON
// travel as a base64 string tagged with EncodingBase64.
func NewSavePendingChange(method, url string, body []byte) (SavePendingChange, error) {
	msg := SavePendingChange{Method: strings.ToUpper(method), URL: url}
	switch {
	case len(body) == 0:
	case json.Valid(body):
		msg.Body = json.RawMessage(body)
	default:
		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(body))
		if err != nil {
			return SavePendingChange{}, err
		}
		msg.Body = encoded
		msg.Encoding = EncodingBase64
	}
	return msg, nil
}

// Payload returns the request body exactly as it was captured.
func (m SavePendingChange) Payload() ([]byte, error) {
	if len(m.Body) == 0 || string(m.Body) == "null" {
		return nil, nil
	}
	switch m.Encoding {
	case "":
		return append([]byte(nil), m.Body...), nil
	case EncodingBase64:
		var encoded string
		if err := json.Unmarshal(m.Body, &encoded); err != nil {
			return nil, fmt.Errorf("%w: base64 body is not a string: %w", ErrMalformed, err)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("%w: unknown body encoding %q", ErrMalformed, m.Encoding)
	}
}

// PendingChange converts the message into a queue record.
func (m SavePendingChange) PendingChange() (models.PendingChange, error) {
	kind, ok := models.KindFromMethod(m.Method)
	if !ok {
		return models.PendingChange{}, fmt.Errorf("%w: method %q is not queueable", ErrUnknownMessage, m.Method)
	}
	payload, err := m.Payload()
	if err != nil {
		return models.PendingChange{}, err
	}
	return models.PendingChange{Kind: kind, Target: m.URL, Payload: payload}, nil
}

// Envelope is one decoded frame. Msg is nil for acknowledgements.
type Envelope struct {
	ID  string
	Msg Message
}

// IsAck reports whether the frame acknowledges a persist message.
func (e Envelope) IsAck() bool {
	return e.Msg == nil && e.ID != ""
}

type frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes msg without an id.
func Encode(msg Message) ([]byte, error) {
	return EncodeEnvelope(Envelope{Msg: msg})
}

// EncodeEnvelope serializes env.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Msg == nil {
		if env.ID == "" {
			return nil, fmt.Errorf("%w: empty envelope", ErrUnknownMessage)
		}
		return json.Marshal(frame{Type: TypeAck, ID: env.ID})
	}

	f := frame{Type: env.Msg.Type(), ID: env.ID}
	switch m := env.Msg.(type) {
	case SavePendingChange:
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", f.Type, err)
		}
		f.Data = data
	case SyncPendingChanges:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, env.Msg)
	}
	return json.Marshal(f)
}

// EncodeAck serializes an acknowledgement for id.
func EncodeAck(id string) ([]byte, error) {
	return EncodeEnvelope(Envelope{ID: id})
}

// Decode parses one frame, rejecting unknown types.
func Decode(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	env := Envelope{ID: f.ID}
	switch f.Type {
	case TypeSavePendingChange:
		var m SavePendingChange
		if len(f.Data) == 0 {
			return Envelope{}, fmt.Errorf("%w: %s without data", ErrUnknownMessage, f.Type)
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s: %w", ErrMalformed, f.Type, err)
		}
		if m.Method == "" || m.URL == "" {
			return Envelope{}, fmt.Errorf("%w: %s missing method or url", ErrUnknownMessage, f.Type)
		}
		if _, err := m.Payload(); err != nil {
			return Envelope{}, fmt.Errorf("%s: %w", f.Type, err)
		}
		env.Msg = m
	case TypeSyncPendingChanges:
		env.Msg = SyncPendingChanges{}
	case TypeAck:
		if f.ID == "" {
			return Envelope{}, fmt.Errorf("%w: ACK without id", ErrUnknownMessage)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownMessage, f.Type)
	}
	return env, nil
}
