package communication

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// WireMessage is the JSON envelope every transport carries.
type WireMessage struct {
	From    string          `json:"from"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WireResponse struct {
	Code    SandCode          `json:"code"`
	Body    []byte            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PayloadRegistry maps message types to the Go payload type the receiving
// side decodes into.
type PayloadRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewPayloadRegistry() *PayloadRegistry {
	return &PayloadRegistry{types: make(map[string]reflect.Type)}
}

func (r *PayloadRegistry) Register(msgType string, payloadType reflect.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[msgType] = payloadType
}

func EncodeMessage(msg Message) (WireMessage, error) {
	wire := WireMessage{From: msg.From, Type: msg.Type}
	if msg.Payload != nil {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			return WireMessage{}, fmt.Errorf("%w: %v", ErrPayloadMarshalFailed, err)
		}
		wire.Payload = data
	}
	return wire, nil
}

// Decode turns a wire envelope back into a Message whose Payload is a value of
// the registered type.
func (r *PayloadRegistry) Decode(wire WireMessage) (Message, error) {
	msg := Message{From: wire.From, Type: wire.Type}
	if len(wire.Payload) == 0 {
		return msg, nil
	}

	r.mu.RLock()
	payloadType, ok := r.types[wire.Type]
	r.mu.RUnlock()
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessageType, wire.Type)
	}

	payload := reflect.New(payloadType)
	if err := json.Unmarshal(wire.Payload, payload.Interface()); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrPayloadUnmarshalFailed, err)
	}
	msg.Payload = payload.Elem().Interface()
	return msg, nil
}

func ToWireResponse(resp *Response) WireResponse {
	return WireResponse{Code: resp.Code, Body: resp.Body, Headers: resp.Headers}
}

func FromWireResponse(wire WireResponse) *Response {
	return &Response{Code: wire.Code, Body: wire.Body, Headers: wire.Headers}
}

// ErrorResponse is what a listener answers when its handler fails.
func ErrorResponse(err error) *Response {
	return &Response{Code: CodeInternal, Body: []byte(err.Error())}
}
