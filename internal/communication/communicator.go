package communication

import (
	"context"
	"reflect"
)

type SandCode string

const (
	CodeOK               SandCode = "OK"
	CodeBadRequest       SandCode = "BAD_REQUEST"
	CodeNotFound         SandCode = "NOT_FOUND"
	CodeAlreadyExists    SandCode = "ALREADY_EXISTS"
	CodePermissionDenied SandCode = "PERMISSION_DENIED"
	CodeStale            SandCode = "STALE"
	CodeNotEmpty         SandCode = "NOT_EMPTY"
	CodeNotDir           SandCode = "NOT_DIR"
	CodeIsDir            SandCode = "IS_DIR"
	CodeNameTooLong      SandCode = "NAME_TOO_LONG"
	// CodeForward means the replica is not authoritative; the body names the one that is.
	CodeForward     SandCode = "FORWARD"
	CodeInternal    SandCode = "INTERNAL"
	CodeUnavailable SandCode = "UNAVAILABLE"
)

type Message struct {
	From    string
	Type    string
	Payload any
}

type Response struct {
	Code    SandCode
	Body    []byte
	Headers map[string]string
}

// MessageHandler serves one inbound message on the listening side of a Communicator.
type MessageHandler func(ctx context.Context, msg Message) (*Response, error)

// Communicator is the transport boundary. Send blocks until the peer answers,
// the context ends, or the peer is found unreachable (ErrUnreachable) or the
// exchange breaks midway (ErrReset).
type Communicator interface {
	Start(handler MessageHandler) error
	Stop() error
	Send(ctx context.Context, to string, msg Message) (*Response, error)
	RegisterPayloadType(msgType string, payloadType reflect.Type)
	Address() string
}
