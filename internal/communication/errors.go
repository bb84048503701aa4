package communication

import "errors"

var (
	// Server startup/shutdown errors
	ErrServerStartFailed = errors.New("failed to start server")
	ErrServerStopFailed  = errors.New("failed to stop server")

	// Delivery errors; both are retry triggers for callers
	ErrUnreachable = errors.New("peer unreachable")
	ErrReset       = errors.New("connection reset")

	// Message handling errors
	ErrHandlerNotSet        = errors.New("message handler not set")
	ErrMessageHandlerFailed = errors.New("message handler failed")
	ErrUnknownMessageType   = errors.New("unknown message type")

	// Serialization/deserialization errors
	ErrPayloadMarshalFailed   = errors.New("failed to marshal payload")
	ErrPayloadUnmarshalFailed = errors.New("failed to unmarshal payload")
	ErrMessageMarshalFailed   = errors.New("failed to marshal message")
)
