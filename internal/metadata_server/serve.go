package metadata_server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/AnishMulay/sandmeta/internal/communication"
)

// RegisterPayloads teaches a communicator how to decode metadata requests.
func RegisterPayloads(comm communication.Communicator) {
	comm.RegisterPayloadType(MessageTypeRequest, reflect.TypeOf(Request{}))
}

// Serve adapts a Handler to the transport's message handler.
func Serve(h Handler) communication.MessageHandler {
	return func(ctx context.Context, msg communication.Message) (*communication.Response, error) {
		if msg.Type != MessageTypeRequest {
			return &communication.Response{
				Code: communication.CodeBadRequest,
				Body: []byte(fmt.Sprintf("%v: %s", communication.ErrUnknownMessageType, msg.Type)),
			}, nil
		}
		req, ok := msg.Payload.(Request)
		if !ok {
			return &communication.Response{Code: communication.CodeBadRequest}, nil
		}
		code, reply := h.Handle(ctx, msg.From, req)
		reply.Tid = req.Tid
		body, err := json.Marshal(reply)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", communication.ErrPayloadMarshalFailed, err)
		}
		return &communication.Response{Code: code, Body: body}, nil
	}
}

// DecodeReply splits a transport response into the reply and the error its
// code stands for.
func DecodeReply(resp *communication.Response) (Reply, error) {
	var reply Reply
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &reply); err != nil {
			// listener-level failures carry plain text
			reply.Message = string(resp.Body)
		}
	}
	return reply, ErrorFromStatus(resp.Code, reply.Message)
}
