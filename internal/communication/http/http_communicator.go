package httpcomm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/log_service"
)

var (
	ErrHTTPBodyReadFailed = errors.New("failed to read HTTP request body")
	ErrInvalidJSON        = errors.New("invalid JSON in request")
	ErrMissingType        = errors.New("message type is required")
)

const messagePath = "/message"

type HTTPCommunicator struct {
	listenAddress string
	httpServer    *http.Server
	listener      net.Listener
	handler       communication.MessageHandler
	ls            log_service.LogService
	client        *http.Client
	payloads      *communication.PayloadRegistry
}

func NewHTTPCommunicator(listenAddress string, ls log_service.LogService) *HTTPCommunicator {
	return &HTTPCommunicator{
		listenAddress: listenAddress,
		ls:            ls,
		client:        &http.Client{},
		payloads:      communication.NewPayloadRegistry(),
	}
}

func (c *HTTPCommunicator) Address() string {
	if c.listener != nil {
		return c.listener.Addr().String()
	}
	return c.listenAddress
}

func (c *HTTPCommunicator) RegisterPayloadType(msgType string, payloadType reflect.Type) {
	c.payloads.Register(msgType, payloadType)
}

func (c *HTTPCommunicator) Start(handler communication.MessageHandler) error {
	c.ls.Info(log_service.LogEvent{
		Message:  "Starting HTTP communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	c.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc(messagePath, c.handleHTTPMessage)
	c.httpServer = &http.Server{Handler: mux}

	lis, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", communication.ErrServerStartFailed, err)
	}
	c.listener = lis

	c.ls.Info(log_service.LogEvent{
		Message:  "HTTP communicator started successfully",
		Metadata: map[string]any{"address": c.Address()},
	})

	go func() {
		if err := c.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			c.ls.Error(log_service.LogEvent{
				Message:  "HTTP server error",
				Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
			})
		}
	}()

	return nil
}

func (c *HTTPCommunicator) Stop() error {
	if c.httpServer == nil {
		return nil
	}
	c.ls.Info(log_service.LogEvent{
		Message:  "Stopping HTTP communicator",
		Metadata: map[string]any{"address": c.Address()},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.httpServer.Shutdown(ctx); err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to stop HTTP server",
			Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
		})
		return fmt.Errorf("%w: %v", communication.ErrServerStopFailed, err)
	}
	c.client.CloseIdleConnections()
	return nil
}

func mapToHTTPCode(code communication.SandCode) int {
	switch code {
	case communication.CodeOK:
		return http.StatusOK
	case communication.CodeBadRequest, communication.CodeNameTooLong:
		return http.StatusBadRequest
	case communication.CodeNotFound:
		return http.StatusNotFound
	case communication.CodeAlreadyExists, communication.CodeNotEmpty:
		return http.StatusConflict
	case communication.CodePermissionDenied:
		return http.StatusForbidden
	case communication.CodeStale:
		return http.StatusGone
	case communication.CodeForward:
		return http.StatusMisdirectedRequest
	case communication.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (c *HTTPCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	c.ls.Debug(log_service.LogEvent{
		Message:  "Sending HTTP message",
		Metadata: map[string]any{"to": to, "type": msg.Type, "from": msg.From},
	})

	wire, err := communication.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	jsonData, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrMessageMarshalFailed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s%s", to, messagePath), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrUnreachable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.ls.Warn(log_service.LogEvent{
			Message:  "Failed to send HTTP request",
			Metadata: map[string]any{"to": to, "type": msg.Type, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", communication.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", communication.ErrReset, err)
	}

	var wireResp communication.WireResponse
	if err := json.Unmarshal(body, &wireResp); err != nil {
		return nil, fmt.Errorf("%w: status %d: %v", communication.ErrReset, resp.StatusCode, err)
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "HTTP message sent successfully",
		Metadata: map[string]any{"to": to, "type": msg.Type, "status": resp.StatusCode},
	})
	return communication.FromWireResponse(wireResp), nil
}

func (c *HTTPCommunicator) writeResponse(w http.ResponseWriter, resp *communication.Response) {
	data, err := json.Marshal(communication.ToWireResponse(resp))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(mapToHTTPCode(resp.Code))
	if _, err := w.Write(data); err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to write HTTP response body",
			Metadata: map[string]any{"error": err.Error()},
		})
	}
}

func (c *HTTPCommunicator) handleHTTPMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		c.writeResponse(w, &communication.Response{Code: communication.CodeBadRequest, Body: []byte(ErrHTTPBodyReadFailed.Error())})
		return
	}

	var wire communication.WireMessage
	if err := json.Unmarshal(body, &wire); err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Invalid JSON in request",
			Metadata: map[string]any{"error": err.Error()},
		})
		c.writeResponse(w, &communication.Response{Code: communication.CodeBadRequest, Body: []byte(ErrInvalidJSON.Error())})
		return
	}
	if wire.Type == "" {
		c.writeResponse(w, &communication.Response{Code: communication.CodeBadRequest, Body: []byte(ErrMissingType.Error())})
		return
	}
	if c.handler == nil {
		c.writeResponse(w, &communication.Response{Code: communication.CodeUnavailable, Body: []byte(communication.ErrHandlerNotSet.Error())})
		return
	}

	msg, err := c.payloads.Decode(wire)
	if err != nil {
		c.writeResponse(w, &communication.Response{Code: communication.CodeBadRequest, Body: []byte(err.Error())})
		return
	}

	resp, err := c.handler(r.Context(), msg)
	if err != nil || resp == nil {
		if err == nil {
			err = communication.ErrMessageHandlerFailed
		}
		c.ls.Error(log_service.LogEvent{
			Message:  "Message handler failed",
			Metadata: map[string]any{"type": msg.Type, "error": err.Error()},
		})
		c.writeResponse(w, communication.ErrorResponse(err))
		return
	}
	c.writeResponse(w, resp)
}

var _ communication.Communicator = (*HTTPCommunicator)(nil)
