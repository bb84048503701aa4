package grpccomm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"reflect"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/log_service"
)

type GRPCCommunicator struct {
	listenAddress string
	handler       communication.MessageHandler
	grpcServer    *grpc.Server
	listener      net.Listener
	ls            log_service.LogService
	payloads      *communication.PayloadRegistry

	clientLock sync.RWMutex
	conns      map[string]*grpc.ClientConn
	stopped    bool
	stopMutex  sync.Mutex
}

func NewGRPCCommunicator(addr string, ls log_service.LogService) *GRPCCommunicator {
	return &GRPCCommunicator{
		listenAddress: addr,
		ls:            ls,
		payloads:      communication.NewPayloadRegistry(),
		conns:         make(map[string]*grpc.ClientConn),
	}
}

// Address is the bound listen address once Start has run, the configured one before.
func (c *GRPCCommunicator) Address() string {
	if c.listener != nil {
		return c.listener.Addr().String()
	}
	return c.listenAddress
}

func (c *GRPCCommunicator) RegisterPayloadType(msgType string, payloadType reflect.Type) {
	c.payloads.Register(msgType, payloadType)
}

func (c *GRPCCommunicator) Start(handler communication.MessageHandler) error {
	c.ls.Info(log_service.LogEvent{
		Message:  "Starting GRPC communicator",
		Metadata: map[string]any{"address": c.listenAddress},
	})

	c.handler = handler
	c.grpcServer = grpc.NewServer()
	c.grpcServer.RegisterService(&messageServiceDesc, &grpcServer{comm: c})

	lis, err := net.Listen("tcp", c.listenAddress)
	if err != nil {
		c.ls.Error(log_service.LogEvent{
			Message:  "Failed to listen on address",
			Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
		})
		return fmt.Errorf("%w: %v", communication.ErrServerStartFailed, err)
	}
	c.listener = lis

	c.ls.Info(log_service.LogEvent{
		Message:  "GRPC communicator started successfully",
		Metadata: map[string]any{"address": c.Address()},
	})

	go func() {
		if err := c.grpcServer.Serve(lis); err != nil {
			c.ls.Error(log_service.LogEvent{
				Message:  "GRPC server error",
				Metadata: map[string]any{"address": c.listenAddress, "error": err.Error()},
			})
		}
	}()
	return nil
}

func (c *GRPCCommunicator) Stop() error {
	c.stopMutex.Lock()
	defer c.stopMutex.Unlock()

	if c.stopped {
		return nil
	}

	c.ls.Info(log_service.LogEvent{
		Message:  "Stopping GRPC communicator",
		Metadata: map[string]any{"address": c.Address()},
	})

	if c.grpcServer != nil {
		c.grpcServer.GracefulStop()
	}

	c.clientLock.Lock()
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			c.ls.Warn(log_service.LogEvent{
				Message:  "Failed to close GRPC client connection",
				Metadata: map[string]any{"to": addr, "error": err.Error()},
			})
		}
		delete(c.conns, addr)
	}
	c.clientLock.Unlock()

	c.stopped = true
	return nil
}

func (c *GRPCCommunicator) conn(to string) (*grpc.ClientConn, error) {
	c.clientLock.RLock()
	conn, ok := c.conns[to]
	c.clientLock.RUnlock()
	if ok {
		return conn, nil
	}

	c.clientLock.Lock()
	defer c.clientLock.Unlock()
	if conn, ok := c.conns[to]; ok {
		return conn, nil
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "Creating new GRPC client",
		Metadata: map[string]any{"to": to},
	})
	conn, err := grpc.NewClient(to, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrUnreachable, err)
	}
	c.conns[to] = conn
	return conn, nil
}

func (c *GRPCCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	c.ls.Debug(log_service.LogEvent{
		Message:  "Sending GRPC message",
		Metadata: map[string]any{"to": to, "type": msg.Type, "from": msg.From},
	})

	conn, err := c.conn(to)
	if err != nil {
		return nil, err
	}

	wire, err := communication.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	reqBytes, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrMessageMarshalFailed, err)
	}

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, sendMessageMethod, wrapperspb.Bytes(reqBytes), out); err != nil {
		return nil, mapRPCError(ctx, err)
	}

	var wireResp communication.WireResponse
	if err := json.Unmarshal(out.GetValue(), &wireResp); err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrReset, err)
	}

	c.ls.Debug(log_service.LogEvent{
		Message:  "GRPC message sent successfully",
		Metadata: map[string]any{"to": to, "type": msg.Type, "responseCode": wireResp.Code},
	})
	return communication.FromWireResponse(wireResp), nil
}

func mapRPCError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch status.Code(err) {
	case codes.Unavailable:
		return fmt.Errorf("%w: %v", communication.ErrUnreachable, err)
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.Canceled:
		return context.Canceled
	default:
		return fmt.Errorf("%w: %v", communication.ErrReset, err)
	}
}

type grpcServer struct {
	comm *GRPCCommunicator
}

func (s *grpcServer) SendMessage(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s.comm.handler == nil {
		return nil, status.Error(codes.Unavailable, communication.ErrHandlerNotSet.Error())
	}

	var wire communication.WireMessage
	if err := json.Unmarshal(req.GetValue(), &wire); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp, err := s.handle(ctx, wire)
	if err != nil {
		s.comm.ls.Error(log_service.LogEvent{
			Message:  "Message handler failed",
			Metadata: map[string]any{"type": wire.Type, "error": err.Error()},
		})
		resp = communication.ErrorResponse(err)
	}

	data, err := json.Marshal(communication.ToWireResponse(resp))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(data), nil
}

func (s *grpcServer) handle(ctx context.Context, wire communication.WireMessage) (*communication.Response, error) {
	msg, err := s.comm.payloads.Decode(wire)
	if err != nil {
		return &communication.Response{Code: communication.CodeBadRequest, Body: []byte(err.Error())}, nil
	}
	resp, err := s.comm.handler(ctx, msg)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("handler returned nil response")
	}
	return resp, nil
}

var _ communication.Communicator = (*GRPCCommunicator)(nil)
