// Package loopback is an in-process transport. Messages still round-trip
// through the JSON envelope so payload registration mistakes surface the same
// way they would on the wire.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/AnishMulay/sandmeta/internal/communication"
	"github.com/AnishMulay/sandmeta/internal/log_service"
)

type fault int

const (
	faultNone fault = iota
	faultPartition
	faultBlackhole
)

// Network connects loopback communicators by address and injects faults.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*LoopbackCommunicator
	faults    map[string]fault
	latency   map[string]time.Duration
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*LoopbackCommunicator),
		faults:    make(map[string]fault),
		latency:   make(map[string]time.Duration),
	}
}

// Partition makes every send to addr fail fast with ErrUnreachable.
func (n *Network) Partition(addr string) {
	n.setFault(addr, faultPartition)
}

// Blackhole makes sends to addr hang until the caller's context ends.
func (n *Network) Blackhole(addr string) {
	n.setFault(addr, faultBlackhole)
}

func (n *Network) Heal(addr string) {
	n.setFault(addr, faultNone)
}

func (n *Network) SetLatency(addr string, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d <= 0 {
		delete(n.latency, addr)
		return
	}
	n.latency[addr] = d
}

func (n *Network) setFault(addr string, f fault) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if f == faultNone {
		delete(n.faults, addr)
		return
	}
	n.faults[addr] = f
}

func (n *Network) route(addr string) (*LoopbackCommunicator, fault, time.Duration) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[addr], n.faults[addr], n.latency[addr]
}

type LoopbackCommunicator struct {
	network  *Network
	address  string
	ls       log_service.LogService
	payloads *communication.PayloadRegistry

	mu      sync.RWMutex
	handler communication.MessageHandler
}

func NewLoopbackCommunicator(network *Network, address string, ls log_service.LogService) *LoopbackCommunicator {
	return &LoopbackCommunicator{
		network:  network,
		address:  address,
		ls:       ls,
		payloads: communication.NewPayloadRegistry(),
	}
}

func (c *LoopbackCommunicator) Address() string {
	return c.address
}

func (c *LoopbackCommunicator) RegisterPayloadType(msgType string, payloadType reflect.Type) {
	c.payloads.Register(msgType, payloadType)
}

func (c *LoopbackCommunicator) Start(handler communication.MessageHandler) error {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	if _, taken := c.network.endpoints[c.address]; taken {
		return fmt.Errorf("%w: address %s already bound", communication.ErrServerStartFailed, c.address)
	}

	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
	c.network.endpoints[c.address] = c

	c.ls.Debug(log_service.LogEvent{
		Message:  "Loopback communicator started",
		Metadata: map[string]any{"address": c.address},
	})
	return nil
}

func (c *LoopbackCommunicator) Stop() error {
	c.network.mu.Lock()
	defer c.network.mu.Unlock()
	if c.network.endpoints[c.address] == c {
		delete(c.network.endpoints, c.address)
	}
	return nil
}

func (c *LoopbackCommunicator) Send(ctx context.Context, to string, msg communication.Message) (*communication.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peer, f, latency := c.network.route(to)
	switch {
	case f == faultPartition:
		return nil, fmt.Errorf("%w: %s partitioned", communication.ErrUnreachable, to)
	case f == faultBlackhole:
		<-ctx.Done()
		return nil, ctx.Err()
	case peer == nil:
		return nil, fmt.Errorf("%w: no listener at %s", communication.ErrUnreachable, to)
	}

	wire, err := communication.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	decoded, err := peer.payloads.Decode(wire)
	if err != nil {
		return &communication.Response{Code: communication.CodeBadRequest, Body: []byte(err.Error())}, nil
	}

	peer.mu.RLock()
	handler := peer.handler
	peer.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrUnreachable, communication.ErrHandlerNotSet)
	}

	type result struct {
		resp *communication.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		resp, err := handler(ctx, decoded)
		done <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil || r.resp == nil {
			if r.err == nil {
				r.err = communication.ErrMessageHandlerFailed
			}
			return communication.ErrorResponse(r.err), nil
		}
		return roundTrip(r.resp)
	}
}

func roundTrip(resp *communication.Response) (*communication.Response, error) {
	data, err := json.Marshal(communication.ToWireResponse(resp))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrReset, err)
	}
	var wire communication.WireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", communication.ErrReset, err)
	}
	return communication.FromWireResponse(wire), nil
}

var _ communication.Communicator = (*LoopbackCommunicator)(nil)
