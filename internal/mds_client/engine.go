package mds_client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/rand"

	cluster "github.com/AnishMulay/sandmeta/internal/cluster_service"
	"github.com/AnishMulay/sandmeta/internal/communication"
	dc "github.com/AnishMulay/sandmeta/internal/dentry_cache"
	"github.com/AnishMulay/sandmeta/internal/log_service"
	ms "github.com/AnishMulay/sandmeta/internal/metadata_server"
	"github.com/AnishMulay/sandmeta/internal/metrics"
)

const (
	DefaultAttemptTimeout = 2 * time.Second
	DefaultMaxAttempts    = 5
	DefaultDeadline       = 30 * time.Second

	maxForwards     = 8
	retryBackoff    = 10 * time.Millisecond
	maxRetryBackoff = 250 * time.Millisecond
)

type EngineConfig struct {
	ClientID string
	// AttemptTimeout bounds the wait for one reply before the request is
	// resent to another replica.
	AttemptTimeout time.Duration
	// MaxAttempts bounds sends of a mutating request. Reads retry until their
	// context ends.
	MaxAttempts int
	// Deadline is applied to mutating requests whose context has none.
	Deadline time.Duration
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	return c
}

// Call is one metadata operation as the engine executes it.
type Call struct {
	Op     ms.Op
	Policy cluster.Policy
	// Target is the identity the replica is chosen for.
	Target ms.Ino
	// Base and SourceBase are the cached nodes the reply's Trace and
	// SourceTrace start from. For a readdir, Base is the directory node.
	Base       dc.NodeID
	SourceBase dc.NodeID
	// Revoke lists the directories whose content leases are dropped before
	// a mutation is sent.
	Revoke []ms.Ino
	// BeforeApply runs once a reply arrives, before its traces are applied.
	BeforeApply func(reply ms.Reply, err error)
}

// Result is what applying a reply left behind in the cache.
type Result struct {
	Reply ms.Reply
	// Node is where the Trace ended, NoNode if the reply had no trace.
	Node       dc.NodeID
	SourceNode dc.NodeID
	Replica    string
}

type delivery struct {
	attempt int
	resp    *communication.Response
	err     error
}

type pendingRequest struct {
	tid     string
	attempt int
	done    chan delivery
}

// Engine sends metadata requests to replicas and applies their replies to
// the cache. Callers block in Execute; replies are handed over by the
// goroutine that performed the send.
type Engine struct {
	cfg   EngineConfig
	comm  communication.Communicator
	dir   cluster.ReplicaDirectory
	cache *dc.Cache
	ls    log_service.LogService
	m     *metrics.Metrics

	pendingMu       sync.Mutex
	pendingRequests map[string]*pendingRequest

	rngMu sync.Mutex
	rng   *rand.Rand

	revocations atomic.Uint64
}

func NewEngine(cfg EngineConfig, comm communication.Communicator, dir cluster.ReplicaDirectory, cache *dc.Cache, ls log_service.LogService, m *metrics.Metrics) *Engine {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	return &Engine{
		cfg:             cfg.withDefaults(),
		comm:            comm,
		dir:             dir,
		cache:           cache,
		ls:              ls,
		m:               m,
		pendingRequests: make(map[string]*pendingRequest),
		rng:             rand.New(rand.NewSource(rand.Uint64())),
	}
}

// Revocations is how many directory content leases mutations have revoked.
func (e *Engine) Revocations() uint64 {
	return e.revocations.Load()
}

// InFlight is the number of requests waiting for a reply.
func (e *Engine) InFlight() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pendingRequests)
}

// Execute sends call and applies the reply. A mutation first claims its
// directories, revoking their content leases, and holds them until the reply
// is applied. The returned error is the one the reply's status stands for,
// or the failure to get a reply at all.
func (e *Engine) Execute(ctx context.Context, call Call) (Result, error) {
	if call.Op == nil {
		return Result{}, ErrNoOp
	}
	var holding []ms.Ino
	if call.Op.Mutating() {
		revoked, release := e.cache.BeginMutation(call.Revoke...)
		defer release()
		e.revocations.Add(uint64(revoked))
		e.m.RecordRevocations(revoked)
		holding = call.Revoke
	}

	reply, replica, issued, err := e.send(ctx, call)
	res := Result{Reply: reply, Replica: replica}
	if replica == "" {
		return res, err
	}

	if call.BeforeApply != nil {
		call.BeforeApply(reply, err)
	}
	g := dc.Grant{Issued: issued, Holding: holding}
	if aerr := e.apply(&res, call, g); aerr != nil && err == nil {
		err = aerr
	}
	return res, err
}

func (e *Engine) apply(res *Result, call Call, g dc.Grant) error {
	reply := res.Reply
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if reply.Trace != nil && call.Base != dc.NoNode {
		node, err := e.cache.ApplyTrace(call.Base, reply.Trace, g)
		res.Node = node
		keep(err)
	} else if reply.Trace != nil {
		e.cache.UpdateAttr(reply.Trace.Base)
	}
	if reply.SourceTrace != nil && call.SourceBase != dc.NoNode {
		node, err := e.cache.ApplyTrace(call.SourceBase, reply.SourceTrace, g)
		res.SourceNode = node
		keep(err)
	}
	for _, attr := range reply.Extra {
		e.cache.UpdateAttr(attr)
	}
	if reply.Dir != nil && call.Base != dc.NoNode {
		keep(e.cache.ApplyListing(call.Base, reply.Dir, g))
	}

	if firstErr != nil {
		e.ls.Warn(log_service.LogEvent{
			Message:  "Reply could not be applied to the name tree",
			Metadata: map[string]any{"op": string(call.Op.Kind()), "error": firstErr.Error()},
		})
	}
	return firstErr
}

// send delivers call to a replica and waits for its reply. It returns the
// replica that answered and when the answered attempt was dispatched.
func (e *Engine) send(ctx context.Context, call Call) (ms.Reply, string, time.Time, error) {
	kind := string(call.Op.Kind())
	mutating := call.Op.Mutating()
	if _, ok := ctx.Deadline(); !ok && mutating {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	start := time.Now()
	p := e.register(uuid.NewString())
	defer e.unregister(p.tid)
	e.m.InFlight(1)
	defer e.m.InFlight(-1)

	exclude := make(map[string]bool)
	forwards := 0
	unreachable := 0
	var lastErr error

	finish := func(reply ms.Reply, replica string, issued time.Time, err error) (ms.Reply, string, time.Time, error) {
		e.m.RecordRequest(kind, statusLabel(err), time.Since(start))
		return reply, replica, issued, err
	}

	for attempt := 1; ; attempt++ {
		if mutating && attempt-forwards > e.cfg.MaxAttempts {
			err := fmt.Errorf("%w: %s gave up after %d attempts: %v", ms.ErrTimeout, kind, e.cfg.MaxAttempts, lastErr)
			if unreachable == e.cfg.MaxAttempts {
				err = fmt.Errorf("%w: %v", ms.ErrUnavailable, lastErr)
			}
			return finish(ms.Reply{}, "", time.Time{}, err)
		}
		if err := ctx.Err(); err != nil {
			return finish(ms.Reply{}, "", time.Time{}, e.contextError(kind, err, lastErr))
		}

		replica, err := e.dir.Pick(call.Policy, call.Target, exclude)
		if err != nil {
			return finish(ms.Reply{}, "", time.Time{}, err)
		}

		req := ms.Request{Tid: p.tid, ClientID: e.cfg.ClientID, Attempt: attempt, Op: call.Op}
		e.m.RecordAttempt(kind, attempt > 1)
		if attempt > 1 {
			e.ls.Debug(log_service.LogEvent{
				Message:  "Resending metadata request",
				Metadata: map[string]any{"tid": p.tid, "op": kind, "attempt": attempt, "replica": replica.ID},
			})
		}

		issued := e.cache.Now()
		d, ok := e.await(ctx, p, attempt, replica, req)
		if !ok {
			// attempt timed out with no reply
			exclude[replica.ID] = true
			lastErr = fmt.Errorf("no reply from %s within %s", replica.ID, e.cfg.AttemptTimeout)
			e.ls.Warn(log_service.LogEvent{
				Message:  "Metadata request attempt timed out",
				Metadata: map[string]any{"tid": p.tid, "op": kind, "attempt": attempt, "replica": replica.ID},
			})
			continue
		}
		if d.err != nil {
			if ctx.Err() != nil {
				return finish(ms.Reply{}, "", time.Time{}, e.contextError(kind, ctx.Err(), d.err))
			}
			exclude[replica.ID] = true
			lastErr = d.err
			if errors.Is(d.err, communication.ErrUnreachable) {
				unreachable++
			}
			e.ls.Warn(log_service.LogEvent{
				Message:  "Metadata request send failed",
				Metadata: map[string]any{"tid": p.tid, "op": kind, "attempt": attempt, "replica": replica.ID, "error": d.err.Error()},
			})
			if err := e.backoff(ctx, attempt); err != nil {
				return finish(ms.Reply{}, "", time.Time{}, e.contextError(kind, err, lastErr))
			}
			continue
		}

		reply, err := ms.DecodeReply(d.resp)
		if d.resp.Code == communication.CodeForward {
			forwards++
			e.m.RecordForward()
			if forwards > maxForwards || reply.ForwardTo == "" {
				return finish(ms.Reply{}, "", time.Time{}, fmt.Errorf("%w: last hop %s", ErrForwardLoop, replica.ID))
			}
			e.ls.Info(log_service.LogEvent{
				Message:  "Replica forwarded request to its authority",
				Metadata: map[string]any{"tid": p.tid, "op": kind, "from": replica.ID, "to": reply.ForwardTo},
			})
			e.dir.RecordAuthority(call.Target, reply.ForwardTo)
			delete(exclude, reply.ForwardTo)
			continue
		}
		if err == nil && call.Policy == cluster.UseCapabilityHolder {
			e.dir.RecordCapabilityHolder(call.Target, replica.ID)
		}
		return finish(reply, replica.ID, issued, err)
	}
}

// await dispatches one attempt and waits for its delivery. ok is false when
// the attempt timed out while ctx is still live.
func (e *Engine) await(ctx context.Context, p *pendingRequest, attempt int, replica cluster.Replica, req ms.Request) (delivery, bool) {
	e.pendingMu.Lock()
	p.attempt = attempt
	select {
	case <-p.done:
	default:
	}
	e.pendingMu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	go e.dispatch(attemptCtx, p, attempt, replica, req)

	for {
		select {
		case d := <-p.done:
			if d.attempt != attempt {
				continue
			}
			return d, true
		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				return delivery{attempt: attempt, err: ctx.Err()}, true
			}
			return delivery{}, false
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, p *pendingRequest, attempt int, replica cluster.Replica, req ms.Request) {
	resp, err := e.comm.Send(ctx, replica.Address, communication.Message{
		From:    e.comm.Address(),
		Type:    ms.MessageTypeRequest,
		Payload: req,
	})
	e.deliver(p.tid, delivery{attempt: attempt, resp: resp, err: err})
}

// deliver hands a reply to the waiting caller. Replies to an abandoned
// attempt or a finished request are dropped.
func (e *Engine) deliver(tid string, d delivery) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	p, ok := e.pendingRequests[tid]
	if !ok || p.attempt != d.attempt {
		return
	}
	select {
	case p.done <- d:
	default:
	}
}

func (e *Engine) register(tid string) *pendingRequest {
	p := &pendingRequest{tid: tid, done: make(chan delivery, 1)}
	e.pendingMu.Lock()
	e.pendingRequests[tid] = p
	e.pendingMu.Unlock()
	return p
}

func (e *Engine) unregister(tid string) {
	e.pendingMu.Lock()
	delete(e.pendingRequests, tid)
	e.pendingMu.Unlock()
}

func (e *Engine) backoff(ctx context.Context, attempt int) error {
	d := retryBackoff << min(attempt-1, 5)
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	e.rngMu.Lock()
	d += time.Duration(e.rng.Int63n(int64(d)/2 + 1))
	e.rngMu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) contextError(kind string, ctxErr, lastErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		if lastErr != nil {
			return fmt.Errorf("%w: %s: %v", ms.ErrTimeout, kind, lastErr)
		}
		return fmt.Errorf("%w: %s", ms.ErrTimeout, kind)
	}
	return ctxErr
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ms.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return strings.ToLower(string(ms.StatusFromError(err)))
}
