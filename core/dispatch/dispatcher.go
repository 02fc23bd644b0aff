// Package dispatch is the orchestration core: it validates an MCP request,
// gates it through the rate limiter, resolves the target backend, loads or
// creates the conversation context, invokes the backend under a deadline,
// records the outcome and produces the response envelope.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nzrlabs/mcpd/core/contextstore"
	"github.com/nzrlabs/mcpd/core/events"
	"github.com/nzrlabs/mcpd/core/mcp"
	"github.com/nzrlabs/mcpd/core/ratelimit"
	"github.com/nzrlabs/mcpd/core/registry"
	"github.com/nzrlabs/mcpd/core/usage"
	"github.com/nzrlabs/mcpd/infra/logger"
	"github.com/nzrlabs/mcpd/internal/eventbus"
)

// requestState tracks a request through the dispatch state machine:
// received -> admitted -> resolved -> contextLoaded -> invoking ->
// completed | failed. Terminal states never transition further; every
// failed transition still records a usage record.
type requestState string

const (
	stateReceived      requestState = "received"
	stateAdmitted      requestState = "admitted"
	stateResolved      requestState = "resolved"
	stateContextLoaded requestState = "context_loaded"
	stateInvoking      requestState = "invoking"
	stateCompleted     requestState = "completed"
	stateFailed        requestState = "failed"
)

const defaultInvokeTimeout = 30 * time.Second

// Dispatcher coordinates the registry, context store, rate limiter and
// usage recorder for each request. It holds no per-conversation state:
// every context access is a fresh store round trip.
type Dispatcher struct {
	registry      *registry.Registry
	store         contextstore.Store
	limiter       *ratelimit.Limiter
	recorder      *usage.Recorder
	bus           eventbus.EventBus
	log           logger.Logger
	invokeTimeout time.Duration
}

// New creates a dispatcher. The bus may be nil; everything else is required.
func New(reg *registry.Registry, store contextstore.Store, limiter *ratelimit.Limiter, recorder *usage.Recorder, bus eventbus.EventBus, log logger.Logger, invokeTimeout time.Duration) (*Dispatcher, error) {
	if reg == nil || store == nil || limiter == nil || recorder == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to New")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if invokeTimeout <= 0 {
		invokeTimeout = defaultInvokeTimeout
	}
	return &Dispatcher{
		registry:      reg,
		store:         store,
		limiter:       limiter,
		recorder:      recorder,
		bus:           bus,
		log:           log,
		invokeTimeout: invokeTimeout,
	}, nil
}

// Dispatch runs one request to a terminal state and always returns a
// well-formed response envelope; failures surface in the Error field, never
// as a panic or a bare error that would drop the request correlation ids.
func (d *Dispatcher) Dispatch(ctx context.Context, callerKey, modelName string, req mcp.Request) mcp.Response {
	if req.RequestID == "" {
		req.RequestID = mcp.NewRequestID()
	}
	d.recorder.Begin()
	defer d.recorder.End()

	start := time.Now()
	if d.bus != nil {
		d.bus.Publish(events.RequestEvent{RequestID: req.RequestID, ModelName: modelName, CallerKey: callerKey, Time: start})
	}
	d.transition(req.RequestID, stateReceived)

	if modelName == "" {
		return d.fail(req, modelName, req.ContextID, start, 0, mcp.E(mcp.KindValidation, "model name is empty"))
	}
	if req.Payload == nil {
		return d.fail(req, modelName, req.ContextID, start, 0, mcp.E(mcp.KindValidation, "payload is required"))
	}

	if dec := d.limiter.Admit(callerKey); !dec.Allowed {
		err := &mcp.Error{Kind: mcp.KindRateLimit, Msg: fmt.Sprintf("rate limit exceeded for caller %q", callerKey), RetryAfter: dec.RetryAfter}
		return d.fail(req, modelName, req.ContextID, start, 0, err)
	}
	d.transition(req.RequestID, stateAdmitted)

	inst, err := d.registry.Resolve(modelName)
	if err != nil {
		return d.fail(req, modelName, req.ContextID, start, 0, err)
	}
	d.transition(req.RequestID, stateResolved)

	conv, err := d.loadContext(ctx, req.ContextID)
	if err != nil {
		return d.fail(req, modelName, req.ContextID, start, 0, err)
	}
	d.transition(req.RequestID, stateContextLoaded)

	d.transition(req.RequestID, stateInvoking)
	invokeStart := time.Now()
	result, err := d.invoke(ctx, inst, req.Payload, conv)
	execTime := time.Since(invokeStart)
	if err != nil {
		return d.fail(req, modelName, conv.ID, start, execTime, err)
	}

	turn := mcp.Turn{Input: req.Payload, Output: result, Timestamp: time.Now(), Success: true}
	if _, err := d.store.AppendTurn(ctx, conv.ID, turn); err != nil {
		return d.fail(req, modelName, conv.ID, start, execTime,
			mcp.Wrap(mcp.KindStoreUnavailable, err, "append turn to context %q", conv.ID))
	}
	d.transition(req.RequestID, stateCompleted)

	d.recorder.Record(usage.Record{
		ModelName: modelName,
		ContextID: conv.ID,
		Timestamp: time.Now(),
		Latency:   execTime,
		Success:   true,
	})
	if d.bus != nil {
		d.bus.Publish(events.ResultEvent{
			RequestID: req.RequestID,
			ContextID: conv.ID,
			ModelName: modelName,
			Success:   true,
			Latency:   execTime,
			Time:      time.Now(),
		})
	}
	return mcp.Response{
		RequestID:     req.RequestID,
		ContextID:     conv.ID,
		ModelName:     modelName,
		Result:        result,
		ExecutionTime: execTime.Seconds(),
	}
}

// loadContext resolves the conversation. A supplied but unknown id is
// honored by creating the context under that id; a storage outage is
// surfaced as an infrastructure error, never mistaken for a fresh
// conversation.
func (d *Dispatcher) loadContext(ctx context.Context, id string) (*mcp.Context, error) {
	if id == "" {
		conv, err := d.store.Create(ctx)
		if err != nil {
			return nil, mcp.Wrap(mcp.KindStoreUnavailable, err, "create context")
		}
		return conv, nil
	}
	conv, err := d.store.Get(ctx, id)
	switch {
	case err == nil:
		return conv, nil
	case errors.Is(err, contextstore.ErrNotFound):
		conv, err := d.store.CreateWithID(ctx, id)
		if err != nil {
			return nil, mcp.Wrap(mcp.KindStoreUnavailable, err, "create context %q", id)
		}
		return conv, nil
	default:
		return nil, mcp.Wrap(mcp.KindStoreUnavailable, err, "load context %q", id)
	}
}

// invoke runs the backend predict under the per-call deadline. A result
// arriving after the deadline is discarded: the goroutine writes into a
// buffered channel and exits, and the stale result is never appended to a
// context.
func (d *Dispatcher) invoke(ctx context.Context, inst *registry.Instance, payload map[string]any, conv *mcp.Context) (map[string]any, error) {
	ictx, cancel := context.WithTimeout(ctx, d.invokeTimeout)
	defer cancel()

	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := inst.Backend().Predict(ictx, payload, conv.Clone())
		ch <- outcome{result: res, err: err}
	}()

	select {
	case <-ictx.Done():
		if errors.Is(ictx.Err(), context.DeadlineExceeded) {
			return nil, mcp.E(mcp.KindTimeout, "model %q exceeded deadline of %s", inst.Name(), d.invokeTimeout)
		}
		return nil, mcp.Wrap(mcp.KindInternalModel, ictx.Err(), "invocation canceled")
	case out := <-ch:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, mcp.E(mcp.KindTimeout, "model %q exceeded deadline of %s", inst.Name(), d.invokeTimeout)
			}
			return nil, mcp.Wrap(mcp.KindInternalModel, out.err, "model %q prediction failed", inst.Name())
		}
		return out.result, nil
	}
}

// fail records the outcome, publishes the terminal event and builds the
// error envelope. Observability is never skipped on the failure path.
func (d *Dispatcher) fail(req mcp.Request, modelName, contextID string, start time.Time, execTime time.Duration, err error) mcp.Response {
	kind := mcp.KindOf(err)
	d.transition(req.RequestID, stateFailed)
	d.log.Warnf("request %s failed (%s): %v", req.RequestID, kind, err)

	d.recorder.Record(usage.Record{
		ModelName: modelName,
		ContextID: contextID,
		Timestamp: time.Now(),
		Latency:   execTime,
		Success:   false,
		ErrorKind: string(kind),
	})
	if d.bus != nil {
		d.bus.Publish(events.ResultEvent{
			RequestID: req.RequestID,
			ContextID: contextID,
			ModelName: modelName,
			Success:   false,
			ErrorKind: kind,
			Latency:   time.Since(start),
			Time:      time.Now(),
		})
	}
	return mcp.Response{
		RequestID:     req.RequestID,
		ContextID:     contextID,
		ModelName:     modelName,
		ExecutionTime: execTime.Seconds(),
		Error:         err.Error(),
		ErrorKind:     kind,
		RetryAfter:    mcp.RetryAfterOf(err).Seconds(),
	}
}

func (d *Dispatcher) transition(requestID string, s requestState) {
	d.log.Debugw("request state", map[string]any{"request_id": requestID, "state": string(s)})
}
