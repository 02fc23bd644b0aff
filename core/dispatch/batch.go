package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/nzrlabs/mcpd/core/mcp"
)

// DispatchBatch runs every request of a batch against the same model and
// aggregates the results. Each request goes through the full pipeline
// individually, so rate limiting and usage accounting apply per request.
// With Parallel set the requests run concurrently; response order still
// matches request order either way.
func (d *Dispatcher) DispatchBatch(ctx context.Context, callerKey, modelName string, batch mcp.BatchRequest) mcp.BatchResponse {
	if batch.BatchID == "" {
		batch.BatchID = mcp.NewRequestID()
	}
	start := time.Now()
	responses := make([]mcp.Response, len(batch.Requests))

	if batch.Parallel {
		var wg sync.WaitGroup
		for i, req := range batch.Requests {
			wg.Add(1)
			go func(i int, req mcp.Request) {
				defer wg.Done()
				responses[i] = d.Dispatch(ctx, callerKey, modelName, req)
			}(i, req)
		}
		wg.Wait()
	} else {
		for i, req := range batch.Requests {
			responses[i] = d.Dispatch(ctx, callerKey, modelName, req)
		}
	}

	out := mcp.BatchResponse{
		BatchID:   batch.BatchID,
		Responses: responses,
		TotalTime: time.Since(start).Seconds(),
	}
	for _, resp := range responses {
		if resp.Error == "" {
			out.SuccessCount++
		} else {
			out.ErrorCount++
		}
	}
	return out
}
