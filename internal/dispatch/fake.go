package dispatch

import (
	"context"
	"sync"
)

// RecordingDispatcher captures dispatch requests for tests and local dry
// runs.
type RecordingDispatcher struct {
	mu       sync.Mutex
	requests []Request

	// Err, when set, is returned for every dispatch to simulate substrate
	// rejection.
	Err error
}

func (d *RecordingDispatcher) Dispatch(_ context.Context, req Request) (Handle, error) {
	if d.Err != nil {
		return Handle{}, d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return Handle{CallbackID: req.CallbackID, JobName: "recorded-" + req.CallbackID}, nil
}

func (d *RecordingDispatcher) Requests() []Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Request, len(d.requests))
	copy(out, d.requests)
	return out
}
