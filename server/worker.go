// Package server exposes the analysis frontend over the Language Server
// Protocol.
package server

import (
	"fmt"

	"github.com/mjansson/luau/pkg/analysis"
)

// frontendRequest is a unit of work to be executed on the frontend
// goroutine.
type frontendRequest struct {
	fn   func(*analysis.Frontend) any
	done chan frontendResult
}

// frontendResult holds the return value from a frontend operation.
type frontendResult struct {
	value any
	err   error
}

// FrontendWorker serializes all frontend access through a single goroutine.
// The frontend is single-threaded and not re-entrant; all LSP handlers must
// go through the worker to avoid data races.
type FrontendWorker struct {
	frontend *analysis.Frontend
	requests chan frontendRequest
	quit     chan struct{}
}

// NewFrontendWorker creates a worker and starts the processing goroutine.
func NewFrontendWorker(f *analysis.Frontend) *FrontendWorker {
	w := &FrontendWorker{
		frontend: f,
		requests: make(chan frontendRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *FrontendWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the frontend, recovering from panics.
func (w *FrontendWorker) execute(fn func(*analysis.Frontend) any) frontendResult {
	var result frontendResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.frontend)
	}()
	return result
}

// Do submits a function for execution on the frontend goroutine and blocks
// until it completes. Returns the result and any error (including panics).
func (w *FrontendWorker) Do(fn func(*analysis.Frontend) any) (any, error) {
	req := frontendRequest{
		fn:   fn,
		done: make(chan frontendResult, 1),
	}
	w.requests <- req
	result := <-req.done
	return result.value, result.err
}

// Stop shuts down the worker goroutine.
func (w *FrontendWorker) Stop() {
	close(w.quit)
}
