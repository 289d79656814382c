// Package device is the CPU execution model the attention pipeline runs on:
// ordered asynchronous streams and GEMM execution handles bound to them.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/mhattn/internal/logger"
)

var (
	// ErrResource reports a failure inside an enqueued operation.
	ErrResource = errors.New("device resource failure")
	// ErrStreamClosed is returned when work is enqueued on a closed stream.
	ErrStreamClosed = errors.New("stream closed")
)

var streamSeq atomic.Uint64

type streamOp struct {
	name string
	fn   func() error
	// barrier ops run even when the stream has failed.
	barrier bool
}

// Stream runs operations in enqueue order on a dedicated goroutine. Enqueue
// never waits for computation; Synchronize is the only blocking call.
//
// The first failing operation poisons the stream: later operations are
// skipped until Synchronize reports and clears the error.
type Stream struct {
	id  uint64
	log logger.Logger

	mu     sync.Mutex
	queue  []streamOp
	closed bool
	err    error

	wake chan struct{}
	done chan struct{}
}

// NewStream starts a stream. log may be nil.
func NewStream(log logger.Logger) *Stream {
	s := &Stream{
		id:   streamSeq.Add(1),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.log = logger.OrDiscard(log).With("component", "stream", "stream", s.id)
	go s.run()
	return s
}

// ID identifies the stream in logs.
func (s *Stream) ID() uint64 { return s.id }

// Enqueue appends fn to the stream.
func (s *Stream) Enqueue(name string, fn func() error) error {
	return s.push(streamOp{name: name, fn: fn})
}

func (s *Stream) push(op streamOp) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	s.queue = append(s.queue, op)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
	return nil
}

// Synchronize waits until every operation enqueued before the call has run and
// returns the stream's error, if any, clearing it. ctx bounds the wait only:
// enqueued work keeps running after ctx is done, and an error it produces stays
// recorded for the next Synchronize.
func (s *Stream) Synchronize(ctx context.Context) error {
	reached := make(chan error, 1)
	err := s.push(streamOp{name: "synchronize", barrier: true, fn: func() error {
		reached <- s.loadErr()
		return nil
	}})
	if err != nil {
		return err
	}
	select {
	case err := <-reached:
		if err != nil {
			s.clearErr(err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the stream's goroutine. Operations already
// enqueued still run.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.wake)
	s.mu.Unlock()
	<-s.done
}

func (s *Stream) loadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) clearErr(err error) {
	s.mu.Lock()
	if s.err == err {
		s.err = nil
	}
	s.mu.Unlock()
}

func (s *Stream) run() {
	defer close(s.done)
	for {
		_, open := <-s.wake
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.queue = s.queue[:0]
				s.mu.Unlock()
				break
			}
			op := s.queue[0]
			s.queue[0] = streamOp{}
			s.queue = s.queue[1:]
			failed := s.err != nil
			s.mu.Unlock()

			if failed && !op.barrier {
				s.log.Debug("skipping operation on failed stream", "op", op.name)
				continue
			}
			if err := s.exec(op); err != nil {
				s.log.Warn("operation failed", "op", op.name, "error", err)
				s.mu.Lock()
				if s.err == nil {
					s.err = err
				}
				s.mu.Unlock()
			}
		}
		if !open {
			return
		}
	}
}

func (s *Stream) exec(op streamOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrResource, op.name, r)
		}
	}()
	if err := op.fn(); err != nil {
		if errors.Is(err, ErrResource) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrResource, op.name, err)
	}
	return nil
}
