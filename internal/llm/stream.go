package llm

import (
	"context"
	"io"
	"sync"
)

// eventStream adapts a producer goroutine into the Stream interface.
// The producer writes events to the channel and returns when the
// upstream connection is drained or fails; its error is surfaced from
// the Recv call that observes the closed channel.
type eventStream struct {
	events chan Event
	errCh  chan error
	cancel context.CancelFunc

	closeOnce sync.Once
	err       error
	finished  bool
}

func newEventStream(ctx context.Context, produce func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		events: make(chan Event, 16),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		err := produce(ctx, s.events)
		s.errCh <- err
		close(s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	if s.finished {
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}
	ev, ok := <-s.events
	if !ok {
		s.finished = true
		s.err = <-s.errCh
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}
	return ev, nil
}

// Close cancels the producer and drains any buffered events so the
// producer goroutine can exit. Safe to call more than once.
func (s *eventStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		go func() {
			for range s.events {
			}
		}()
	})
	return nil
}
