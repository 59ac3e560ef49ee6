package wal

import (
	"sync"

	"github.com/google/uuid"

	"github.com/quiverdb/quiver/model"
)

// Subscription is one ordered, exactly-once stream of log entries for a
// single collection. The replayed backlog is delivered first, then live
// batches, over the bounded channel returned by Batches.
//
// The consumer owns the draining goroutine; a consumer that stops
// reading eventually applies backpressure to appenders via the bounded
// live buffer.
type Subscription struct {
	ID         uuid.UUID
	Collection string

	log     *Log
	end     *model.SeqID
	after   model.SeqID  // entries at or below were covered by backlog replay
	pending []Entry      // durable backlog, delivered before live batches
	in      chan []Entry // live batches from the appender
	out     chan []Entry
	stop    chan struct{}
	cancel  sync.Once
	wg      sync.WaitGroup
}

func newSubscription(log *Log, collection string, end *model.SeqID, after model.SeqID, backlog []Entry, buffer int) *Subscription {
	return &Subscription{
		ID:         uuid.New(),
		Collection: collection,
		log:        log,
		end:        end,
		after:      after,
		pending:    backlog,
		in:         make(chan []Entry, buffer),
		out:        make(chan []Entry, buffer),
		stop:       make(chan struct{}),
	}
}

// Batches returns the delivery channel. It is closed when the
// subscription ends, either by Cancel or by reaching the end bound.
func (s *Subscription) Batches() <-chan []Entry { return s.out }

// Cancel stops delivery. It is idempotent and takes effect before the
// next batch delivery; no partial batch is ever delivered.
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		close(s.stop)
	})
}

// start launches the dispatcher goroutine. Called exactly once, after
// the subscription is registered with its ledger.
func (s *Subscription) start() {
	s.wg.Add(1)
	go s.dispatch()
}

// enqueue hands a live batch to the subscription. Called by the ledger
// under its mutex, so batches arrive in sequence order. Entries the
// backlog replay already covered are trimmed off. Blocks when the
// buffer is full unless the subscription has been canceled.
func (s *Subscription) enqueue(entries []Entry) {
	for len(entries) > 0 && entries[0].Seq <= s.after {
		entries = entries[1:]
	}
	if len(entries) == 0 {
		return
	}

	select {
	case <-s.stop:
	case s.in <- entries:
	}
}

func (s *Subscription) dispatch() {
	defer s.wg.Done()
	defer close(s.out)
	defer s.unregister()
	// Close stop before unregistering: an appender blocked in enqueue
	// holds the ledger mutex that unregister needs.
	defer s.Cancel()

	if len(s.pending) > 0 {
		if !s.deliver(s.pending) {
			return
		}
		s.pending = nil
	}

	for {
		select {
		case <-s.stop:
			return
		case entries := <-s.in:
			if !s.deliver(entries) {
				return
			}
		}
	}
}

// deliver forwards one batch, honoring the end bound. Returns false when
// the subscription should stop.
func (s *Subscription) deliver(entries []Entry) bool {
	done := false
	if s.end != nil {
		cut := len(entries)
		for i, e := range entries {
			if e.Seq > *s.end {
				cut = i
				break
			}
			if e.Seq == *s.end {
				done = true
			}
		}
		entries = entries[:cut]
	}
	if len(entries) == 0 {
		return !done
	}

	select {
	case <-s.stop:
		return false
	case s.out <- entries:
	}
	return !done
}

func (s *Subscription) unregister() {
	s.log.mu.Lock()
	led, ok := s.log.ledgers[s.Collection]
	s.log.mu.Unlock()
	if ok {
		led.unregister(s.ID)
	}
}
