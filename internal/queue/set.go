package queue

import (
	"fmt"

	"github.com/1ureka/btcomms/internal/protocol"
)

// order is the fixed round-robin sequence of participants. The broadcast
// queue takes one turn like any single client.
var order = []protocol.Destination{
	protocol.Client(1),
	protocol.Client(2),
	protocol.Client(3),
	protocol.DestAll,
	protocol.DestHost,
}

// Set is the group of outbound queues owned by one session.
type Set struct {
	queues map[protocol.Destination]*Ring[protocol.Frame]
	cursor int
	held   bool // the broadcast turn came up blocked, clients wait for it
}

// NewSet creates one ring of the given capacity per destination.
func NewSet(capacity int) *Set {
	s := &Set{queues: make(map[protocol.Destination]*Ring[protocol.Frame], len(order))}
	for _, d := range order {
		s.queues[d] = NewRing[protocol.Frame](capacity)
	}
	return s
}

func (s *Set) ring(dest protocol.Destination) (*Ring[protocol.Frame], error) {
	if dest.IsBroadcast() {
		dest = protocol.DestAll
	}
	q, ok := s.queues[dest]
	if !ok {
		return nil, fmt.Errorf("no queue for destination %s", dest)
	}
	return q, nil
}

// Enqueue appends f to the queue of f.Dest.
func (s *Set) Enqueue(f protocol.Frame) error {
	q, err := s.ring(f.Dest)
	if err != nil {
		return err
	}
	return q.Push(f)
}

// Next pops the next frame in round-robin order among non-empty queues whose
// destination is ready. It returns false if nothing can be sent.
//
// A broadcast needs every client link at once. When its turn comes and it
// cannot go, the turn is held: client queues are skipped until the
// broadcast frame has been popped, so per-client traffic cannot keep the
// links busy forever.
func (s *Set) Next(ready func(protocol.Destination) bool) (protocol.Frame, bool) {
	all := s.queues[protocol.DestAll]
	if all.Len() == 0 {
		s.held = false
	}
	for i := range order {
		idx := (s.cursor + i) % len(order)
		dest := order[idx]
		q := s.queues[dest]
		if q.Len() == 0 || (s.held && dest.IsClient()) {
			continue
		}
		if !ready(dest) {
			if dest == protocol.DestAll {
				s.held = true
			}
			continue
		}
		f, _ := q.Pop()
		s.cursor = idx + 1
		if dest == protocol.DestAll {
			s.held = false
		}
		return f, true
	}
	return protocol.Frame{}, false
}

// Len returns the number of frames waiting for dest.
func (s *Set) Len(dest protocol.Destination) int {
	q, err := s.ring(dest)
	if err != nil {
		return 0
	}
	return q.Len()
}

// Pending returns the number of frames waiting in all queues.
func (s *Set) Pending() int {
	n := 0
	for _, q := range s.queues {
		n += q.Len()
	}
	return n
}

// Drop discards the frames waiting for dest.
func (s *Set) Drop(dest protocol.Destination) {
	if q, err := s.ring(dest); err == nil {
		q.Reset()
	}
}

// Reset discards every pending frame.
func (s *Set) Reset() {
	for _, q := range s.queues {
		q.Reset()
	}
	s.cursor = 0
	s.held = false
}
