package coordinator

import (
	"github.com/srg/hrlink/internal/ringchan"
)

// Subscription receives coordinator updates on a bounded channel.
// When the consumer falls behind, the oldest pending update is dropped.
type Subscription struct {
	id    uint64
	ring  *ringchan.RingChannel[Update]
	owner *Coordinator
}

// C returns the update channel; it is closed by Close or coordinator shutdown.
func (s *Subscription) C() <-chan Update {
	return s.ring.C()
}

// Dropped returns how many updates were overwritten before being read
func (s *Subscription) Dropped() int64 {
	return s.ring.GetMetrics().Overwritten
}

// Close detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.owner.unsubscribe(s.id)
	s.ring.Close()
}

func (s *Subscription) deliver(u Update) bool {
	return s.ring.Send(u)
}
