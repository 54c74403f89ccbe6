// Package unboundedchan provides a channel-fronted queue with no capacity
// limit, for decoupling a producer that must never block (a device reader)
// from a consumer with variable latency (a disk writer).
package unboundedchan

// UnboundedChannel accepts values on In without ever blocking the sender and
// delivers them on Out in order. Memory use grows with the backlog; use it
// only where the consumer is expected to keep up on average.
type UnboundedChannel[T any] struct {
	in  chan T
	out chan T
}

// New creates an UnboundedChannel and starts its forwarding goroutine.
// Closing In drains the backlog to Out and then closes Out.
func New[T any]() *UnboundedChannel[T] {
	uc := &UnboundedChannel[T]{
		in:  make(chan T),
		out: make(chan T),
	}
	go uc.forward()
	return uc
}

func (uc *UnboundedChannel[T]) forward() {
	var backlog []T
	for {
		// With nothing queued we can only wait for input.
		if len(backlog) == 0 {
			v, ok := <-uc.in
			if !ok {
				close(uc.out)
				return
			}
			backlog = append(backlog, v)
			continue
		}
		select {
		case uc.out <- backlog[0]:
			backlog = backlog[1:]
		case v, ok := <-uc.in:
			if !ok {
				for _, item := range backlog {
					uc.out <- item
				}
				close(uc.out)
				return
			}
			backlog = append(backlog, v)
		}
	}
}

// In returns the send side.
func (uc *UnboundedChannel[T]) In() chan<- T { return uc.in }

// Out returns the receive side.
func (uc *UnboundedChannel[T]) Out() <-chan T { return uc.out }
