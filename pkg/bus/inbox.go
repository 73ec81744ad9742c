package bus

import (
	"sync"

	"mas/pkg/proto"
)

// inbox is one agent's bounded priority queue. Critical messages sit in
// their own slice and always dequeue before Normal; within a class the
// order is FIFO. Waiters synchronize on broadcast channels that are
// closed and replaced on every push/pop, so a blocked producer or
// consumer re-checks under the lock after each change.
type inbox struct {
	agentID  string
	capacity int

	mu       sync.Mutex
	critical []*proto.Message
	normal   []*proto.Message
	// stopping refuses new pushes while the drain empties the queue.
	stopping bool
	closed   bool
	notEmpty chan struct{}
	notFull  chan struct{}
}

func newInbox(agentID string, capacity int) *inbox {
	return &inbox{
		agentID:  agentID,
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

func (in *inbox) depth() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.critical) + len(in.normal)
}

// tryPush appends msg to its priority class. When the inbox is full it
// returns the channel to wait on before retrying; when the inbox no
// longer accepts messages it returns an error.
func (in *inbox) tryPush(msg *proto.Message) (bool, <-chan struct{}, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed || in.stopping {
		return false, nil, proto.Errorf(proto.ErrNoSuchRecipient, "agent %s is not accepting messages", in.agentID)
	}
	if len(in.critical)+len(in.normal) >= in.capacity {
		return false, in.notFull, nil
	}
	if msg.Priority == proto.PriorityCritical {
		in.critical = append(in.critical, msg)
	} else {
		in.normal = append(in.normal, msg)
	}
	close(in.notEmpty)
	in.notEmpty = make(chan struct{})
	return true, nil, nil
}

// tryPop removes the head message, Critical first. A nil message with a
// nil channel means the inbox is closed and empty.
func (in *inbox) tryPop() (*proto.Message, <-chan struct{}) {
	in.mu.Lock()
	defer in.mu.Unlock()
	var msg *proto.Message
	switch {
	case len(in.critical) > 0:
		msg = in.critical[0]
		in.critical = in.critical[1:]
	case len(in.normal) > 0:
		msg = in.normal[0]
		in.normal = in.normal[1:]
	case in.closed:
		return nil, nil
	default:
		return nil, in.notEmpty
	}
	close(in.notFull)
	in.notFull = make(chan struct{})
	return msg, nil
}

// reopen clears the stopping gate and adopts the new capacity so the
// inbox accepts pushes again; queued messages survive. A closed inbox
// cannot reopen.
func (in *inbox) reopen(capacity int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.stopping = false
	in.capacity = capacity
	return true
}

// markStopping flips the push gate; queued messages stay drainable.
func (in *inbox) markStopping() {
	in.mu.Lock()
	in.stopping = true
	in.mu.Unlock()
}

// drain removes and returns everything queued, Critical first.
func (in *inbox) drain() []*proto.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*proto.Message, 0, len(in.critical)+len(in.normal))
	out = append(out, in.critical...)
	out = append(out, in.normal...)
	in.critical = nil
	in.normal = nil
	close(in.notFull)
	in.notFull = make(chan struct{})
	return out
}

// close wakes every waiter; pending messages remain for drain.
func (in *inbox) close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	in.closed = true
	close(in.notEmpty)
	in.notEmpty = make(chan struct{})
	close(in.notFull)
	in.notFull = make(chan struct{})
}

func (in *inbox) isClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}
