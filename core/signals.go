package core

import "github.com/web3guy0/tradeguard/types"

// SignalQueue is a channel-backed SignalSource. External collaborators
// (strategy process, chat commands) push intents; the tick loop drains
// at most one per tick.
type SignalQueue struct {
	ch chan types.Signal
}

// NewSignalQueue creates a queue with the given buffer.
func NewSignalQueue(buffer int) *SignalQueue {
	if buffer < 1 {
		buffer = 16
	}
	return &SignalQueue{ch: make(chan types.Signal, buffer)}
}

// Push enqueues a signal, reporting false when the buffer is full.
// A full queue means the loop is behind; dropping beats blocking the
// producer.
func (q *SignalQueue) Push(signal types.Signal) bool {
	select {
	case q.ch <- signal:
		return true
	default:
		return false
	}
}

// Next pops the next signal without blocking; nil when idle.
func (q *SignalQueue) Next() *types.Signal {
	select {
	case signal := <-q.ch:
		return &signal
	default:
		return nil
	}
}
