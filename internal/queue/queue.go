// Package queue provides the FIFO queues used by the reactor: the global
// dispatch queue and the per-session pending queues.
package queue

// Queue defines the interface for a FIFO queue.
//
// Implementations are not goroutine-safe; they are owned by the reactor loop.
type Queue[T any] interface {
	// Enqueue adds an item to the tail of the queue.
	Enqueue(item T)
	// Dequeue removes and returns the item at the head of the queue.
	// ok is false if the queue is empty.
	Dequeue() (item T, ok bool)
	// Peek returns the item at the head of the queue without removing it.
	// ok is false if the queue is empty.
	Peek() (item T, ok bool)
	// Reset to an empty queue
	Reset()
	// IsEmpty returns true if the queue is empty, false otherwise.
	IsEmpty() bool
	// Length returns the number of items in the queue.
	Length() int
}
