package signaling

import "sync"

// mailbox delivers values to a subscriber callback on its own goroutine, in
// push order, without ever blocking the producer.
type mailbox[T any] struct {
	mu    sync.Mutex
	items []T

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newMailbox[T any](fn func(T)) *mailbox[T] {
	m := &mailbox[T]{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run(fn)
	return m
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) run(fn func(T)) {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}
		for {
			m.mu.Lock()
			if len(m.items) == 0 {
				m.mu.Unlock()
				break
			}
			v := m.items[0]
			m.items = m.items[1:]
			m.mu.Unlock()

			select {
			case <-m.done:
				return
			default:
			}
			fn(v)
		}
	}
}

func (m *mailbox[T]) close() {
	m.closeOnce.Do(func() { close(m.done) })
}
