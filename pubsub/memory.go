package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// genericListener is either a Listener or ListenerWithErr
type genericListener struct {
	l  Listener
	le ListenerWithErr
}

func (g genericListener) send(ctx context.Context, message []byte) {
	if g.l != nil {
		g.l(ctx, message)
	}
	if g.le != nil {
		g.le(ctx, message, nil)
	}
}

// MemoryPubsub is an in-process Pubsub. Publish delivers to every listener
// of the event concurrently and returns once all of them returned.
type MemoryPubsub struct {
	mut       sync.RWMutex
	closed    bool
	listeners map[string]map[uuid.UUID]genericListener
}

func NewInMemory() *MemoryPubsub {
	return &MemoryPubsub{
		listeners: make(map[string]map[uuid.UUID]genericListener),
	}
}

func (m *MemoryPubsub) Subscribe(event string, listener Listener) (cancel func(), err error) {
	return m.subscribeGeneric(event, genericListener{l: listener})
}

func (m *MemoryPubsub) SubscribeWithErr(event string, listener ListenerWithErr) (cancel func(), err error) {
	return m.subscribeGeneric(event, genericListener{le: listener})
}

func (m *MemoryPubsub) subscribeGeneric(event string, listener genericListener) (cancel func(), err error) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if m.closed {
		return nil, errClosed
	}

	listeners, ok := m.listeners[event]
	if !ok {
		listeners = map[uuid.UUID]genericListener{}
		m.listeners[event] = listeners
	}
	id := uuid.New()
	listeners[id] = listener
	return func() {
		m.mut.Lock()
		defer m.mut.Unlock()
		delete(m.listeners[event], id)
		if len(m.listeners[event]) == 0 {
			delete(m.listeners, event)
		}
	}, nil
}

func (m *MemoryPubsub) Publish(event string, message []byte) error {
	m.mut.RLock()
	defer m.mut.RUnlock()
	if m.closed {
		return errClosed
	}
	var wg sync.WaitGroup
	for _, listener := range m.listeners[event] {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listener.send(context.Background(), message)
		}()
	}
	wg.Wait()
	return nil
}

func (m *MemoryPubsub) Close() error {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.closed = true
	m.listeners = make(map[string]map[uuid.UUID]genericListener)
	return nil
}
