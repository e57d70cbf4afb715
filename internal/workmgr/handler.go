package workmgr

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/SirClappington/workq/internal/domain"
)

// Handler processes one work item. A non-nil returned item is enqueued at
// the tail of the same queue in the same transaction as the dequeue.
// Handlers that implement io.Closer are closed when their scope ends.
type Handler interface {
	HandleWorkItem(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error)

func (f HandlerFunc) HandleWorkItem(ctx context.Context, item domain.WorkItem) (domain.WorkItem, error) {
	return f(ctx, item)
}

// HandlerFactory builds a handler. queue is empty for Singleton scope.
type HandlerFactory func(queue string) Handler

// handlerSet hands out handlers according to the configured scope.
type handlerSet struct {
	factory HandlerFactory

	mu        sync.Mutex
	mode      domain.HandlerMode
	singleton Handler
	perQueue  map[string]Handler
}

func newHandlerSet(factory HandlerFactory, mode domain.HandlerMode) *handlerSet {
	return &handlerSet{factory: factory, mode: mode, perQueue: make(map[string]Handler)}
}

func (s *handlerSet) setMode(mode domain.HandlerMode) {
	s.mu.Lock()
	s.mode = mode
	s.mu.Unlock()
}

func (s *handlerSet) getMode() domain.HandlerMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// acquire returns the handler for queue. owned is true for PerWorkItem
// handlers, which the caller disposes after the item.
func (s *handlerSet) acquire(queue string) (h Handler, owned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.mode {
	case domain.PerQueue:
		h, ok := s.perQueue[queue]
		if !ok {
			h = s.factory(queue)
			s.perQueue[queue] = h
		}
		return h, false
	case domain.PerWorkItem:
		return s.factory(queue), true
	default:
		if s.singleton == nil {
			s.singleton = s.factory("")
		}
		return s.singleton, false
	}
}

// drop forgets the handler cached for queue and returns it.
func (s *handlerSet) drop(queue string) Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.perQueue[queue]
	delete(s.perQueue, queue)
	return h
}

// reset forgets every cached handler and returns them.
func (s *handlerSet) reset() []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Handler
	if s.singleton != nil {
		out = append(out, s.singleton)
		s.singleton = nil
	}
	for q, h := range s.perQueue {
		out = append(out, h)
		delete(s.perQueue, q)
	}
	return out
}

// cachedCount is the number of live cached handlers.
func (s *handlerSet) cachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.perQueue)
	if s.singleton != nil {
		n++
	}
	return n
}

func disposeHandler(h Handler) error {
	if c, ok := h.(io.Closer); ok {
		return errors.Wrap(c.Close(), "close handler")
	}
	return nil
}

// callHandler runs h and turns a panic into an error.
func callHandler(ctx context.Context, h Handler, item domain.WorkItem) (next domain.WorkItem, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return h.HandleWorkItem(ctx, item)
}
