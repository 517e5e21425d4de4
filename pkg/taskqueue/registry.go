package taskqueue

import (
	"fmt"
	"sort"
	"sync"
)

// handlerRegistry maps handler names and task types to handler instances.
// Task type claims are globally unique: a type belongs to exactly one
// handler, so submission routing is unambiguous.
type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
	byType   map[string]string // task type -> handler name
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		handlers: make(map[string]TaskHandler),
		byType:   make(map[string]string),
	}
}

// register adds a handler, rejecting duplicate names and already-claimed
// task types. No state is mutated on failure.
func (r *handlerRegistry) register(handler TaskHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	name := handler.Name()
	if name == "" {
		return fmt.Errorf("handler name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}
	for _, taskType := range handler.SupportedTaskTypes() {
		if owner, claimed := r.byType[taskType]; claimed {
			return fmt.Errorf("%w: %q claimed by %s", ErrTaskTypeClaimed, taskType, owner)
		}
	}

	r.handlers[name] = handler
	for _, taskType := range handler.SupportedTaskTypes() {
		r.byType[taskType] = name
	}
	return nil
}

// unregister removes a handler and releases its task type claims
func (r *handlerRegistry) unregister(name string) (TaskHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handler, exists := r.handlers[name]
	if !exists {
		return nil, false
	}

	delete(r.handlers, name)
	for taskType, owner := range r.byType {
		if owner == name {
			delete(r.byType, taskType)
		}
	}
	return handler, true
}

// resolve returns the handler claiming the given task type
func (r *handlerRegistry) resolve(taskType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byType[taskType]
	if !ok {
		return nil, false
	}
	handler, ok := r.handlers[name]
	return handler, ok
}

// list returns all registered handlers
func (r *handlerRegistry) list() []TaskHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handlers := make([]TaskHandler, 0, len(r.handlers))
	for _, handler := range r.handlers {
		handlers = append(handlers, handler)
	}
	return handlers
}

// names returns the registered handler names, sorted
func (r *handlerRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
