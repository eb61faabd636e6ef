package threadsafe

import "sync"

// Stack is a thread-safe LIFO stack.
type Stack[T any] struct {
	items []T
	mu    sync.Mutex
}

// NewStack creates a new thread-safe stack.
func NewStack[T any]() *Stack[T] {
	return &Stack[T]{items: make([]T, 0)}
}

// Push places an item on top of the stack.
func (s *Stack[T]) Push(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append(s.items, item)
}

// Pop removes and returns the top item.
func (s *Stack[T]) Pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if len(s.items) == 0 {
		return zero, false
	}

	item := s.items[len(s.items)-1]
	s.items = s.items[:len(s.items)-1]
	return item, true
}

// Remove deletes the first item (from the top down) for which fn returns true.
// It reports whether an item was removed.
func (s *Stack[T]) Remove(fn func(T) bool) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	for i := len(s.items) - 1; i >= 0; i-- {
		if fn(s.items[i]) {
			item := s.items[i]
			s.items = append(s.items[:i], s.items[i+1:]...)
			return item, true
		}
	}

	return zero, false
}

// Find returns the first item (from the top down) for which fn returns true.
func (s *Stack[T]) Find(fn func(T) bool) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	for i := len(s.items) - 1; i >= 0; i-- {
		if fn(s.items[i]) {
			return s.items[i], true
		}
	}

	return zero, false
}

// Len returns the number of items on the stack.
func (s *Stack[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}

// Items returns a copy of the stack contents, bottom first.
func (s *Stack[T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]T, len(s.items))
	copy(items, s.items)
	return items
}
