// Package event provides LIFO handler stacks with forward/drop semantics.
//
// Handlers are called newest first. A handler returning Drop consumes the
// event and no older handler sees it. An empty stack forwards.
package event

// Action tells the dispatcher what to do with an event.
type Action int

const (
	// Forward passes the event on: to the next handler, and finally back
	// to the traced program.
	Forward Action = iota
	// Drop consumes the event.
	Drop
)

func (a Action) String() string {
	switch a {
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	}
	return "unknown"
}

// Cookied is implemented by events that carry the cookie of the handler
// currently looking at them.
type Cookied interface {
	SetCookie(cookie any)
}

// Func handles one event.
type Func[E Cookied] func(ev E) Action

// Handler is a registration returned by Push.
type Handler[E Cookied] struct {
	fn     Func[E]
	cookie any

	stack      *Stack[E]
	prev, next *Handler[E]
}

// Cookie returns the value passed to Push.
func (h *Handler[E]) Cookie() any { return h.cookie }

// Destroy unregisters h. It is safe to call from inside a handler and to
// call more than once.
func (h *Handler[E]) Destroy() {
	s := h.stack
	if s == nil {
		return
	}
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		s.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.prev, h.next, h.stack = nil, nil, nil
	s.n--
}

// Stack is a handler stack. The zero value is empty and ready to use.
type Stack[E Cookied] struct {
	head *Handler[E]
	n    int
}

// Push registers fn on top of the stack.
func (s *Stack[E]) Push(fn Func[E], cookie any) *Handler[E] {
	h := &Handler[E]{fn: fn, cookie: cookie, stack: s, next: s.head}
	if s.head != nil {
		s.head.prev = h
	}
	s.head = h
	s.n++
	return h
}

func (s *Stack[E]) Len() int { return s.n }

// Clear unregisters every handler.
func (s *Stack[E]) Clear() {
	for s.head != nil {
		s.head.Destroy()
	}
}

// Call runs the handlers newest first until one drops the event. Handlers
// pushed during the call are not run for this event; handlers destroyed
// during the call are skipped.
func (s *Stack[E]) Call(ev E) Action {
	if s.head == nil {
		return Forward
	}
	hs := make([]*Handler[E], 0, s.n)
	for h := s.head; h != nil; h = h.next {
		hs = append(hs, h)
	}
	for _, h := range hs {
		if h.stack != s {
			continue
		}
		ev.SetCookie(h.cookie)
		if h.fn(ev) == Drop {
			return Drop
		}
	}
	return Forward
}
