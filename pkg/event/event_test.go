package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	cookie any
	seen   []string
}

func (e *testEvent) SetCookie(c any) { e.cookie = c }

func record(name string, act Action) Func[*testEvent] {
	return func(ev *testEvent) Action {
		ev.seen = append(ev.seen, name+":"+ev.cookie.(string))
		return act
	}
}

func TestCallOrder(t *testing.T) {
	tests := []struct {
		name   string
		push   []Action
		want   []string
		result Action
	}{
		{"empty forwards", nil, nil, Forward},
		{"all forward", []Action{Forward, Forward, Forward}, []string{"h2:c2", "h1:c1", "h0:c0"}, Forward},
		{"newest drops", []Action{Forward, Drop}, []string{"h1:c1"}, Drop},
		{"middle drops", []Action{Forward, Drop, Forward}, []string{"h2:c2", "h1:c1"}, Drop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Stack[*testEvent]
			for i, act := range tt.push {
				s.Push(record(name(i), act), "c"+string(rune('0'+i)))
			}
			ev := &testEvent{}
			assert.Equal(t, tt.result, s.Call(ev))
			assert.Equal(t, tt.want, ev.seen)
		})
	}
}

func name(i int) string { return "h" + string(rune('0'+i)) }

func TestDestroy(t *testing.T) {
	var s Stack[*testEvent]
	h0 := s.Push(record("a", Forward), "x")
	h1 := s.Push(record("b", Forward), "y")
	h2 := s.Push(record("c", Forward), "z")
	require.Equal(t, 3, s.Len())

	h1.Destroy()
	h1.Destroy()
	ev := &testEvent{}
	s.Call(ev)
	assert.Equal(t, []string{"c:z", "a:x"}, ev.seen)

	h2.Destroy()
	h0.Destroy()
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, Forward, s.Call(&testEvent{}))
}

func TestDestroyDuringCall(t *testing.T) {
	var s Stack[*testEvent]
	var older, self *Handler[*testEvent]
	older = s.Push(record("older", Forward), "o")
	self = s.Push(func(ev *testEvent) Action {
		ev.seen = append(ev.seen, "self")
		self.Destroy()
		older.Destroy()
		return Forward
	}, nil)

	ev := &testEvent{}
	assert.Equal(t, Forward, s.Call(ev))
	assert.Equal(t, []string{"self"}, ev.seen)
	assert.Equal(t, 0, s.Len())
}

func TestClear(t *testing.T) {
	var s Stack[*testEvent]
	h := s.Push(record("a", Drop), "x")
	s.Push(record("b", Drop), "y")
	s.Clear()
	assert.Equal(t, 0, s.Len())
	h.Destroy()
	assert.Equal(t, Forward, s.Call(&testEvent{}))
}
