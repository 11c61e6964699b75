package stage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
}

type recState struct {
	name string
	rec  *recorder
}

func (s *recState) Enter(host *recorder, n Notification, arg any) {
	s.rec.events = append(s.rec.events, s.name+":"+n.String())
}

func TestPushJoinsAndSuspendsPrevious(t *testing.T) {
	rec := &recorder{}
	st := New(rec)
	a := &recState{name: "A", rec: rec}
	b := &recState{name: "B", rec: rec}

	st.Push(a)
	st.Push(b)

	require.Equal(t, []string{"A:Join", "A:Suspend", "B:Join"}, rec.events)
	require.Equal(t, State[*recorder](b), st.Top())
}

func TestPopLeavesAndResumesUnderlying(t *testing.T) {
	rec := &recorder{}
	st := New(rec)
	a := &recState{name: "A", rec: rec}
	b := &recState{name: "B", rec: rec}
	st.Push(a)
	st.Push(b)
	rec.events = nil

	st.Pop(1)

	require.Equal(t, []string{"B:Leave", "A:Resume"}, rec.events)
	require.Equal(t, State[*recorder](a), st.Top())
}

func TestTriggerHitsOnlyTop(t *testing.T) {
	rec := &recorder{}
	st := New(rec)
	a := &recState{name: "A", rec: rec}
	b := &recState{name: "B", rec: rec}
	st.Push(a)
	st.Push(b)
	rec.events = nil

	st.Trigger("payload")

	require.Equal(t, []string{"B:Trigger"}, rec.events)
}

func TestPopAndPushIsSingleStep(t *testing.T) {
	rec := &recorder{}
	st := New(rec)
	a := &recState{name: "A", rec: rec}
	b := &recState{name: "B", rec: rec}
	c := &recState{name: "C", rec: rec}
	st.Push(a)
	st.Push(b)
	rec.events = nil

	st.PopAndPush(c, 1)

	require.Equal(t, []string{"B:Leave", "A:Suspend", "C:Join"}, rec.events)
}

func TestPushPanicsBeyondMaxDepth(t *testing.T) {
	rec := &recorder{}
	st := New(rec)
	for i := 0; i < MaxDepth; i++ {
		st.Push(&recState{name: "S", rec: rec})
	}
	require.Panics(t, func() {
		st.Push(&recState{name: "overflow", rec: rec})
	})
}
