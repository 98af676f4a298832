package wait

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/idroz/portod/internal/container"
)

func TestNotifyResolvesMatchingRegistration(t *testing.T) {
	r := New()
	_, done := r.Register([]string{"a"}, nil, time.Time{})
	r.Notify("a", container.Running)

	select {
	case res := <-done:
		assert.Equal(t, "a", res.Path)
		assert.Equal(t, container.Running, res.State)
		assert.False(t, res.TimedOut)
	default:
		t.Fatal("expected registration to resolve")
	}
	assert.Equal(t, 0, r.Len())
}

func TestNotifyHonorsPredicate(t *testing.T) {
	r := New()
	onlyDead := func(s container.State) bool { return s == container.Dead }
	_, done := r.Register([]string{"a"}, onlyDead, time.Time{})

	r.Notify("a", container.Running)
	select {
	case <-done:
		t.Fatal("predicate should not have matched running")
	default:
	}

	r.Notify("a", container.Dead)
	select {
	case res := <-done:
		assert.Equal(t, container.Dead, res.State)
	default:
		t.Fatal("expected registration to resolve on dead")
	}
}

func TestFirstMatchWinsOnlyResolvesOnce(t *testing.T) {
	r := New()
	_, done := r.Register([]string{"a"}, nil, time.Time{})
	r.Notify("a", container.Running)
	r.Notify("a", container.Dead)
	assert.Len(t, done, 1)
}

func TestCancelDropsRegistrationWithoutResolving(t *testing.T) {
	r := New()
	id, done := r.Register([]string{"a"}, nil, time.Time{})
	r.Cancel(id)
	r.Notify("a", container.Running)
	select {
	case <-done:
		t.Fatal("cancelled registration must not resolve")
	default:
	}
	assert.Equal(t, 0, r.Len())
}

func TestExpireDueFiresTimedOut(t *testing.T) {
	r := New()
	_, done := r.Register([]string{"a"}, nil, time.Now().Add(-time.Second))
	r.ExpireDue(time.Now())
	select {
	case res := <-done:
		require.True(t, res.TimedOut)
	default:
		t.Fatal("expected expiry to resolve the registration")
	}
}

func TestExpireDueSkipsZeroDeadline(t *testing.T) {
	r := New()
	r.Register([]string{"a"}, nil, time.Time{})
	r.ExpireDue(time.Now().Add(time.Hour))
	assert.Equal(t, 1, r.Len())
}

func TestRegistrationOnMultiplePathsResolvesOnFirst(t *testing.T) {
	r := New()
	_, done := r.Register([]string{"a", "b"}, nil, time.Time{})
	r.Notify("b", container.Dead)
	select {
	case res := <-done:
		assert.Equal(t, "b", res.Path)
	default:
		t.Fatal("expected resolution from either watched path")
	}
	r.Notify("a", container.Dead)
	assert.Equal(t, 0, r.Len())
}
