package observable

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C():
		require.True(t, ok, "subscription channel MUST be open")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestValue_SubscribeReplaysCurrent(t *testing.T) {
	v := NewValue(7)
	sub := v.Subscribe()
	defer sub.Close()

	assert.Equal(t, 7, receive(t, sub), "new subscriber MUST receive the current value")
}

func TestValue_SetDeliversLatest(t *testing.T) {
	v := NewValue("a")
	sub := v.Subscribe()
	defer sub.Close()

	assert.Equal(t, "a", receive(t, sub))

	v.Set("b")
	v.Set("c")

	assert.Equal(t, "c", receive(t, sub), "slow subscriber MUST observe the latest value")
	assert.Equal(t, "c", v.Get())
}

func TestValue_ComparableSkipsEqual(t *testing.T) {
	v := NewComparable(false)
	sub := v.Subscribe()
	defer sub.Close()
	receive(t, sub)

	v.Set(false)
	_, ok := sub.ring.TryReceive()
	assert.False(t, ok, "setting an equal value MUST NOT notify")

	v.Set(true)
	assert.True(t, receive(t, sub))
}

func TestValue_Update(t *testing.T) {
	v := NewValue(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Update(func(n int) int { return n + 1 })
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, v.Get(), "concurrent updates MUST NOT be lost")
}

func TestValue_CloseSubscription(t *testing.T) {
	v := NewValue(1)
	sub := v.Subscribe()
	receive(t, sub)

	sub.Close()
	sub.Close()

	_, ok := <-sub.C()
	assert.False(t, ok, "closed subscription channel MUST be closed")

	v.Set(2)
	assert.Equal(t, 2, v.Get())
}

func TestValue_CloseAll(t *testing.T) {
	v := NewValue(1)
	s1 := v.Subscribe()
	s2 := v.Subscribe()
	v.Close()

	for _, s := range []*Subscription[int]{s1, s2} {
		receive(t, s)
		_, ok := <-s.C()
		assert.False(t, ok)
	}

	late := v.Subscribe()
	_, ok := <-late.C()
	assert.False(t, ok, "subscribing to a closed cell MUST yield a closed channel")
}

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := NewRingChannel[int](3)
	for i := 0; i < 10; i++ {
		rc.Send(i)
	}

	assert.Equal(t, 3, rc.Len())
	assert.EqualValues(t, 10, rc.Written())
	assert.EqualValues(t, 7, rc.Overwritten())

	var got []int
	for i := 0; i < 3; i++ {
		v, ok := rc.TryReceive()
		require.True(t, ok)
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got)

	rc.Close()
	rc.Close()
	assert.False(t, rc.Send(1), "send after close MUST be a no-op")
}
