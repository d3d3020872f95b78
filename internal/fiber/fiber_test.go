package fiber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoop_DispatchRunsSynchronously(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(ctx, 4)
	defer l.Stop()

	var out int
	l.Dispatch(ctx, func(ctx context.Context) { out = 42 })
	assert.Equal(t, 42, out)
}

func TestLoop_PostIsSerializedFIFO(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoop(ctx, 8)
	defer l.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	l.Dispatch(ctx, func(ctx context.Context) {})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestWhenAny_DeliversInArrivalOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan Result[string], 1)
	b := make(chan Result[string], 1)

	go func() {
		time.Sleep(5 * time.Millisecond)
		a <- Result[string]{Index: 0, Value: "slow"}
	}()
	go func() {
		b <- Result[string]{Index: 1, Value: "fast"}
	}()

	var got []string
	WhenAny(ctx, []<-chan Result[string]{a, b}, func(r Result[string]) bool {
		got = append(got, r.Value)
		return false
	})

	assert.Equal(t, []string{"fast", "slow"}, got)
}

func TestWhenAny_StopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := make(chan Result[int], 1)
	b := make(chan Result[int], 1)
	a <- Result[int]{Index: 0, Value: 1}
	b <- Result[int]{Index: 1, Value: 2}

	var count int
	WhenAny(ctx, []<-chan Result[int]{a, b}, func(r Result[int]) bool {
		count++
		return true
	})
	assert.Equal(t, 1, count)
}
