package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imagevault/imagevault/internal/scheduler"
)

func TestSchedulerFiresInOrder(t *testing.T) {
	ch := make(chan string, 10)

	var mu sync.Mutex

	baseTime := time.Now()
	times := map[string]time.Time{
		"it1": baseTime.Add(30 * time.Millisecond),
		"it2": baseTime.Add(80 * time.Millisecond),
	}

	getItems := func(_ context.Context, now time.Time) []scheduler.Item {
		mu.Lock()
		defer mu.Unlock()

		items := make([]scheduler.Item, 0, len(times))

		for name, next := range times {
			name := name
			items = append(items, scheduler.Item{
				Description: name,
				NextTime:    next,
				Trigger: func() {
					ch <- name

					mu.Lock()
					times[name] = now.Add(24 * time.Hour)
					mu.Unlock()
				},
			})
		}

		return items
	}

	s := scheduler.Start(context.Background(), getItems, scheduler.Options{})
	defer s.Stop()

	require.Equal(t, "it1", <-ch)
	require.Equal(t, "it2", <-ch)

	select {
	case v := <-ch:
		t.Fatalf("unexpected extra trigger: %v", v)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSchedulerRefreshChannel(t *testing.T) {
	var cnt atomic.Int32

	refresh := make(chan string, 1)

	getItems := func(_ context.Context, now time.Time) []scheduler.Item {
		return []scheduler.Item{{
			Description: "far",
			NextTime:    now.Add(time.Hour),
			Trigger: func() {
				cnt.Add(1)
			},
		}}
	}

	s := scheduler.Start(context.Background(), getItems, scheduler.Options{
		RefreshChannel: refresh,
	})
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, cnt.Load())

	refresh <- "poke"
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, cnt.Load(), "item is still an hour out, refresh must not fire it early")
}

func TestTriggerNames(t *testing.T) {
	require.Equal(t, "no triggers", scheduler.TriggerNames(nil))

	require.Equal(t, "single", scheduler.TriggerNames([]scheduler.Item{
		{Description: "single"},
	}))

	require.Equal(t, "2 triggers: first, second", scheduler.TriggerNames([]scheduler.Item{
		{Description: "first"},
		{Description: "second"},
	}))

	require.Equal(t, "6 triggers: a, b, c, d, e [...]", scheduler.TriggerNames([]scheduler.Item{
		{Description: "a"},
		{Description: "b"},
		{Description: "c"},
		{Description: "d"},
		{Description: "e"},
		{Description: "f"},
	}))
}
