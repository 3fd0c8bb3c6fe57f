package mainthread_test

import (
	"sync"
	"testing"

	"github.com/Amund211/tilestream/internal/mainthread"
	"github.com/stretchr/testify/require"
)

func TestMailbox(t *testing.T) {
	t.Parallel()

	t.Run("runs posted functions in order on drain", func(t *testing.T) {
		t.Parallel()

		m := mainthread.NewMailbox()
		var order []int
		for i := range 5 {
			m.Post(func() { order = append(order, i) })
		}
		require.Empty(t, order)
		require.Equal(t, 5, m.Len())

		require.Equal(t, 5, m.Drain())
		require.Equal(t, []int{0, 1, 2, 3, 4}, order)
		require.Equal(t, 0, m.Drain())
	})

	t.Run("posts during drain run next time", func(t *testing.T) {
		t.Parallel()

		m := mainthread.NewMailbox()
		calls := 0
		m.Post(func() {
			calls++
			m.Post(func() { calls++ })
		})

		require.Equal(t, 1, m.Drain())
		require.Equal(t, 1, calls)
		require.Equal(t, 1, m.Drain())
		require.Equal(t, 2, calls)
	})

	t.Run("concurrent posts are all delivered", func(t *testing.T) {
		t.Parallel()

		m := mainthread.NewMailbox()
		var wg sync.WaitGroup
		for range 50 {
			wg.Go(func() {
				m.Post(func() {})
			})
		}
		wg.Wait()

		select {
		case <-m.Ready():
		default:
			require.Fail(t, "expected ready signal")
		}
		require.Equal(t, 50, m.Drain())
	})

	t.Run("posts after close are dropped", func(t *testing.T) {
		t.Parallel()

		m := mainthread.NewMailbox()
		m.Post(func() { require.Fail(t, "should not run") })
		m.Close()
		m.Post(func() { require.Fail(t, "should not run") })
		require.Equal(t, 0, m.Drain())
	})
}
