package lifecycle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/messaging-relay/lifecycle"
)

func TestStopIsIdempotentAndClosesDone(t *testing.T) {
	c := lifecycle.New(nil)
	require.False(t, c.Stopping())

	c.Stop()
	c.Stop()

	require.True(t, c.Stopping())
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel never closed")
	}
}

func TestShutdownClosesComponentsInReverseOrder(t *testing.T) {
	c := lifecycle.New(nil)

	var order []string
	c.Register("first", func() error { order = append(order, "first"); return nil })
	c.Register("second", func() error { order = append(order, "second"); return nil })

	require.NoError(t, c.Shutdown())
	require.Equal(t, []string{"second", "first"}, order)
	require.True(t, c.Stopping())
}

func TestShutdownAggregatesErrors(t *testing.T) {
	c := lifecycle.New(nil)

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	c.Register("a", func() error { return errA })
	c.Register("b", func() error { return errB })

	err := c.Shutdown()
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}
