package epoch_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xtaci/messaging-relay/epoch"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRetiredPointerFreedAfterAllExit(t *testing.T) {
	mgr := epoch.NewManager(nil)
	writer := mgr.Join()
	reader := mgr.Join()

	reader.Enter()

	var freed atomic.Bool
	writer.Enter()
	writer.Retire(func() { freed.Store(true) })
	writer.Exit()

	require.False(t, freed.Load(), "must not free while reader is still in a protected section")

	reader.Exit()

	// Force a reclamation attempt: retire enough no-op entries to cross
	// the threshold, which is the only externally observable trigger.
	writer.Enter()
	for i := 0; i < epoch.ReclaimThreshold; i++ {
		writer.Retire(func() {})
	}
	writer.Exit()

	require.True(t, freed.Load())
}

func TestDrainFreesEverythingUnconditionally(t *testing.T) {
	mgr := epoch.NewManager(nil)
	p := mgr.Join()

	var count int32
	p.Enter()
	for i := 0; i < 5; i++ {
		p.Retire(func() { atomic.AddInt32(&count, 1) })
	}
	p.Exit()

	mgr.Drain()
	require.EqualValues(t, 5, count)
}

func TestConcurrentJoinRetireReclaim(t *testing.T) {
	mgr := epoch.NewManager(nil)

	const participants = 16
	const retiresEach = 200

	var freedCount atomic.Int64
	var wg sync.WaitGroup
	wg.Add(participants)

	for i := 0; i < participants; i++ {
		go func() {
			defer wg.Done()
			p := mgr.Join()
			for j := 0; j < retiresEach; j++ {
				p.Enter()
				p.Retire(func() { freedCount.Add(1) })
				p.Exit()
			}
		}()
	}

	wg.Wait()
	mgr.Drain()

	require.EqualValues(t, participants*retiresEach, freedCount.Load())
}
