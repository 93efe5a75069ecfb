package ingest_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/messaging-relay/dedup"
	"github.com/xtaci/messaging-relay/ingest"
	"github.com/xtaci/messaging-relay/lifecycle"
	"github.com/xtaci/messaging-relay/wire"
)

type stubForwarder struct {
	mu  sync.Mutex
	got []wire.Record
}

func (f *stubForwarder) Forward(rec wire.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, rec)
	return nil
}

func (f *stubForwarder) records() []wire.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Record(nil), f.got...)
}

func TestReceiverInsertsAndForwardsMarkedRecords(t *testing.T) {
	idx := dedup.NewBlockingIndex(16, nil)
	acc := idx.NewAccessor()
	fwd := &stubForwarder{}
	lc := lifecycle.New(nil)

	recv, err := ingest.NewReceiver("127.0.0.1:0", ingest.Options{
		Index:     acc,
		Forwarder: fwd,
		Lifecycle: lc,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- recv.Run() }()

	conn, err := net.Dial("udp", recv.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	notForwarded := wire.Record{MessageSize: wire.Size, MessageType: 1, ID: 1, Data: 5}
	forwarded := wire.Record{MessageSize: wire.Size, MessageType: 1, ID: 2, Data: wire.Forwarded}

	require.NoError(t, wire.Send(conn, notForwarded))
	require.NoError(t, wire.Send(conn, forwarded))

	require.Eventually(t, func() bool {
		_, ok1 := acc.Find(1)
		_, ok2 := acc.Find(2)
		return ok1 && ok2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(fwd.records()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, forwarded, fwd.records()[0])

	lc.Stop()
	require.NoError(t, recv.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestReceiverDropsMalformedDatagram(t *testing.T) {
	idx := dedup.NewBlockingIndex(16, nil)
	acc := idx.NewAccessor()
	lc := lifecycle.New(nil)

	recv, err := ingest.NewReceiver("127.0.0.1:0", ingest.Options{Index: acc, Lifecycle: lc})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- recv.Run() }()

	conn, err := net.Dial("udp", recv.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("short"))
	require.NoError(t, err)

	good := wire.Record{MessageSize: wire.Size, MessageType: 1, ID: 99, Data: 1}
	require.NoError(t, wire.Send(conn, good))

	require.Eventually(t, func() bool {
		_, ok := acc.Find(99)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, idx.Size())

	lc.Stop()
	require.NoError(t, recv.Close())
	<-done
}
