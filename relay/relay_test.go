package relay_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/messaging-relay/relay"
	"github.com/xtaci/messaging-relay/sinklog"
	"github.com/xtaci/messaging-relay/wire"
)

func TestServerLogsForwardedRecordsAndDrainsConnections(t *testing.T) {
	sinkPath := filepath.Join(t.TempDir(), "tcp.log")
	sink, err := sinklog.Open(sinkPath)
	require.NoError(t, err)

	srv, err := relay.NewServer("127.0.0.1:0", relay.Options{Workers: 2, Capacity: 1024, Sink: sink})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)

	forwarded := wire.Record{MessageSize: wire.Size, MessageType: 1, ID: 1, Data: wire.Forwarded}
	notForwarded := wire.Record{MessageSize: wire.Size, MessageType: 1, ID: 2, Data: 3}
	require.NoError(t, wire.Send(conn, forwarded))
	require.NoError(t, wire.Send(conn, notForwarded))

	require.Eventually(t, func() bool {
		content, err := os.ReadFile(sinkPath)
		return err == nil && len(content) > 0
	}, time.Second, 5*time.Millisecond)

	content, err := os.ReadFile(sinkPath)
	require.NoError(t, err)
	require.Equal(t, "Size: 19 Type: 1 ID: 1 Data: 10\n", string(content))

	conn.Close()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.NoError(t, sink.Close())
}

