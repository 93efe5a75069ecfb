package sinklog_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/messaging-relay/sinklog"
	"github.com/xtaci/messaging-relay/wire"
)

func TestWriteRecordFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.log")
	s, err := sinklog.Open(path)
	require.NoError(t, err)

	require.NoError(t, s.WriteRecord(wire.Record{MessageSize: wire.Size, MessageType: 10, ID: 42, Data: 99}))
	require.NoError(t, s.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "Size: 19 Type: 10 ID: 42 Data: 99\n", string(content))
}

func TestConcurrentWritesNeverInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sink.log")
	s, err := sinklog.Open(path)
	require.NoError(t, err)

	const n = 500
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_ = s.WriteRecord(wire.Record{MessageSize: wire.Size, MessageType: 10, ID: uint64(i), Data: uint64(i)})
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range content {
		if b == '\n' {
			lines++
		}
	}
	require.Equal(t, n, lines)
}
