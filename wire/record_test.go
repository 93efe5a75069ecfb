package wire_test

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/xtaci/messaging-relay/wire"
)

func TestRoundTrip(t *testing.T) {
	records := []wire.Record{
		{MessageSize: wire.Size, MessageType: 1, ID: 1001, Data: 12345},
		{MessageSize: wire.Size, MessageType: 0, ID: 0, Data: 0},
		{MessageSize: wire.Size, MessageType: 255, ID: ^uint64(0), Data: ^uint64(0)},
	}

	for _, rec := range records {
		buf := rec.Encode()
		require.Len(t, buf, wire.Size)

		got, err := wire.Decode(buf[:])
		require.NoError(t, err)
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestEncodeLayoutIsBigEndian(t *testing.T) {
	rec := wire.Record{MessageSize: 19, MessageType: 1, ID: 0x0102030405060708, Data: 0}
	buf := rec.Encode()

	want := []byte{0x00, 0x13, 0x01, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	require.Equal(t, want, buf[:])
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := wire.Decode(make([]byte, wire.Size-1))
	require.Error(t, err)
}

type shortWriter struct {
	w       io.Writer
	perCall int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.perCall {
		p = p[:s.perCall]
	}
	return s.w.Write(p)
}

func TestSendRetriesShortWrites(t *testing.T) {
	var buf bytes.Buffer
	rec := wire.Record{MessageSize: 19, MessageType: 2, ID: 42, Data: 10}

	err := wire.Send(&shortWriter{w: &buf, perCall: 3}, rec)
	require.NoError(t, err)
	require.Equal(t, wire.Size, buf.Len())

	got, err := wire.Decode(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

type shortReader struct {
	r       io.Reader
	perCall int
}

func (s *shortReader) Read(p []byte) (int, error) {
	if len(p) > s.perCall {
		p = p[:s.perCall]
	}
	return s.r.Read(p)
}

func TestReceiveRetriesShortReads(t *testing.T) {
	rec := wire.Record{MessageSize: 19, MessageType: 3, ID: 7, Data: 10}
	buf := rec.Encode()

	got, err := wire.Receive(&shortReader{r: bufio.NewReader(bytes.NewReader(buf[:])), perCall: 4})
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestReceiveFailsOnShortFrame(t *testing.T) {
	rec := wire.Record{MessageSize: 19, MessageType: 3, ID: 7, Data: 10}
	buf := rec.Encode()

	_, err := wire.Receive(bytes.NewReader(buf[:10]))
	require.Error(t, err)
}
