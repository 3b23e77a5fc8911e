package udpsocket_test

import (
	"context"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/requiem-go/requiem/internal/udpsocket"
)

func TestSendAndReadBatchRoundTrip(t *testing.T) {
	a, err := udpsocket.Listen("127.0.0.1", 0, 200*time.Millisecond, false)
	require.NoError(t, err)
	defer a.Close()

	b, err := udpsocket.Listen("127.0.0.1", 0, 200*time.Millisecond, false)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	dgs, err := b.ReadBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, dgs, 1)
	require.Equal(t, "hello", string(dgs[0].Data))
}

func TestReadBatchReturnsOnPollingTimeoutWithoutError(t *testing.T) {
	a, err := udpsocket.Listen("127.0.0.1", 0, 20*time.Millisecond, false)
	require.NoError(t, err)
	defer a.Close()

	dgs, err := a.ReadBatch(context.Background(), 1)
	require.NoError(t, err)
	require.Empty(t, dgs)
}

func TestReadBatchSurfacesContextCancellation(t *testing.T) {
	a, err := udpsocket.Listen("127.0.0.1", 0, 5*time.Second, false)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = a.ReadBatch(ctx, 1)
	require.Error(t, err)
}

func TestReusePortAllowsTwoSocketsOnTheSamePort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_REUSEPORT is only wired on linux; see sockopt_other.go")
	}

	a, err := udpsocket.Listen("127.0.0.1", 0, time.Second, true)
	require.NoError(t, err)
	defer a.Close()

	port := a.LocalAddr().(*net.UDPAddr).Port
	b, err := udpsocket.Listen("127.0.0.1", port, time.Second, true)
	require.NoError(t, err)
	defer b.Close()

	require.Equal(t, port, b.LocalAddr().(*net.UDPAddr).Port)
}

func TestCloseUnblocksReadBatch(t *testing.T) {
	a, err := udpsocket.Listen("127.0.0.1", 0, 5*time.Second, false)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := a.ReadBatch(context.Background(), 1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("ReadBatch did not return after Close")
	}
}
