package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtrieve/xtrieve/internal/dispatch"
	"github.com/xtrieve/xtrieve/internal/server"
	"github.com/xtrieve/xtrieve/internal/wire"
)

func startServer(t *testing.T) (addr string, srv *server.Server) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv = server.New(dispatch.New(), nil)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(func() { _ = srv.Close() })
	return lis.Addr().String(), srv
}

func TestServeHandlesOpenRequestOnMissingFile(t *testing.T) {
	addr, _ := startServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteRequest(conn, wire.Request{
		Operation: wire.OpOpen,
		FilePath:  "/does/not/exist.btr",
		KeyNumber: -1,
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := wire.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, wire.StatusFileNotFound, resp.Status)
}

func TestServeHandlesMultipleRequestsOverOneConnection(t *testing.T) {
	addr, _ := startServer(t)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	for i := 0; i < 3; i++ {
		require.NoError(t, wire.WriteRequest(conn, wire.Request{Operation: wire.OpOpen, FilePath: "/nope.btr", KeyNumber: -1}))
		resp, err := wire.ReadResponse(conn)
		require.NoError(t, err)
		require.Equal(t, wire.StatusFileNotFound, resp.Status)
	}
}

func TestCloseStopsAcceptingConnections(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()

	srv := server.New(dispatch.New(), nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(lis) }()

	require.NoError(t, srv.Close())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}
