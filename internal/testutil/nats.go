package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartServer starts an embedded NATS server on a random port.
func StartServer(t *testing.T) (*server.Server, func()) {
	t.Helper()

	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}

	s, err := server.NewServer(opts)
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		t.Fatal("Unable to start NATS server")
	}

	return s, s.Shutdown
}

// Connect starts an embedded NATS server and returns an established
// connection to it.
func Connect(t *testing.T) (*nats.Conn, func()) {
	t.Helper()

	s, shutdown := StartServer(t)

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	cleanup := func() {
		nc.Close()
		shutdown()
	}

	return nc, cleanup
}

// ConnectTwo starts one embedded server and returns two independent
// connections, for tests that need distinct master and worker sides.
func ConnectTwo(t *testing.T) (*nats.Conn, *nats.Conn, func()) {
	t.Helper()

	s, shutdown := StartServer(t)

	a, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)
	b, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	cleanup := func() {
		a.Close()
		b.Close()
		shutdown()
	}

	return a, b, cleanup
}
