// Package mqtttest runs an in-process MQTT broker for tests.
package mqtttest

import (
	"fmt"
	"net"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// Broker is a running mochi broker bound to a loopback port.
type Broker struct {
	Server *mochi.Server
	Host   string
	Port   int
}

// Address returns host:port.
func (b *Broker) Address() string {
	return net.JoinHostPort(b.Host, fmt.Sprint(b.Port))
}

// URL returns the broker address in tcp://host:port form.
func (b *Broker) URL() string {
	return "tcp://" + b.Address()
}

// StartBroker starts a broker that accepts every client and stops it when the
// test ends.
func StartBroker(t testing.TB) *Broker {
	t.Helper()

	port := freePort(t)
	server := mochi.New(nil)
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{
		ID:      fmt.Sprintf("tcp-%d", port),
		Type:    "tcp",
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	require.NoError(t, server.AddListener(tcp))
	require.NoError(t, server.Serve())

	t.Cleanup(func() { _ = server.Close() })

	return &Broker{Server: server, Host: "127.0.0.1", Port: port}
}

func freePort(t testing.TB) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}
