//go:build windows

package transport

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

func defaultEndpoint(name string) Endpoint {
	return Endpoint{Network: NetworkNPipe, Address: pipePrefix + name}
}

func listenPipe(name string) (net.Listener, error) {
	return winio.ListenPipe(name, nil)
}

func dialPipe(ctx context.Context, name string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, name)
}
