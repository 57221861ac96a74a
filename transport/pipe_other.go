//go:build !windows

package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
)

func defaultEndpoint(name string) Endpoint {
	return Endpoint{Network: NetworkUnix, Address: filepath.Join(os.TempDir(), name+".sock")}
}

func listenPipe(string) (net.Listener, error) {
	return nil, ErrPipeUnsupported
}

func dialPipe(context.Context, string) (net.Conn, error) {
	return nil, ErrPipeUnsupported
}
