package transport

import (
	"errors"
	"fmt"
	"strings"
)

// Networks an Endpoint can name.
const (
	NetworkUnix  = "unix"
	NetworkNPipe = "npipe"
)

const pipePrefix = `\\.\pipe\`

// Endpoint is the address a server listens on and clients dial.
type Endpoint struct {
	Network string // NetworkUnix or NetworkNPipe
	Address string // Socket path, or full pipe name (\\.\pipe\name)
}

func (e Endpoint) String() string {
	if e.Network == NetworkNPipe {
		return e.Address
	}
	return "unix://" + e.Address
}

// ParseEndpoint accepts the address spellings used by local RPC clients:
//
//	unix:///tmp/helloworld   unix:/tmp/helloworld   unix:relative.sock
//	/tmp/helloworld          \\.\pipe\helloworld    npipe:////./pipe/helloworld
func ParseEndpoint(s string) (Endpoint, error) {
	switch {
	case s == "":
		return Endpoint{}, errors.New("transport: empty endpoint")
	case strings.HasPrefix(s, pipePrefix):
		if len(s) == len(pipePrefix) {
			return Endpoint{}, fmt.Errorf("transport: pipe endpoint %q has no name", s)
		}
		return Endpoint{Network: NetworkNPipe, Address: s}, nil
	case strings.HasPrefix(s, "npipe:"):
		name := strings.TrimLeft(strings.TrimPrefix(s, "npipe:"), "/")
		name = strings.TrimPrefix(name, "./pipe/")
		if name == "" || strings.ContainsAny(name, `/\`) {
			return Endpoint{}, fmt.Errorf("transport: invalid pipe endpoint %q", s)
		}
		return Endpoint{Network: NetworkNPipe, Address: pipePrefix + name}, nil
	case strings.HasPrefix(s, "unix://"):
		path := strings.TrimPrefix(s, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("transport: unix endpoint %q has no path", s)
		}
		return Endpoint{Network: NetworkUnix, Address: path}, nil
	case strings.HasPrefix(s, "unix:"):
		path := strings.TrimPrefix(s, "unix:")
		if path == "" {
			return Endpoint{}, fmt.Errorf("transport: unix endpoint %q has no path", s)
		}
		return Endpoint{Network: NetworkUnix, Address: path}, nil
	case strings.Contains(s, "://"):
		return Endpoint{}, fmt.Errorf("transport: unsupported endpoint scheme in %q", s)
	default:
		return Endpoint{Network: NetworkUnix, Address: s}, nil
	}
}

// DefaultEndpoint returns the conventional endpoint for a service name on this
// platform: a named pipe on Windows, a socket in the temp directory elsewhere.
func DefaultEndpoint(name string) Endpoint {
	return defaultEndpoint(name)
}
