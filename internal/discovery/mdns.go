package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/betamos/zeroconf"
)

const (
	ServiceType = "_hivemesh._udp"
	Domain      = "local."
)

// Peer represents a discovered peer on the local network
type Peer struct {
	Name string
	Addr string
	Port int
}

// Event is a peer coming up or going away.
type Event struct {
	Peer Peer
	Down bool
}

// Discovery handles mDNS service discovery for the mesh
type Discovery struct {
	client   *zeroconf.Client
	nodeName string
	port     int
	onEvent  func(Event)
}

// New creates a new mDNS discovery, publishing this node and browsing for peers
func New(nodeName string, port int, onEvent func(Event)) (*Discovery, error) {
	svcType := zeroconf.NewType(ServiceType)
	port16 := uint16(port)
	if port > 65535 {
		port16 = 7131
	}
	self := zeroconf.NewService(svcType, nodeName, port16)

	client, err := zeroconf.New().
		Publish(self).
		Browse(func(e zeroconf.Event) {
			handleEvent(e, onEvent)
		}, svcType).
		Open()
	if err != nil {
		return nil, fmt.Errorf("zeroconf: %w", err)
	}

	return &Discovery{
		client:   client,
		nodeName: nodeName,
		port:     port,
		onEvent:  onEvent,
	}, nil
}

func handleEvent(e zeroconf.Event, onEvent func(Event)) {
	if onEvent == nil {
		return
	}
	if e.Op == zeroconf.OpRemoved {
		onEvent(Event{Peer: Peer{Name: e.Name, Port: int(e.Port)}, Down: true})
		return
	}
	var addrs []string
	for _, a := range e.Addrs {
		if a.IsValid() {
			addrs = append(addrs, net.JoinHostPort(a.String(), strconv.Itoa(int(e.Port))))
		}
	}
	if len(addrs) == 0 {
		return
	}
	addr := addrs[0]
	for _, a := range addrs {
		if !strings.Contains(a, ":") || strings.Count(a, ":") < 2 {
			addr = a
			break
		}
	}
	onEvent(Event{Peer: Peer{Name: e.Name, Addr: addr, Port: int(e.Port)}})
}

// Close stops discovery
func (d *Discovery) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// ParseAddr splits "host:port" into host and numeric port
func ParseAddr(s string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
