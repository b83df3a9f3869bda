package model

import (
	"fmt"
	"net"
	"strconv"
)

// Host identifies a worker node endpoint. It is a value type: two hosts
// with the same IP and port compare equal and it can be used as a map key.
type Host struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// NewHost creates a host from an IP and port.
func NewHost(ip string, port int) Host {
	return Host{IP: ip, Port: port}
}

// ParseHost parses an "ip:port" address into a Host.
func ParseHost(addr string) (Host, error) {
	ip, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Host{}, fmt.Errorf("invalid host address %q: %w", addr, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Host{}, fmt.Errorf("invalid port in address %q: %w", addr, err)
	}

	return Host{IP: ip, Port: port}, nil
}

// Address returns the canonical "ip:port" form.
func (h Host) Address() string {
	return net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
}

// IsZero reports whether the host is unset.
func (h Host) IsZero() bool {
	return h.IP == "" && h.Port == 0
}

func (h Host) String() string {
	return h.Address()
}
