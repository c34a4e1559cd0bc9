package port

import (
	"fmt"
	"net"
)

// Scanner checks whether specific ports are free on the host machine.
//
// It uses the operating system's network stack (net.Listen) to determine
// availability. This is the most reliable method because it asks the OS
// directly, rather than parsing /proc/net/* or shelling out to tools
// like `lsof` or `ss` which may require elevated permissions.
//
// The struct is stateless but defined as a struct (rather than bare
// functions) so it can be injected as a dependency, which keeps the
// Allocator testable with a fake probe.
type Scanner struct{}

// NewScanner creates a new Scanner instance.
func NewScanner() *Scanner {
	return &Scanner{}
}

// IsPortFree checks whether a single TCP port is free on the host.
//
// It attempts net.Listen("tcp", ":port"); if binding succeeds, the port
// is free and the probe listener is closed immediately. We bind to all
// interfaces because workspace dev servers typically publish on 0.0.0.0,
// so the probe must cover the same address space.
func (s *Scanner) IsPortFree(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	defer func() { _ = listener.Close() }()
	return true
}
