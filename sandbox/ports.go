package sandbox

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/pomodex/pomodex/common"
)

// PortAllocator finds free host ports for SSH bindings by bind probing.
// Ports are tried in random order to reduce contention when projects are
// created concurrently.
type PortAllocator struct {
	Start int
	End   int
}

// NewPortAllocator creates an allocator over the inclusive range [start, end].
func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{Start: start, End: end}
}

// Allocate returns a port that was bindable at probe time. The port is
// released again before returning, so the caller may still lose the race
// against another process; retry on bind failure.
func (a *PortAllocator) Allocate() (int, error) {
	ports := make([]int, 0, a.End-a.Start+1)
	for p := a.Start; p <= a.End; p++ {
		ports = append(ports, p)
	}
	rand.Shuffle(len(ports), func(i, j int) {
		ports[i], ports[j] = ports[j], ports[i]
	})

	for _, port := range ports {
		l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}

	return 0, common.TransientErr(
		fmt.Sprintf("port range %d-%d exhausted", a.Start, a.End), nil)
}
