package pssh

import (
	"context"
	"net"
	"sync"
	"time"
)

// Prober decides which of a set of hosts are unreachable. Pools consult it
// after a connection or timeout failure before pruning a host.
type Prober interface {
	Unreachable(ctx context.Context, hosts []string) []string
}

// Default probe settings.
const (
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeAttempts = 2
)

// TCPProber treats a host as reachable if its SSH port accepts a TCP
// connection within Timeout on any of Attempts tries.
type TCPProber struct {
	Port     int
	Timeout  time.Duration
	Attempts int
}

// Unreachable probes hosts concurrently and returns the unreachable ones in
// input order.
func (p TCPProber) Unreachable(ctx context.Context, hosts []string) []string {
	down := make([]bool, len(hosts))
	var wg sync.WaitGroup
	for i, host := range hosts {
		wg.Go(func() {
			down[i] = !p.reachable(ctx, host)
		})
	}
	wg.Wait()

	var out []string
	for i, host := range hosts {
		if down[i] {
			out = append(out, host)
		}
	}
	return out
}

func (p TCPProber) reachable(ctx context.Context, host string) bool {
	port := p.Port
	if port <= 0 {
		port = DefaultSSHPort
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = defaultProbeAttempts
	}

	addr := hostAddr(host, port)
	d := net.Dialer{Timeout: timeout}
	for range attempts {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}
