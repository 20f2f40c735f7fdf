package pssh

import (
	"fmt"
	"strings"
)

// Failure sentinels appended to a host's output when it is pruned. Other
// components match on these literals, so they must not change.
const (
	unreachableSentinel = "\n\nABORT: Host Unreachable Error"
	timeoutSentinelFmt  = "\nABORT: Timeout Error in Host: %s"
)

// ConnectionError reports that a host could not be reached or that the
// connection broke before the command finished.
type ConnectionError struct {
	Host string
	Err  error
}

// Error returns the underlying error text so that per-host results carry the
// transport's own message.
func (e *ConnectionError) Error() string { return e.Err.Error() }

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports that a host did not finish within the call's timeout.
type TimeoutError struct {
	Host string
	Err  error
}

func (e *TimeoutError) Error() string { return e.Err.Error() }

func (e *TimeoutError) Unwrap() error { return e.Err }

// HostsError reports an operation that did not succeed on every host.
type HostsError struct {
	Op    string
	Hosts []string
}

func (e *HostsError) Error() string {
	return fmt.Sprintf("%s failed on hosts: %s", e.Op, strings.Join(e.Hosts, ", "))
}

// unreachableOutput formats the result text for a connection-class failure on
// a host that was confirmed unreachable.
func unreachableOutput(err error) string {
	return err.Error() + unreachableSentinel
}

// timeoutOutput formats the result text for a timeout on a host that was
// confirmed unreachable.
func timeoutOutput(host string, err error) string {
	return err.Error() + fmt.Sprintf(timeoutSentinelFmt, host) + unreachableSentinel
}
