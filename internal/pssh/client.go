package pssh

import "context"

// Output is the raw output of a command on one host. Lines are kept as bytes
// so that the pool decides how to handle lines that are not valid text.
type Output struct {
	Stdout   [][]byte
	Stderr   [][]byte
	ExitCode int
}

// Client runs commands on the hosts it was built for. Run returns a
// *ConnectionError or *TimeoutError for transport failures; a non-zero exit
// status is reported through Output.ExitCode, not as an error.
type Client interface {
	Run(ctx context.Context, host, cmd string) (Output, error)
	Close() error
}

// ClientFactory builds a Client over a host set. Pools call it again whenever
// their reachable set shrinks.
type ClientFactory func(hosts []string, auth Auth) (Client, error)

// Auth holds SSH credentials shared by every host in a pool.
type Auth struct {
	User     string
	KeyFile  string
	Password string
	// Port is used for hosts given without an explicit port. Defaults to 22.
	Port int
}

func (a Auth) port() int {
	if a.Port > 0 {
		return a.Port
	}
	return DefaultSSHPort
}
