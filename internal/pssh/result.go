package pssh

import "sort"

// NoExitCode is the exit code recorded when a transport error prevented the
// command from reporting one.
const NoExitCode = -1

// Result is the outcome of a command on one host: combined stdout and stderr
// plus the exit code.
type Result struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Results maps host to result.
type Results map[string]Result

// Outputs returns the plain host → output view of the results.
func (r Results) Outputs() map[string]string {
	out := make(map[string]string, len(r))
	for host, res := range r {
		out[host] = res.Output
	}
	return out
}

// Failed returns the hosts whose exit code is not zero, sorted.
func (r Results) Failed() []string {
	var failed []string
	for host, res := range r {
		if res.ExitCode != 0 {
			failed = append(failed, host)
		}
	}
	sort.Strings(failed)
	return failed
}

// OK reports whether every host exited 0.
func (r Results) OK() bool {
	return len(r.Failed()) == 0
}
