package pssh

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
)

// console echoes per-host output to a writer. A nil writer disables echo.
type console struct {
	w      io.Writer
	mu     sync.Mutex
	host   *color.Color
	cmd    *color.Color
	failed *color.Color
}

func newConsole(w io.Writer) *console {
	return &console{
		w:      w,
		host:   color.New(color.FgCyan, color.Bold),
		cmd:    color.New(color.FgYellow),
		failed: color.New(color.FgRed),
	}
}

// print writes the header for host and cmd and, unless quiet, the output.
func (c *console) print(host, cmd string, res Result, quiet bool) {
	if c == nil || c.w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.w, "%s %s\n", c.host.Sprintf("Host: %s |", host), c.cmd.Sprintf("Cmd: %s", cmd))
	if quiet {
		return
	}
	if res.Output != "" {
		io.WriteString(c.w, res.Output)
		if res.Output[len(res.Output)-1] != '\n' {
			io.WriteString(c.w, "\n")
		}
	}
	if res.ExitCode == NoExitCode {
		c.failed.Fprintf(c.w, "%s: no exit code\n", host)
	}
}
