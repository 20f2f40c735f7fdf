package pssh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/afero"
	gssh "golang.org/x/crypto/ssh"
)

// Default SSH settings.
const (
	DefaultSSHPort = 22

	dialTimeout = 10 * time.Second
)

// SSHClient runs commands over golang.org/x/crypto/ssh. Connections are
// dialed lazily, one per host, and reused across calls.
type SSHClient struct {
	hosts  map[string]bool
	port   int
	config *gssh.ClientConfig

	mu    sync.Mutex
	conns map[string]*gssh.Client
}

// SSHClientFactory returns a ClientFactory that reads the private key from fs.
func SSHClientFactory(fs afero.Fs) ClientFactory {
	return func(hosts []string, auth Auth) (Client, error) {
		return NewSSHClient(fs, hosts, auth)
	}
}

// NewSSHClient builds an SSH client for hosts. Host keys are not verified:
// cluster nodes are reimaged routinely and their keys are not pinned.
func NewSSHClient(fs afero.Fs, hosts []string, auth Auth) (*SSHClient, error) {
	methods, err := authMethods(fs, auth)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		set[h] = true
	}

	return &SSHClient{
		hosts: set,
		port:  auth.port(),
		config: &gssh.ClientConfig{
			User:            auth.User,
			Auth:            methods,
			HostKeyCallback: gssh.InsecureIgnoreHostKey(),
			Timeout:         dialTimeout,
		},
		conns: make(map[string]*gssh.Client),
	}, nil
}

func authMethods(fs afero.Fs, auth Auth) ([]gssh.AuthMethod, error) {
	if auth.User == "" {
		return nil, errors.New("ssh: user is required")
	}

	var methods []gssh.AuthMethod
	if auth.KeyFile != "" {
		pem, err := afero.ReadFile(fs, auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := gssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", auth.KeyFile, err)
		}
		methods = append(methods, gssh.PublicKeys(signer))
	}
	if auth.Password != "" {
		methods = append(methods, gssh.Password(auth.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh: a private key or password is required")
	}
	return methods, nil
}

// Run executes cmd on host and collects its output line by line.
func (c *SSHClient) Run(ctx context.Context, host, cmd string) (Output, error) {
	if !c.hosts[host] {
		return Output{}, &ConnectionError{Host: host, Err: fmt.Errorf("host %s is not part of this client", host)}
	}

	conn, err := c.conn(ctx, host)
	if err != nil {
		return Output{}, transportError(ctx, host, err)
	}

	session, err := c.newSession(ctx, host, conn)
	if err != nil {
		return Output{}, transportError(ctx, host, err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return Output{}, &ConnectionError{Host: host, Err: err}
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return Output{}, &ConnectionError{Host: host, Err: err}
	}
	if err := session.Start(cmd); err != nil {
		c.drop(host)
		return Output{}, &ConnectionError{Host: host, Err: err}
	}

	var out Output
	var readers sync.WaitGroup
	readers.Go(func() { out.Stdout = readLines(stdout) })
	readers.Go(func() { out.Stderr = readLines(stderr) })

	done := make(chan error, 1)
	go func() {
		readers.Wait()
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(gssh.SIGKILL)
		_ = session.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, &TimeoutError{Host: host, Err: fmt.Errorf("read timeout on %s: %w", host, ctx.Err())}
		}
		return out, ctx.Err()
	case err := <-done:
		return c.finish(host, out, err)
	}
}

// transportError classifies a failure to connect or open a session. Deadline
// hits become timeouts so that they carry the timeout sentinel when pruned.
func transportError(ctx context.Context, host string, err error) error {
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return &TimeoutError{Host: host, Err: fmt.Errorf("connect timeout on %s: %w", host, err)}
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &TimeoutError{Host: host, Err: fmt.Errorf("connect timeout on %s: %w", host, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Host: host, Err: fmt.Errorf("connect timeout on %s: %w", host, err)}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return &ConnectionError{Host: host, Err: err}
}

// newSession opens a session on conn, giving up when ctx is done. The
// connection is dropped in that case since the peer stopped answering.
func (c *SSHClient) newSession(ctx context.Context, host string, conn *gssh.Client) (*gssh.Session, error) {
	type opened struct {
		session *gssh.Session
		err     error
	}
	ch := make(chan opened, 1)
	go func() {
		s, err := conn.NewSession()
		ch <- opened{s, err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			c.drop(host)
		}
		return o.session, o.err
	case <-ctx.Done():
		c.drop(host)
		if o := <-ch; o.session != nil {
			o.session.Close()
		}
		return nil, ctx.Err()
	}
}

func (c *SSHClient) finish(host string, out Output, err error) (Output, error) {
	if err == nil {
		return out, nil
	}
	var exitErr *gssh.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitStatus()
		return out, nil
	}
	// ExitMissingError and io errors mean the channel closed under us.
	c.drop(host)
	return out, &ConnectionError{Host: host, Err: err}
}

// Close closes every open connection.
func (c *SSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for host, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, host)
	}
	return firstErr
}

func (c *SSHClient) conn(ctx context.Context, host string) (*gssh.Client, error) {
	c.mu.Lock()
	if conn, ok := c.conns[host]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	addr := hostAddr(host, c.port)
	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(dialTimeout)
	}
	if err := raw.SetDeadline(deadline); err != nil {
		raw.Close()
		return nil, err
	}
	sshConn, chans, reqs, err := gssh.NewClientConn(raw, addr, c.config)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	if err := raw.SetDeadline(time.Time{}); err != nil {
		sshConn.Close()
		return nil, err
	}
	conn := gssh.NewClient(sshConn, chans, reqs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[host]; ok {
		conn.Close()
		return existing, nil
	}
	c.conns[host] = conn
	return conn, nil
}

func (c *SSHClient) drop(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[host]; ok {
		conn.Close()
		delete(c.conns, host)
	}
}

// hostAddr appends port unless host already carries one.
func hostAddr(host string, port int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// readLines reads r to EOF and returns its lines without trailing newlines.
func readLines(r io.Reader) [][]byte {
	var lines [][]byte
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			lines = append(lines, bytes.Clone(line))
		}
		if err != nil {
			return lines
		}
	}
}
