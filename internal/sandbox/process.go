package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// portAnnouncePrefix is the line the sandbox process prints on stdout once
// its RPC listener is bound.
const portAnnouncePrefix = "CAMF_PORT="

const (
	announceTimeout = 30 * time.Second
	dialTimeout     = 10 * time.Second
)

// LaunchSpec describes how to start a sandbox process
type LaunchSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Process is a running sandbox subprocess with its RPC connection
type Process struct {
	name string
	cmd  *exec.Cmd
	conn net.Conn
}

// LaunchProcess starts the sandbox command, waits for it to announce its
// RPC port on stdout, and connects over loopback TCP.
func LaunchProcess(ctx context.Context, name string, spec LaunchSpec) (*Process, error) {
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start sandbox process: %w", err)
	}
	go relayOutput(name, stderr)

	port, err := awaitPortAnnounce(stdout)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("sandbox %s never announced its port: %w", name, err)
	}
	go relayOutput(name, stdout)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), dialTimeout)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("failed to connect to sandbox %s on port %d: %w", name, port, err)
	}

	log.Printf("[Sandbox] Process %s up on port %d (pid %d)", name, port, cmd.Process.Pid)
	return &Process{name: name, cmd: cmd, conn: conn}, nil
}

// Conn returns the RPC connection to the process
func (p *Process) Conn() net.Conn {
	return p.conn
}

// Pid returns the subprocess pid
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Stop closes the connection and kills the subprocess if it is still alive
func (p *Process) Stop() error {
	p.conn.Close()
	if p.cmd.ProcessState == nil {
		p.cmd.Process.Kill()
	}
	err := p.cmd.Wait()
	log.Printf("[Sandbox] Process %s stopped", p.name)
	return err
}

// awaitPortAnnounce scans stdout lines until the port announcement appears
func awaitPortAnnounce(stdout io.Reader) (int, error) {
	type result struct {
		port int
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, portAnnouncePrefix) {
				continue
			}
			port, err := strconv.Atoi(strings.TrimPrefix(line, portAnnouncePrefix))
			if err != nil || port <= 0 || port > 65535 {
				ch <- result{err: fmt.Errorf("malformed port announcement %q", line)}
				return
			}
			ch <- result{port: port}
			return
		}
		if err := scanner.Err(); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{err: io.ErrUnexpectedEOF}
	}()

	select {
	case r := <-ch:
		return r.port, r.err
	case <-time.After(announceTimeout):
		return 0, fmt.Errorf("timed out after %v", announceTimeout)
	}
}

// relayOutput copies sandbox output lines into the engine log
func relayOutput(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Printf("[Sandbox:%s] %s", name, scanner.Text())
	}
}
