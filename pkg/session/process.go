package session

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"

	"boardroom/pkg/proto"
)

// Process abstracts the long-running provider CLI child process so the pool
// can be tested without spawning real binaries. A process is never shared
// across agent types.
type Process interface {
	Start(ctx context.Context) error
	Send(line []byte) error
	// Lines streams stdout lines; the channel closes on process EOF.
	Lines() <-chan string
	Alive() bool
	Kill() error
	// Handle identifies the underlying process for logging and recycle checks.
	Handle() string
}

// ProcessFactory constructs a fresh process for an agent type.
type ProcessFactory func(agentType proto.AgentType, sessionID string) Process

// maxStreamLineBytes bounds one stdout line; provider results can carry large
// tool output.
const maxStreamLineBytes = 4 * 1024 * 1024

// cliProcess runs the provider CLI over stdio.
type cliProcess struct {
	cmd   *exec.Cmd
	stdin chan []byte // nil until started

	mu      sync.Mutex
	writer  *bufio.Writer
	lines   chan string
	started bool
	exited  bool
}

// NewCLIProcess builds a process around the provider CLI in stream-json mode.
// The permissions-skip flag is required for non-interactive use; the MCP
// config path may be empty.
func NewCLIProcess(command string, mcpConfigPath string, model string, sessionID string) Process {
	args := []string{
		"--print",
		"--verbose",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	if sessionID != "" {
		args = append(args, "--session-id", sessionID)
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if mcpConfigPath != "" {
		args = append(args, "--mcp-config", mcpConfigPath)
	}
	return &cliProcess{cmd: exec.Command(command, args...)}
}

func (p *cliProcess) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("process already started")
	}

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start provider CLI: %w", err)
	}
	p.started = true
	p.writer = bufio.NewWriter(stdin)
	p.lines = make(chan string, 64)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		close(p.lines)
	}()
	go func() {
		_ = p.cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
	}()
	return nil
}

func (p *cliProcess) Send(line []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.exited {
		return fmt.Errorf("process is not running")
	}
	if _, err := p.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write to provider CLI: %w", err)
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush provider CLI stdin: %w", err)
	}
	return nil
}

func (p *cliProcess) Lines() <-chan string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines
}

func (p *cliProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.exited
}

func (p *cliProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.exited || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *cliProcess) Handle() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.cmd.Process == nil {
		return ""
	}
	return fmt.Sprintf("pid:%d", p.cmd.Process.Pid)
}
