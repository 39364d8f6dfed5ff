package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"pilot/pkg/logger"
)

// ErrStreamInFlight is returned when OpenStream is called while a previous
// stream on the same client has not been aborted or drained.
var ErrStreamInFlight = errors.New("stream: a stream is already in flight")

// maxLineBytes bounds a single JSON line from the agent process. Aggregated
// assistant messages with large tool inputs can be sizeable.
const maxLineBytes = 4 * 1024 * 1024

// CLIConfig configures the subprocess-backed stream client.
type CLIConfig struct {
	// Command is the agent CLI binary.
	Command string `mapstructure:"command"`
	// Args are fixed leading arguments.
	Args []string `mapstructure:"args"`
	// DiagnosticLog is the CLI's side-channel log file, consulted when a
	// wrapped-process failure needs classification.
	DiagnosticLog string `mapstructure:"diagnostic_log"`
}

// CLIClient launches the agent CLI once per turn and decodes its
// JSON-lines stdout into fragments. The prompt is written to stdin; resume
// and session options travel as flags.
type CLIClient struct {
	config CLIConfig

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

// NewCLIClient creates a CLIClient.
func NewCLIClient(config CLIConfig) *CLIClient {
	return &CLIClient{config: config}
}

// OpenStream starts the agent process for one turn.
func (c *CLIClient) OpenStream(ctx context.Context, opts OpenOptions) (<-chan Fragment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return nil, ErrStreamInFlight
	}

	args := append([]string{}, c.config.Args...)
	args = append(args, "--stream-json")
	if opts.ResumeToken != "" {
		args = append(args, "--resume", opts.ResumeToken)
	}
	if opts.WorkingDir != "" {
		args = append(args, "--cwd", opts.WorkingDir)
	}
	if opts.ThinkingLevel != "" {
		args = append(args, "--thinking", opts.ThinkingLevel)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}

	cmd := exec.Command(c.config.Command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stream: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stream: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("stream: start %s: %w", c.config.Command, err)
	}
	c.cmd = cmd
	c.stdin = stdin

	logger.Debug().
		Str("command", c.config.Command).
		Bool("resuming", opts.ResumeToken != "").
		Msg("agent stream opened")

	fragments := make(chan Fragment)
	go c.pump(ctx, cmd, stdin, stdout, &stderr, opts.Prompt, fragments)
	return fragments, nil
}

// pump feeds the prompt, reads fragments until the process ends and always
// closes the fragment channel.
func (c *CLIClient) pump(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.ReadCloser, stderr *bytes.Buffer, prompt string, fragments chan<- Fragment) {
	defer close(fragments)
	defer c.release(cmd)

	// A cancelled context must settle the stream immediately.
	watchdone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-watchdone:
		}
	}()
	defer close(watchdone)

	// Stdin stays open after the prompt: tool results for host-dispatched
	// tools are written back on the same pipe.
	if _, err := fmt.Fprintf(stdin, "%s\n", encodeUserLine(prompt)); err != nil {
		c.emit(ctx, fragments, Fragment{Type: FragmentError, Err: fmt.Errorf("write prompt: %w", err)})
		_ = stdin.Close()
		_ = cmd.Wait()
		return
	}
	defer stdin.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		f, err := ParseFragment(line)
		if err != nil {
			logger.Warn().Err(err).Msg("skipping undecodable stream line")
			continue
		}
		if !c.emit(ctx, fragments, *f) {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return
		}
	}

	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return
	}
	if scanErr != nil {
		c.emit(ctx, fragments, Fragment{Type: FragmentError, Err: fmt.Errorf("read stream: %w", scanErr)})
		return
	}
	if waitErr != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, tail(detail, 2048))
		}
		c.emit(ctx, fragments, Fragment{Type: FragmentError, Err: waitErr})
	}
}

func (c *CLIClient) emit(ctx context.Context, fragments chan<- Fragment, f Fragment) bool {
	select {
	case fragments <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *CLIClient) release(cmd *exec.Cmd) {
	c.mu.Lock()
	if c.cmd == cmd {
		c.cmd = nil
		c.stdin = nil
	}
	c.mu.Unlock()
}

// SendToolResult writes the outcome of a host-dispatched tool back to the
// agent process.
func (c *CLIClient) SendToolResult(toolUseID, content string, isError bool) error {
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return errors.New("stream: no stream in flight")
	}
	line, err := json.Marshal(map[string]any{
		"type":        "tool_result",
		"tool_use_id": toolUseID,
		"content":     content,
		"is_error":    isError,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdin, "%s\n", line)
	return err
}

// encodeUserLine wraps the outbound prompt as a JSON user line.
func encodeUserLine(prompt string) []byte {
	line, _ := json.Marshal(map[string]any{
		"type": "user",
		"text": prompt,
	})
	return line
}

// Abort kills the in-flight agent process, if any.
func (c *CLIClient) Abort() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		logger.Debug().Msg("aborting agent stream")
		_ = cmd.Process.Kill()
	}
}

// DiagnosticTail returns the last portion of the CLI's diagnostic log.
func (c *CLIClient) DiagnosticTail() string {
	if c.config.DiagnosticLog == "" {
		return ""
	}
	data, err := os.ReadFile(c.config.DiagnosticLog)
	if err != nil {
		return ""
	}
	return tail(strings.TrimSpace(string(data)), 4096)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
