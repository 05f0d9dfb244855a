package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultConnectTimeout covers process start plus the protocol handshake.
const DefaultConnectTimeout = 10 * time.Second

// stdioKillGrace is how long a closing transport waits for the child to
// exit after stdin is closed before it is killed.
const stdioKillGrace = 2 * time.Second

// maxFrameSize bounds a single newline-delimited frame on stdout.
const maxFrameSize = 16 * 1024 * 1024

// StdioOptions configures a child-process transport.
type StdioOptions struct {
	// Command is the executable to spawn.
	Command string

	// Args are passed to the command.
	Args []string

	// Env holds environment overrides merged over the parent environment.
	Env map[string]string

	// Logger receives transport diagnostics and the child's stderr lines.
	// Nil uses slog's default.
	Logger *slog.Logger
}

// Stdio owns a child process and exchanges newline-delimited JSON-RPC
// frames over its standard streams. Writes are serialized so frames never
// interleave; the child's stderr surfaces as log lines, never as protocol
// data.
type Stdio struct {
	opts   StdioOptions
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	mu      sync.Mutex
	pending *pendingCalls
	started bool
	closed  bool

	notifications chan Notification
	readerDone    chan struct{}
	stderrDone    chan struct{}
	done          chan struct{}
	closeOnce     sync.Once
}

// NewStdio creates a transport for the given command. The process is not
// started until Connect.
func NewStdio(opts StdioOptions) *Stdio {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stdio{
		opts:          opts,
		logger:        logger.With("transport", "stdio", "command", opts.Command),
		pending:       newPendingCalls(),
		notifications: make(chan Notification, 64),
		readerDone:    make(chan struct{}),
		stderrDone:    make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Connect spawns the child process and starts the reader loops.
func (t *Stdio) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	if t.started {
		return nil
	}

	cmd := exec.Command(t.opts.Command, t.opts.Args...)
	cmd.Env = os.Environ()
	for k, v := range t.opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", t.opts.Command, err)
	}

	t.logger.Debug("child process started", "pid", cmd.Process.Pid)

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.readLoop(stdout)
	go t.stderrLoop(stderr)
	go t.waitLoop()

	return nil
}

// Call writes one frame and blocks until the correlated response arrives,
// the context is done, or the process exits.
func (t *Stdio) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed || !t.started {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	ch := t.pending.add(req.ID)
	t.mu.Unlock()

	frame := rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Method:  req.Method,
		Params:  req.Params,
	}
	if err := t.writeFrame(frame); err != nil {
		t.mu.Lock()
		t.pending.remove(req.ID)
		t.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		t.pending.remove(req.ID)
		t.mu.Unlock()
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrTransportClosed
	}
}

// Notify writes a one-way frame.
func (t *Stdio) Notify(ctx context.Context, method string, params any) error {
	t.mu.Lock()
	if t.closed || !t.started {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	return t.writeFrame(rpcNotification{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// Notifications returns the stream of server-initiated messages.
func (t *Stdio) Notifications() <-chan Notification {
	return t.notifications
}

// writeFrame marshals and writes one newline-terminated frame. The write
// mutex guarantees frames from concurrent callers never interleave.
func (t *Stdio) writeFrame(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("writing frame: %w", ErrTransportClosed)
	}
	return nil
}

// readLoop scans stdout for frames and routes them to waiters or the
// notification channel. It runs until EOF; waitLoop must not reap the
// child before then, because Wait closes the pipe under the reader and
// frames written just before a clean exit would be lost.
func (t *Stdio) readLoop(stdout io.Reader) {
	defer close(t.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Warn("discarding unparseable frame", "error", err.Error())
			continue
		}

		if msg.ID != nil {
			t.mu.Lock()
			delivered := t.pending.deliver(msg)
			t.mu.Unlock()
			if !delivered {
				t.logger.Debug("response for unknown request id", "id", *msg.ID)
			}
			continue
		}

		if msg.Method != "" {
			select {
			case t.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
			default:
				t.logger.Warn("notification channel full, dropping", "method", msg.Method)
			}
		}
	}
}

// stderrLoop surfaces the child's diagnostic stream as log lines.
func (t *Stdio) stderrLoop(stderr io.Reader) {
	defer close(t.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("child stderr", "line", line)
		}
	}
}

// waitLoop reaps the child and fails all outstanding requests once it
// exits, clean or crashed. Wait is deferred until both pipe readers have
// drained to EOF so no frame already written by the child is discarded.
func (t *Stdio) waitLoop() {
	<-t.readerDone
	<-t.stderrDone
	err := t.cmd.Wait()

	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	t.pending.failAll(ErrTransportClosed)
	t.mu.Unlock()

	if !alreadyClosed {
		if err != nil {
			t.logger.Warn("child process exited", "error", err.Error())
		} else {
			t.logger.Debug("child process exited cleanly")
		}
	}

	t.closeOnce.Do(func() {
		close(t.done)
		close(t.notifications)
	})
}

// Close terminates the child. Closing an already-exited process is a no-op.
func (t *Stdio) Close() error {
	t.mu.Lock()
	if !t.started || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.pending.failAll(ErrTransportClosed)
	stdin := t.stdin
	t.mu.Unlock()

	// Closing stdin asks the child to exit; kill it if it lingers.
	if stdin != nil {
		stdin.Close()
	}

	select {
	case <-t.done:
	case <-time.After(stdioKillGrace):
		t.logger.Debug("child did not exit, killing")
		if t.cmd.Process != nil {
			if err := t.cmd.Process.Kill(); err != nil {
				t.logger.Warn("could not kill child process", "error", err.Error())
			}
		}
		<-t.done
	}
	return nil
}
