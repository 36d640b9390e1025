package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	logx "botfleet/pkg/logx"
)

// ChildCommand is the argv[1] the host binary dispatches to RunChild.
const ChildCommand = "sandbox-exec"

const (
	maxChildStdout = 1 << 20
	maxChildStderr = 16 << 10
)

// childReply is the frame a child writes to stdout.
type childReply struct {
	Response Response `json:"response"`
	Kind     Kind     `json:"kind,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ProcessInvoker runs every handler in a fresh child process. The child
// applies kernel resource limits to itself before evaluating.
type ProcessInvoker struct {
	// Path is the executable to run; empty means the current binary.
	Path string
	// Args precede nothing else; the default is []string{ChildCommand}.
	Args []string
	// Grace is how long the child may overrun Limits.Timeout before it is killed.
	Grace time.Duration

	log logx.Logger
}

func NewProcessInvoker(path string, args []string, log logx.Logger) (*ProcessInvoker, error) {
	if strings.TrimSpace(path) == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve sandbox runner: %w", err)
		}
		path = exe
	}
	if len(args) == 0 {
		args = []string{ChildCommand}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ProcessInvoker{Path: path, Args: args, Grace: 500 * time.Millisecond, log: log}, nil
}

func (p *ProcessInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	req.Limits = req.Limits.withDefaults()
	frame, err := cbor.Marshal(req)
	if err != nil {
		return Response{}, newError(KindHandlerFault, "encode request: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Limits.Timeout+p.Grace)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.Path, p.Args...)
	cmd.Env = []string{}
	cmd.Dir = os.TempDir()
	cmd.Stdin = bytes.NewReader(frame)
	stdout := &capBuffer{max: maxChildStdout}
	stderr := &capBuffer{max: maxChildStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	configureChild(cmd)
	cmd.WaitDelay = p.Grace

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runCtx.Err() != nil && ctx.Err() == nil {
		return Response{}, newError(KindTimeout, "runner killed after %s", elapsed.Round(time.Millisecond))
	}
	if ctx.Err() != nil {
		return Response{}, newError(KindTimeout, "cancelled: %v", ctx.Err())
	}
	if runErr != nil {
		return Response{}, p.classifyExit(runErr, stderr.String())
	}

	var reply childReply
	if err := cbor.Unmarshal(stdout.Bytes(), &reply); err != nil {
		return Response{}, newError(KindHandlerFault, "decode runner reply: %v", err)
	}
	if reply.Kind != 0 {
		return reply.Response, &Error{Kind: reply.Kind, Err: errors.New(reply.Message)}
	}
	return reply.Response, nil
}

func (p *ProcessInvoker) classifyExit(runErr error, stderr string) error {
	if killedByLimit(runErr) {
		return newError(KindResourceExceeded, "runner exceeded cpu limit")
	}
	low := strings.ToLower(stderr)
	if strings.Contains(low, "out of memory") || strings.Contains(low, "cannot allocate memory") {
		return newError(KindResourceExceeded, "runner exceeded memory limit")
	}
	if strings.Contains(low, "goroutine stack exceeds") {
		return newError(KindResourceExceeded, "runner exceeded stack limit")
	}
	p.log.Debug("sandbox runner failed", logx.Err(runErr), logx.String("stderr", logx.Truncate(stderr, 512)))
	return newError(KindHandlerFault, "runner exited: %v", runErr)
}

// capBuffer keeps at most max bytes and silently discards the rest.
type capBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *capBuffer) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capBuffer) Bytes() []byte  { return c.buf.Bytes() }
func (c *capBuffer) String() string { return c.buf.String() }

// RunChild is the body of the sandbox-exec subcommand. It reads one
// request frame from in, applies resource limits, evaluates the handler and
// writes one reply frame to out. The return value is the process exit code.
func RunChild(in io.Reader, out io.Writer) int {
	raw, err := io.ReadAll(io.LimitReader(in, 4<<20))
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-exec: read request: %v\n", err)
		return 2
	}
	var req Request
	if err := cbor.Unmarshal(raw, &req); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-exec: decode request: %v\n", err)
		return 2
	}
	req.Limits = req.Limits.withDefaults()
	if err := applyLimits(req.Limits); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-exec: apply limits: %v\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), req.Limits.Timeout+time.Second)
	defer cancel()

	inv := NewGojaInvoker(0, logx.Nop())
	resp, ierr := inv.Invoke(ctx, req)
	reply := childReply{Response: resp}
	if ierr != nil {
		reply.Kind = KindHandlerFault
		if k := KindOf(ierr); k != 0 {
			reply.Kind = k
		}
		reply.Message = ierr.Error()
	}
	frame, err := cbor.Marshal(reply)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-exec: encode reply: %v\n", err)
		return 2
	}
	if _, err := out.Write(frame); err != nil {
		return 2
	}
	return 0
}
