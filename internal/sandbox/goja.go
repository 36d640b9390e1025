package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dop251/goja"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

const (
	maxLogLineBytes   = 256
	heapWatchInterval = 10 * time.Millisecond
)

// GojaInvoker evaluates handlers with an in-process JavaScript interpreter.
// Every call gets a fresh runtime, so handlers share no state.
type GojaInvoker struct {
	heap *heapWatch
	log  logx.Logger
}

// NewGojaInvoker returns an invoker. Each call is interrupted with
// ResourceExceeded once the heap grows by more than its Limits.MemoryBytes.
// A non-zero heapCeiling also caps the process heap as a whole.
func NewGojaInvoker(heapCeiling uint64, log logx.Logger) *GojaInvoker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &GojaInvoker{heap: newHeapWatch(heapCeiling, heapWatchInterval), log: log}
}

func (g *GojaInvoker) Invoke(ctx context.Context, req Request) (resp Response, err error) {
	lim := req.Limits.withDefaults()

	prg, cerr := goja.Compile("handler.js", wrapSource(req.Code), false)
	if cerr != nil {
		return Response{}, newError(KindHandlerFault, "compile: %v", cerr)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(lim.MaxCallStack)

	inv := &invocation{vm: vm, lim: lim}
	if err := inv.install(req.Input); err != nil {
		return Response{}, newError(KindHandlerFault, "install ctx: %v", err)
	}

	defer func() {
		if r := recover(); r != nil {
			g.log.Warn("handler panic recovered", logx.BotID(req.Input.BotID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			resp = Response{}
			err = newError(KindHandlerFault, "panic: %v", r)
		}
	}()

	timer := time.AfterFunc(lim.Timeout, func() {
		vm.Interrupt(newError(KindTimeout, "exceeded %s", lim.Timeout))
	})
	defer timer.Stop()
	stopCtx := context.AfterFunc(ctx, func() {
		vm.Interrupt(newError(KindTimeout, "cancelled: %v", context.Cause(ctx)))
	})
	defer stopCtx()
	stopHeap := g.heap.watch(vm, uint64(lim.MemoryBytes))
	defer stopHeap()

	v, rerr := vm.RunProgram(prg)
	heapErr := stopHeap()
	if rerr != nil {
		return Response{Logs: inv.logs}, classifyGojaError(rerr)
	}
	if heapErr != nil {
		return Response{Logs: inv.logs}, heapErr
	}
	if s, ok := exportString(v); ok && strings.TrimSpace(s) != "" {
		inv.push(transport.Payload{Text: s})
	}
	if inv.exceeded != nil {
		return Response{Logs: inv.logs}, inv.exceeded
	}
	return Response{Replies: inv.replies, Logs: inv.logs}, nil
}

func wrapSource(code string) string {
	return "(function (ctx) {\n" + code + "\n})(__ctx);"
}

func classifyGojaError(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if se, ok := ie.Value().(*Error); ok {
			return se
		}
		return newError(KindTimeout, "interrupted: %v", ie.Value())
	}
	var so *goja.StackOverflowError
	if errors.As(err, &so) {
		return newError(KindResourceExceeded, "call stack exceeded")
	}
	msg := err.Error()
	if strings.Contains(msg, "call stack size exceeded") || strings.Contains(msg, "stack overflow") {
		return newError(KindResourceExceeded, "call stack exceeded")
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return newError(KindHandlerFault, "%s", logx.Truncate(ex.Error(), 512))
	}
	return newError(KindHandlerFault, "%v", err)
}

func exportString(v goja.Value) (string, bool) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", false
	}
	s, ok := v.Export().(string)
	return s, ok
}

// invocation is the per-call state behind the ctx object.
type invocation struct {
	vm  *goja.Runtime
	lim Limits

	replies  []transport.Payload
	bytes    int
	logs     []string
	exceeded *Error
}

func (inv *invocation) install(in Input) error {
	vm := inv.vm

	chat := vm.NewObject()
	from := vm.NewObject()
	bot := vm.NewObject()
	message := vm.NewObject()
	ctx := vm.NewObject()

	args := make([]interface{}, 0, len(in.Args))
	for _, a := range in.Args {
		args = append(args, a)
	}

	sets := []struct {
		obj *goja.Object
		key string
		val interface{}
	}{
		{chat, "id", in.ChatID},
		{from, "id", in.FromID},
		{from, "username", in.Username},
		{from, "first_name", in.FirstName},
		{bot, "id", in.BotID},
		{message, "message_id", in.MessageID},
		{message, "text", in.Text},
		{ctx, "text", in.Text},
		{ctx, "command", in.Command},
		{ctx, "args", vm.NewArray(args...)},
		{ctx, "chat", chat},
		{ctx, "from", from},
		{ctx, "bot", bot},
		{ctx, "message", message},
		{ctx, "reply", inv.replyFunc("")},
		{ctx, "replyWithHTML", inv.replyFunc(transport.ParseModeHTML)},
		{ctx, "replyWithMarkdown", inv.replyFunc(transport.ParseModeMarkdown)},
		{ctx, "replyWithPhoto", inv.photoFunc()},
	}
	for _, s := range sets {
		if err := s.obj.Set(s.key, s.val); err != nil {
			return fmt.Errorf("set %s: %w", s.key, err)
		}
	}

	console := vm.NewObject()
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, inv.logFunc(name)); err != nil {
			return err
		}
	}
	if err := vm.Set("console", console); err != nil {
		return err
	}
	return vm.Set("__ctx", ctx)
}

func (inv *invocation) replyFunc(parseMode string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		p := transport.Payload{Text: argString(call, 0), ParseMode: parseMode}
		inv.applyOptions(&p, call.Argument(1))
		inv.push(p)
		return goja.Undefined()
	}
}

func (inv *invocation) photoFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		p := transport.Payload{PhotoURL: argString(call, 0)}
		inv.applyOptions(&p, call.Argument(1))
		inv.push(p)
		return goja.Undefined()
	}
}

func (inv *invocation) logFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(inv.logs) >= inv.lim.MaxLogLines {
			return goja.Undefined()
		}
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		line := level + ": " + strings.Join(parts, " ")
		inv.logs = append(inv.logs, logx.Truncate(line, maxLogLineBytes))
		return goja.Undefined()
	}
}

// applyOptions reads {parse_mode, caption, buttons: [{text, url}], disable_preview}.
func (inv *invocation) applyOptions(p *transport.Payload, v goja.Value) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return
	}
	opts, ok := v.Export().(map[string]interface{})
	if !ok {
		return
	}
	if s, ok := opts["parse_mode"].(string); ok {
		p.ParseMode = s
	}
	if s, ok := opts["caption"].(string); ok && p.PhotoURL != "" {
		p.Text = s
	}
	if b, ok := opts["disable_preview"].(bool); ok {
		p.DisablePreview = b
	}
	if raw, ok := opts["buttons"].([]interface{}); ok {
		for _, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			text, _ := m["text"].(string)
			url, _ := m["url"].(string)
			if text != "" && url != "" {
				p.Buttons = append(p.Buttons, transport.Button{Text: text, URL: url})
			}
		}
	}
}

func (inv *invocation) push(p transport.Payload) {
	if inv.exceeded != nil {
		return
	}
	size := len(p.Text) + len(p.PhotoURL)
	for _, b := range p.Buttons {
		size += len(b.Text) + len(b.URL)
	}
	if len(inv.replies) >= inv.lim.MaxReplies {
		inv.exceed(newError(KindResourceExceeded, "more than %d replies", inv.lim.MaxReplies))
		return
	}
	if inv.bytes+size > inv.lim.MaxReplyBytes {
		inv.exceed(newError(KindResourceExceeded, "replies exceed %d bytes", inv.lim.MaxReplyBytes))
		return
	}
	if p.IsZero() {
		return
	}
	inv.bytes += size
	inv.replies = append(inv.replies, p)
}

func (inv *invocation) exceed(err *Error) {
	inv.exceeded = err
	inv.vm.Interrupt(err)
}

func argString(call goja.FunctionCall, i int) string {
	v := call.Argument(i)
	if goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
