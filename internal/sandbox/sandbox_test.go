package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dop251/goja"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

func update(chatID int64, text string) transport.Update {
	return transport.Update{
		Kind:   transport.UpdateMessage,
		ChatID: chatID,
		Message: &transport.Message{
			ID:           7,
			ChatID:       chatID,
			FromID:       chatID,
			FromUsername: "alice",
			Text:         text,
		},
	}
}

func newGojaSandbox(timeout time.Duration) *Sandbox {
	return New(Config{Limits: Limits{Timeout: timeout}}, NewGojaInvoker(0, logx.Nop()), logx.Nop())
}

func TestExecuteReplies(t *testing.T) {
	t.Parallel()
	sb := newGojaSandbox(time.Second)
	code := `
		ctx.replyWithHTML("<b>hi</b> " + ctx.from.username + " " + ctx.args.join(","), {
			buttons: [{text: "site", url: "https://example.com"}]
		});
		ctx.replyWithPhoto("https://example.com/p.png", {caption: "pic"});
	`
	resp, err := sb.Execute(context.Background(), "bot-1", update(42, "/start a b"), code)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(resp.Replies) != 2 {
		t.Fatalf("replies = %d, want 2", len(resp.Replies))
	}
	first := resp.Replies[0]
	if first.Text != "<b>hi</b> alice a,b" || first.ParseMode != transport.ParseModeHTML {
		t.Fatalf("first reply = %+v", first)
	}
	if len(first.Buttons) != 1 || first.Buttons[0].URL != "https://example.com" {
		t.Fatalf("buttons = %+v", first.Buttons)
	}
	if resp.Replies[1].PhotoURL == "" || resp.Replies[1].Text != "pic" {
		t.Fatalf("photo reply = %+v", resp.Replies[1])
	}
}

func TestReturnValueBecomesReply(t *testing.T) {
	t.Parallel()
	sb := newGojaSandbox(time.Second)
	resp, err := sb.Execute(context.Background(), "b", update(1, "/echo hello"), `return "you said " + ctx.args[0];`)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if len(resp.Replies) != 1 || resp.Replies[0].Text != "you said hello" {
		t.Fatalf("replies = %+v", resp.Replies)
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		code string
		want error
	}{
		{name: "throw", code: `throw new Error("nope")`, want: ErrHandlerFault},
		{name: "syntax", code: `ctx.reply(`, want: ErrHandlerFault},
		{name: "reference", code: `undefinedThing.call()`, want: ErrHandlerFault},
		{name: "infinite loop", code: `for (;;) {}`, want: ErrTimeout},
		{name: "recursion", code: `function f(n) { return f(n + 1) + 1 } f(0)`, want: ErrResourceExceeded},
		{name: "reply flood", code: `for (var i = 0; i < 100; i++) ctx.reply("x")`, want: ErrResourceExceeded},
		{name: "empty", code: "   ", want: ErrHandlerFault},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sb := newGojaSandbox(300 * time.Millisecond)
			_, err := sb.Execute(context.Background(), "b", update(1, "/x"), tt.code)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Execute error = %v, want %v", err, tt.want)
			}
			var se *Error
			if !errors.As(err, &se) || se.BotID != "b" {
				t.Fatalf("error %v is not a *Error tagged with the bot", err)
			}
		})
	}
}

func TestNoHostCapabilities(t *testing.T) {
	t.Parallel()
	sb := newGojaSandbox(time.Second)
	code := `return [typeof require, typeof process, typeof fetch, typeof XMLHttpRequest].join(",")`
	resp, err := sb.Execute(context.Background(), "b", update(1, "/caps"), code)
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if got := resp.Replies[0].Text; got != "undefined,undefined,undefined,undefined" {
		t.Fatalf("capabilities = %q", got)
	}
}

func TestHandlersShareNoState(t *testing.T) {
	t.Parallel()
	sb := newGojaSandbox(time.Second)
	code := `if (typeof counter === "undefined") { counter = 0 } counter++; return String(counter);`
	for i := 0; i < 3; i++ {
		resp, err := sb.Execute(context.Background(), "b", update(1, "/count"), code)
		if err != nil {
			t.Fatalf("Execute error: %v", err)
		}
		if resp.Replies[0].Text != "1" {
			t.Fatalf("run %d saw leaked state: %q", i, resp.Replies[0].Text)
		}
	}
}

func TestLoopingTenantDoesNotBlockOthers(t *testing.T) {
	t.Parallel()
	sb := newGojaSandbox(500 * time.Millisecond)

	var wg sync.WaitGroup
	var loopErr error
	var loopTook time.Duration
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		_, loopErr = sb.Execute(context.Background(), "evil", update(1, "/spin"), `while (true) {}`)
		loopTook = time.Since(start)
	}()

	// While the loop spins, other bots keep getting answers.
	for i := 0; i < 20; i++ {
		resp, err := sb.Execute(context.Background(), "good", update(2, "/ping"), `ctx.reply("pong")`)
		if err != nil {
			t.Fatalf("healthy tenant failed: %v", err)
		}
		if len(resp.Replies) != 1 {
			t.Fatalf("healthy tenant replies = %d", len(resp.Replies))
		}
	}
	wg.Wait()

	if !errors.Is(loopErr, ErrTimeout) {
		t.Fatalf("loop error = %v, want timeout", loopErr)
	}
	if loopTook > 500*time.Millisecond+750*time.Millisecond {
		t.Fatalf("loop aborted after %v", loopTook)
	}
	if st := sb.Snapshot(); st.Timeouts != 1 || st.Succeeded != 20 {
		t.Fatalf("stats = %+v", st)
	}
}

type stuckInvoker struct{ release chan struct{} }

func (s stuckInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	<-s.release
	return Response{}, nil
}

func TestAbandonsInvokerIgnoringCancellation(t *testing.T) {
	t.Parallel()
	inv := stuckInvoker{release: make(chan struct{})}
	defer close(inv.release)
	sb := New(Config{Limits: Limits{Timeout: 50 * time.Millisecond}, Grace: 50 * time.Millisecond}, inv, logx.Nop())

	_, err := sb.Execute(context.Background(), "b", update(1, "/x"), "x")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if st := sb.Snapshot(); st.Abandoned != 1 {
		t.Fatalf("Abandoned = %d, want 1", st.Abandoned)
	}
}

type panicInvoker struct{}

func (panicInvoker) Invoke(context.Context, Request) (Response, error) { panic("boom") }

func TestInvokerPanicIsHandlerFault(t *testing.T) {
	t.Parallel()
	sb := New(Config{}, panicInvoker{}, logx.Nop())
	_, err := sb.Execute(context.Background(), "b", update(1, "/x"), "x")
	if !errors.Is(err, ErrHandlerFault) {
		t.Fatalf("error = %v, want handler fault", err)
	}
}

func TestPerBotConcurrencyCap(t *testing.T) {
	t.Parallel()
	inv := stuckInvoker{release: make(chan struct{})}
	sb := New(Config{
		Limits:    Limits{Timeout: time.Second},
		Grace:     time.Second,
		MaxPerBot: 1,
		SlotWait:  50 * time.Millisecond,
	}, inv, logx.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := sb.Execute(context.Background(), "b", update(1, "/x"), "x")
		done <- err
	}()
	deadline := time.Now().Add(time.Second)
	for sb.Snapshot().Running == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	_, err := sb.Execute(context.Background(), "b", update(1, "/x"), "x")
	if !errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("second call error = %v, want resource exceeded", err)
	}
	close(inv.release)
	if err := <-done; err != nil {
		t.Fatalf("first call error = %v", err)
	}
}

func TestCodeSizeLimit(t *testing.T) {
	t.Parallel()
	sb := New(Config{MaxCodeBytes: 16}, NewGojaInvoker(0, logx.Nop()), logx.Nop())
	_, err := sb.Execute(context.Background(), "b", update(1, "/x"), strings.Repeat("a", 17))
	if !errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("error = %v, want resource exceeded", err)
	}
}

func TestHeapCeilingInterrupts(t *testing.T) {
	t.Parallel()
	inv := NewGojaInvoker(1, logx.Nop())
	_, err := inv.Invoke(context.Background(), Request{
		Code:   `for (;;) {}`,
		Limits: Limits{Timeout: 5 * time.Second},
	})
	if !errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("error = %v, want resource exceeded", err)
	}
}

// Runs alone: it grows the process heap by hundreds of megabytes.
func TestDefaultConfigBoundsHandlerMemory(t *testing.T) {
	sb := New(Config{}, NewGojaInvoker(0, logx.Nop()), logx.Nop())
	code := `var s = "x"; for (var i = 0; i < 29; i++) { s += s } ctx.reply("len=" + s.length)`
	resp, err := sb.Execute(context.Background(), "b", update(1, "/grow"), code)
	if !errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("Execute = %+v, %v; want resource exceeded", resp, err)
	}
}

func TestHeapBudgetPerInvocation(t *testing.T) {
	t.Parallel()
	var heap atomic.Uint64
	heap.Store(1000)
	w := newHeapWatch(0, time.Millisecond)
	w.read = heap.Load

	vm := goja.New()
	stop := w.watch(vm, 100)
	heap.Store(1050)
	if err := stop(); err != nil {
		t.Fatalf("stop within budget = %v, want nil", err)
	}

	vm = goja.New()
	stop = w.watch(vm, 100)
	heap.Store(1200)
	_, err := vm.RunString(`for (;;) {}`)
	var ie *goja.InterruptedError
	if !errors.As(err, &ie) {
		t.Fatalf("RunString error = %v, want interrupt", err)
	}
	if got := stop(); !errors.Is(got, ErrResourceExceeded) {
		t.Fatalf("stop = %v, want resource exceeded", got)
	}

	// Crossed after the program finished but before stop.
	heap.Store(1000)
	stop = w.watch(goja.New(), 100)
	heap.Store(1101)
	if got := stop(); !errors.Is(got, ErrResourceExceeded) {
		t.Fatalf("stop after growth = %v, want resource exceeded", got)
	}
	if got := stop(); !errors.Is(got, ErrResourceExceeded) {
		t.Fatalf("second stop = %v, want the same error", got)
	}
}

func TestConsoleCaptured(t *testing.T) {
	t.Parallel()
	inv := NewGojaInvoker(0, logx.Nop())
	resp, err := inv.Invoke(context.Background(), Request{
		Code:   `for (var i = 0; i < 50; i++) console.log("line", i)`,
		Limits: Limits{MaxLogLines: 3},
	})
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if len(resp.Logs) != 3 || resp.Logs[0] != "log: line 0" {
		t.Fatalf("logs = %q", resp.Logs)
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		trigger string
		args    int
		ok      bool
	}{
		{in: "/start", trigger: "start", ok: true},
		{in: "/Start@MyBot a b", trigger: "start", args: 2, ok: true},
		{in: "  /help   me ", trigger: "help", args: 1, ok: true},
		{in: "hello", ok: false},
		{in: "/", ok: false},
		{in: "/@bot", ok: false},
	}
	for _, tt := range tests {
		trigger, args, ok := ParseCommand(tt.in)
		if ok != tt.ok || trigger != tt.trigger || len(args) != tt.args {
			t.Fatalf("ParseCommand(%q) = %q, %v, %v; want %q, %d args, %v", tt.in, trigger, args, ok, tt.trigger, tt.args, tt.ok)
		}
	}
}

func TestAbandonedInvocationKeepsItsSlot(t *testing.T) {
	t.Parallel()
	inv := stuckInvoker{release: make(chan struct{})}
	sb := New(Config{
		Limits:        Limits{Timeout: 30 * time.Millisecond},
		Grace:         20 * time.Millisecond,
		MaxConcurrent: 1,
		SlotWait:      30 * time.Millisecond,
	}, inv, logx.Nop())

	if _, err := sb.Execute(context.Background(), "a", update(1, "/x"), "x"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("first call error = %v, want timeout", err)
	}
	if st := sb.Snapshot(); st.Abandoned != 1 || st.Running != 1 {
		t.Fatalf("stats after abandon = %+v", st)
	}

	// The runaway still occupies the only global slot.
	if _, err := sb.Execute(context.Background(), "b", update(2, "/x"), "x"); !errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("second call error = %v, want resource exceeded", err)
	}

	close(inv.release)
	deadline := time.Now().Add(time.Second)
	for sb.Snapshot().Running != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := sb.Execute(context.Background(), "b", update(2, "/x"), "x"); err != nil {
		t.Fatalf("call after runaway returned: %v", err)
	}
}
