package sandbox

import (
	"runtime/metrics"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const heapMetric = "/memory/classes/heap/objects:bytes"

// heapWatch interrupts interpreters whose heap budget is crossed. Each
// invocation may grow the heap by its own budget over what it saw at start;
// a non-zero ceiling caps the whole process on top of that. Heap usage
// cannot be attributed to a single runtime, so a handler running next to a
// runaway one can be stopped with it.
type heapWatch struct {
	ceiling  uint64
	interval time.Duration

	mu      sync.Mutex
	active  map[*goja.Runtime]*heapBudget
	running bool
	read    func() uint64
}

type heapBudget struct {
	limit uint64
	err   *Error
	done  bool
}

func newHeapWatch(ceiling uint64, interval time.Duration) *heapWatch {
	return &heapWatch{
		ceiling:  ceiling,
		interval: interval,
		active:   make(map[*goja.Runtime]*heapBudget),
		read:     readHeapBytes,
	}
}

// watch registers vm with a budget of growth bytes. The returned stop func
// is idempotent and reports whether the budget was crossed during the run
// or is still crossed at the end of it.
func (h *heapWatch) watch(vm *goja.Runtime, growth uint64) func() *Error {
	if h == nil || (h.ceiling == 0 && growth == 0) {
		return func() *Error { return nil }
	}
	b := &heapBudget{limit: h.ceiling}
	if growth > 0 {
		if l := h.read() + growth; b.limit == 0 || l < b.limit {
			b.limit = l
		}
	}

	h.mu.Lock()
	h.active[vm] = b
	if !h.running {
		h.running = true
		go h.loop()
	}
	h.mu.Unlock()

	return func() *Error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if b.done {
			return b.err
		}
		b.done = true
		delete(h.active, vm)
		if b.err == nil {
			if used := h.read(); used > b.limit {
				b.err = overBudget(used, b.limit)
			}
		}
		return b.err
	}
}

func (h *heapWatch) loop() {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for range t.C {
		h.mu.Lock()
		if len(h.active) == 0 {
			h.running = false
			h.mu.Unlock()
			return
		}
		used := h.read()
		for vm, b := range h.active {
			if used <= b.limit {
				continue
			}
			b.err = overBudget(used, b.limit)
			vm.Interrupt(b.err)
			delete(h.active, vm)
		}
		h.mu.Unlock()
	}
}

func overBudget(used, limit uint64) *Error {
	return newError(KindResourceExceeded, "heap %d bytes over limit %d", used, limit)
}

func readHeapBytes() uint64 {
	s := []metrics.Sample{{Name: heapMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s[0].Value.Uint64()
}
