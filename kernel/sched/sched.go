// Package sched implements the per-CPU cooperative+preemptive thread
// scheduler: thread creation on the kernel heap, round-robin CPU placement
// at creation time, and the yield/yield-from-interrupt paths that drive
// context switches.
package sched

import (
	"reflect"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/apic"
	"corekernel/kernel/cpu"
	"corekernel/kernel/mem/heap"
	"corekernel/kernel/sync"
)

// MaxCPUs bounds the number of logical processors the scheduler can track,
// indexed by local APIC ID.
const MaxCPUs = 256

// defaultStackSize is used by Create when the caller does not request a
// specific stack size.
const defaultStackSize = 16 * 1024

var (
	errOutOfMemory = &kernel.Error{Module: "sched", Message: "could not allocate thread or stack"}

	// cpuIDFn returns the calling CPU's index into perCPU. It defaults to
	// the local APIC driver but is overridden in tests, which have no real
	// APIC to query.
	cpuIDFn = apic.ID

	// contextSwitchFn performs the actual register-context swap. Indirected
	// so tests can observe or stub a switch without real assembly.
	contextSwitchFn = cpu.ContextSwitch

	// The following indirect the asm-implemented cpu primitives Yield and
	// YieldFromIRQ touch directly, so both can be exercised against a host
	// stand-in instead of real interrupt/halt instructions.
	saveFlagsFn    = cpu.SaveFlags
	restoreFlagsFn = cpu.RestoreFlags
	disableIntFn   = cpu.DisableInterrupts
	enableIntFn    = cpu.EnableInterrupts
	haltFn         = cpu.Halt

	perCPU         [MaxCPUs]cpuState
	registeredCPUs []uint32

	rosterLock sync.Spinlock
	roster     []*Thread
)

// cpuState holds everything the scheduler needs to track for a single
// logical processor.
type cpuState struct {
	current   *Thread
	queue     *Thread // head of a singly-linked run queue, threaded through Thread.next
	queueTail *Thread
	lock      sync.Spinlock
	idle      Thread // bootstrap stub so current is never nil
}

// Thread is an opaque scheduling unit: a saved register context, its owning
// stack, an entry point, and one intrusive link, next, for whichever run
// queue currently holds it. Membership in the process-wide roster is held in
// the package-level roster slice, not in a second link on the Thread.
type Thread struct {
	ctx   cpu.Context
	entry func()

	stack     unsafe.Pointer
	stackSize uintptr

	finished bool
	cpuID    uint32

	// next links the thread into whichever CPU run queue currently holds
	// it; the roster below is the second of the two links the scheduler
	// needs (one run queue, one global), kept as a slice rather than an
	// intrusive pointer chain since ReapFinished already needs to
	// compact it.
	next *Thread
}

// Finished reports whether the thread's entry function has returned.
func (t *Thread) Finished() bool {
	return t.finished
}

func init() {
	sync.SetYieldFn(Yield)
}

// RegisterCPU adds id to the set of logical processors Create round-robins
// over. SMP bring-up calls this once per CPU as it comes online; a
// single-core boot calls it once for the BSP.
func RegisterCPU(id uint32) {
	if id >= MaxCPUs {
		return
	}

	rosterLock.Acquire()
	defer rosterLock.Release()
	for _, known := range registeredCPUs {
		if known == id {
			return
		}
	}
	registeredCPUs = append(registeredCPUs, id)
}

// Create allocates a Thread and its stack on the kernel heap, arranges for
// the first switch into it to enter threadEntryTrampoline, appends it to the
// global roster, and pushes it onto the run queue of the next CPU in
// round-robin order. It returns an error if either allocation fails.
func Create(entry func(), stackSize uintptr) (*Thread, *kernel.Error) {
	if stackSize == 0 {
		stackSize = defaultStackSize
	}

	threadMem := heap.Alloc(unsafe.Sizeof(Thread{}), unsafe.Alignof(Thread{}))
	if threadMem == nil {
		return nil, errOutOfMemory
	}

	stackMem := heap.Alloc(stackSize, 16)
	if stackMem == nil {
		heap.Free(threadMem)
		return nil, errOutOfMemory
	}

	t := (*Thread)(threadMem)
	*t = Thread{
		entry:     entry,
		stack:     stackMem,
		stackSize: stackSize,
	}

	// The ABI requires the stack pointer to be 8 mod 16 at function entry;
	// context_switch's ret off the prepared stack counts as the "call" that
	// establishes that invariant, so the top of the stack holds a fake
	// zero return address for the trampoline's own frame.
	top := uintptr(stackMem) + stackSize
	top &^= 0xf
	top -= 8
	*(*uint64)(unsafe.Pointer(top)) = 0

	t.ctx.RSP = uint64(top)
	t.ctx.RIP = uint64(trampolineAddr())

	if len(registeredCPUs) == 0 {
		t.cpuID = 0
	} else {
		rosterLock.Acquire()
		t.cpuID = registeredCPUs[len(roster)%len(registeredCPUs)]
		rosterLock.Release()
	}

	rosterLock.Acquire()
	roster = append(roster, t)
	rosterLock.Release()

	pushRunQueue(t.cpuID, t)

	return t, nil
}

func pushRunQueue(cpuID uint32, t *Thread) {
	cs := &perCPU[cpuID]
	cs.lock.Acquire()
	t.next = nil
	if cs.queueTail == nil {
		cs.queue = t
	} else {
		cs.queueTail.next = t
	}
	cs.queueTail = t
	cs.lock.Release()
}

func popRunQueue(cpuID uint32) *Thread {
	cs := &perCPU[cpuID]
	cs.lock.Acquire()
	t := cs.queue
	if t != nil {
		cs.queue = t.next
		if cs.queue == nil {
			cs.queueTail = nil
		}
		t.next = nil
	}
	cs.lock.Release()
	return t
}

// Yield performs a cooperative context switch on the calling CPU: the
// currently running thread (if real and unfinished) is re-queued, the next
// ready thread is popped and switched into, and if no thread is ready
// interrupts are re-enabled and the CPU halts until the next one arrives, at
// which point the pop is retried.
func Yield() {
	cpuID := cpuIDFn()
	cs := &perCPU[cpuID]

	flags := saveFlagsFn()
	disableIntFn()

	prev := cs.current
	if prev == nil {
		prev = &cs.idle
		cs.current = prev
	}
	if prev != &cs.idle && !prev.finished {
		pushRunQueue(cpuID, prev)
	}

	for {
		next := popRunQueue(cpuID)
		if next != nil {
			cs.current = next
			contextSwitchFn(&prev.ctx, &next.ctx)
			restoreFlagsFn(flags)
			return
		}

		ReapFinished()
		enableIntFn()
		haltFn()
		disableIntFn()
	}
}

// YieldFromIRQ is invoked by the timer interrupt handler to preempt the
// currently running thread. If the current thread is the idle stub or has
// already finished, it is a no-op — the handler returns to the same
// context — otherwise it behaves like Yield but is called with interrupts
// already disabled by the interrupt-entry path.
func YieldFromIRQ() {
	cpuID := cpuIDFn()
	cs := &perCPU[cpuID]

	prev := cs.current
	if prev == nil || prev == &cs.idle || prev.finished {
		return
	}

	pushRunQueue(cpuID, prev)

	next := popRunQueue(cpuID)
	if next == nil {
		return
	}

	cs.current = next
	contextSwitchFn(&prev.ctx, &next.ctx)
}

// threadEntryTrampoline is the assembly-callable entry point every freshly
// created thread's context points at. It loads the current thread for this
// CPU, re-enables interrupts, calls its entry function, marks it finished
// and yields; if Yield ever returns here (it should not, since a finished
// thread is never re-queued), it halts.
func threadEntryTrampoline() {
	cpuID := cpuIDFn()
	t := perCPU[cpuID].current

	enableIntFn()
	t.entry()
	t.finished = true

	Yield()
	for {
		haltFn()
	}
}

// trampolineAddr returns threadEntryTrampoline's entry address for seeding
// a fresh Thread's saved instruction pointer.
//
//go:noinline
func trampolineAddr() uintptr {
	return reflect.ValueOf(threadEntryTrampoline).Pointer()
}

// ReapFinished walks the thread roster and, for every thread marked
// finished that is no longer linked into any run queue, removes it from the
// roster and returns its stack and record to the heap. It is called from
// the idle branch of Yield rather than inline at the end of
// threadEntryTrampoline, which would need a terminal stack of its own to
// run on after its own thread's storage is freed.
func ReapFinished() {
	rosterLock.Acquire()
	defer rosterLock.Release()

	kept := roster[:0]
	for _, t := range roster {
		if t.finished && t.next == nil && !isCurrent(t) {
			heap.Free(t.stack)
			heap.Free(unsafe.Pointer(t))
			continue
		}
		kept = append(kept, t)
	}
	roster = kept
}

func isCurrent(t *Thread) bool {
	for i := range perCPU {
		if perCPU[i].current == t {
			return true
		}
	}
	return false
}

// RosterLen returns the number of threads currently tracked by the roster,
// used by tests to observe reap behaviour without exposing the slice.
func RosterLen() int {
	rosterLock.Acquire()
	defer rosterLock.Release()
	return len(roster)
}
