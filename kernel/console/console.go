// Package console provides the kernel's external collaborator for textual
// output: a reentrant wrapper around any io.Writer-shaped sink, plus a
// VGA text-mode implementation usable without any other subsystem wired up.
package console

import (
	"corekernel/kernel/cpu"
	"corekernel/kernel/sync"
)

// Sink is anything that can accept raw bytes for display. VGA (below)
// implements it directly; any other io.Writer can be adapted to it.
type Sink interface {
	Write(p []byte) (int, error)
}

// Console serializes access to a Sink so that a write issued from the timer
// interrupt handler can never interleave with one in progress on the
// preempted thread: callers save flags, disable interrupts, take the spin
// lock, write, release, and restore flags, matching the discipline used
// everywhere else in the kernel that a lock is shared with interrupt
// context.
type Console struct {
	lock sync.Spinlock
	sink Sink
}

var (
	global Console

	// saveFlagsFn/disableIntFn/restoreFlagsFn indirect the asm-implemented
	// cpu primitives Console.Write uses to make a write atomic with respect
	// to interrupt-context console writers; tests substitute host-safe
	// stand-ins.
	saveFlagsFn    = cpu.SaveFlags
	disableIntFn   = cpu.DisableInterrupts
	restoreFlagsFn = cpu.RestoreFlags
)

// SetSink installs w as the target of subsequent Write/WriteHexU32/
// WriteHexU64/Clear calls against the package-level console.
func SetSink(w Sink) {
	global.lock.Acquire()
	global.sink = w
	global.lock.Release()
}

// Write sends p to the installed sink. If no sink has been installed, the
// write is silently dropped — callers that need early, pre-console output
// should go through kernel/kfmt's own buffering instead.
func Write(p []byte) (int, error) {
	return global.Write(p)
}

// Write is the Console method backing the package-level Write.
func (c *Console) Write(p []byte) (int, error) {
	flags := saveFlagsFn()
	disableIntFn()
	c.lock.Acquire()

	var n int
	var err error
	if c.sink != nil {
		n, err = c.sink.Write(p)
	}

	c.lock.Release()
	restoreFlagsFn(flags)
	return n, err
}

var hexDigits = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd', 'e', 'f'}

// WriteHexU32 writes v as an 8-digit, zero-padded hexadecimal string
// (without a leading "0x") to the package-level console.
func WriteHexU32(v uint32) {
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	Write(buf[:])
}

// WriteHexU64 writes v as a 16-digit, zero-padded hexadecimal string
// (without a leading "0x") to the package-level console.
func WriteHexU64(v uint64) {
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	Write(buf[:])
}

// clearer is implemented by sinks that support clearing their surface (VGA
// does; an arbitrary io.Writer sink may not).
type clearer interface {
	Clear()
}

// Clear clears the installed sink's display surface, if it supports doing
// so.
func Clear() {
	global.lock.Acquire()
	sink := global.sink
	global.lock.Release()

	if c, ok := sink.(clearer); ok {
		c.Clear()
	}
}
