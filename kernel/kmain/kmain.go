// Package kmain contains the kernel's entry point: the single Go symbol
// the boot trampoline calls into once the bootloader has handed off to
// long mode and a minimal stack is available.
package kmain

import (
	"corekernel/kernel"
	"corekernel/kernel/bootinfo"
	"corekernel/kernel/console"
	"corekernel/kernel/irq"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem/heap"
	"corekernel/kernel/mem/pmm"
	"corekernel/kernel/sched"
	"corekernel/kernel/smp"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// consoleSink adapts the package-level console.Write function to io.Writer
// so kfmt.Printf output reaches whatever sink console.SetSink installed.
type consoleSink struct{}

func (consoleSink) Write(p []byte) (int, error) { return console.Write(p) }

// trampolineBlob is the raw machine code for the AP real-mode-to-long-mode
// trampoline, emitted by the assembler and linked into a fixed section;
// this package does not own its contents, only installs it with smp.
var trampolineBlob []byte

// Kmain is the only Go symbol visible to the rt0 assembly. It is invoked
// once, on the bootstrap processor, with the physical address of the
// boot-info blob and the kernel image's own physical extent (reserved so
// the PMM never hands out frames the kernel itself occupies).
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(bootInfoPtr, kernelStart, kernelEnd uintptr) {
	console.SetSink(console.NewVGA(0xb8000))
	console.Clear()
	kfmt.SetOutputSink(consoleSink{})

	kfmt.Printf("Boot OK (long mode)\n")

	info := bootinfo.New(bootInfoPtr)

	kfmt.Printf("-> pmm.Init\n")
	if err := pmm.Init(info, kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("-> pmm.Init OK\n")

	kfmt.Printf("-> heap.Init\n")
	if err := heap.Init(128); err != nil {
		kfmt.Panic(err)
	}
	kfmt.Printf("-> heap.Init OK\n")

	// sched's own package init already installs its Yield as the spinlock
	// contention hook (corekernel/kernel/sync.SetYieldFn); there is no
	// separate sched.Init step to call.

	kfmt.Printf("-> irq.Init\n")
	irq.Init()
	kfmt.Printf("-> irq.Init OK\n")

	kfmt.Printf("-> smp.Init\n")
	if trampolineBlob != nil {
		smp.SetTrampolineBlob(trampolineBlob)
	}
	result := smp.Init(info)
	if result.SingleCore {
		kfmt.Printf("-> smp.Init OK (single-core)\n")
	} else {
		kfmt.Printf("-> smp.Init OK (%d APs started, %d unresponsive)\n", result.Started, result.Skipped)
	}

	sched.Create(worker1, 0)
	sched.Create(worker2, 0)

	kfmt.Printf("Starting scheduler...\n")
	sched.Yield()

	kfmt.Printf("DONE\n")
	kfmt.Panic(errKmainReturned)
}

func worker1() {
	for {
		kfmt.Printf("[T1] hello\n")
		sched.Yield()
	}
}

func worker2() {
	for {
		kfmt.Printf("[T2] world\n")
		sched.Yield()
	}
}
