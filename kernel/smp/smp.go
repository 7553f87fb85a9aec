// Package smp brings up application processors: it reads the MADT (via
// kernel/acpi) to enumerate enabled local APICs, copies an AP trampoline
// blob to a fixed low-memory address, and drives each discovered AP through
// the INIT-SIPI-SIPI handshake, registering every CPU that comes up (or
// fails to) with the scheduler.
package smp

import (
	"reflect"
	"unsafe"

	"corekernel/kernel/acpi"
	"corekernel/kernel/apic"
	"corekernel/kernel/bootinfo"
	"corekernel/kernel/cpu"
	"corekernel/kernel/irq"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem/heap"
	"corekernel/kernel/sched"
)

const (
	// trampolinePhys and paramsPhys are the fixed low-memory addresses the
	// AP trampoline blob and its parameter block are copied to; they must
	// lie below 1MiB and be known to the (assembly, not-yet-written)
	// trampoline itself.
	trampolinePhys uintptr = 0x7000
	paramsPhys     uintptr = 0x8000

	apStackSize = 16 * 1024

	// onlineWaitAttempts bounds how long init spins waiting for an AP to
	// report itself online before moving on and counting it as failed.
	onlineWaitAttempts = 2_000_000
)

// defaultAPICBase is the architectural default local APIC MMIO address,
// used when no MADT is available. A var rather than a const so tests can
// redirect it at host memory instead of real low memory.
var defaultAPICBase uintptr = 0xfee00000

// ApBootParams is the parameter block the trampoline reads once it reaches
// long mode: the page-table root to load, the Go entry point to jump to,
// this AP's stack top, and its own local APIC ID.
type ApBootParams struct {
	PML4Phys uint64
	Entry    uint64
	StackTop uint64
	APICID   uint32
	_        uint32
}

var (
	// apOnline is incremented by ApEntry as each AP reports in; init polls
	// it to detect a successful handshake.
	apOnline uint32

	// lapicPhys is the MADT-advertised local APIC MMIO base, the same
	// physical address every CPU's local APIC is banked at. ApEntry needs
	// it to initialise its own local APIC.
	lapicPhys uintptr

	// copyTrampolineFn and paramsFn indirect the low-memory trampoline
	// copy and parameter-block write, which poke at fixed physical
	// addresses outside any Go-managed allocation and so cannot be
	// exercised against host memory without redirection.
	copyTrampolineFn = defaultCopyTrampoline
	paramsAddrFn     = func() uintptr { return paramsPhys }

	// pauseFn and readCR3Fn indirect further asm-only primitives used
	// during the bring-up sequence.
	pauseFn   = cpu.Pause
	readCR3Fn = cpu.ReadCR3

	// trampolineBlob is a placeholder for the real-mode/long-mode AP
	// trampoline machine code; it is populated by the boot assembly this
	// package does not own, via SetTrampolineBlob.
	trampolineBlob []byte
)

// SetTrampolineBlob installs the raw trampoline machine code that Init
// copies to trampolinePhys. The boot entry point calls this once, early,
// with the bytes emitted by the assembler for the trampoline source the
// linker placed in a known section.
func SetTrampolineBlob(blob []byte) {
	trampolineBlob = blob
}

func defaultCopyTrampoline(blob []byte) {
	dst := (*[1 << 16]byte)(unsafe.Pointer(trampolinePhys))[:len(blob)]
	copy(dst, blob)
}

// Result summarizes what Init did, for logging and tests.
type Result struct {
	SingleCore bool
	BSPID      uint32
	Started    int
	Skipped    int
}

// Init resolves the ACPI root and MADT, brings the BSP's own local APIC
// online, registers it with the scheduler, and — if a trampoline blob has
// been installed — walks the remaining enabled MADT local-APIC entries and
// starts each one as an AP. A missing or unreadable MADT falls back to a
// single-core boot at the architectural default APIC base, matching the
// original firmware-table reader's degraded-mode behaviour.
func Init(info *bootinfo.Info) Result {
	root, err := acpi.FindRoot(info)
	if err != nil {
		kfmt.Printf("SMP: ACPI root not found, staying single-core.\n")
		apic.Init(defaultAPICBase, 0x27)
		bsp := apic.ID()
		sched.RegisterCPU(bsp)
		return Result{SingleCore: true, BSPID: bsp}
	}

	madt, err := acpi.FindMADT(root)
	if err != nil {
		kfmt.Printf("SMP: MADT not found, staying single-core.\n")
		apic.Init(defaultAPICBase, 0x27)
		bsp := apic.ID()
		sched.RegisterCPU(bsp)
		return Result{SingleCore: true, BSPID: bsp}
	}

	lapicPhys = uintptr(madt.LocalAPICAddr)
	apic.Init(lapicPhys, 0x27)
	bsp := apic.ID()
	sched.RegisterCPU(bsp)

	if trampolineBlob == nil {
		return Result{BSPID: bsp}
	}

	return bringUpAPs(madt, bsp)
}

func bringUpAPs(madt *acpi.MADT, bspID uint32) Result {
	type candidate struct{ apicID uint8 }
	var candidates []candidate

	acpi.VisitMADTEntries(madt, func(hdr acpi.MADTEntryHeader, ptr uintptr) bool {
		if hdr.Type != acpi.MADTEntryLocalAPIC {
			return true
		}
		entry := (*acpi.MADTLocalAPIC)(unsafe.Pointer(ptr))
		if entry.Flags&acpi.MADTLocalAPICEnabled == 0 {
			return true
		}
		if uint32(entry.APICID) == bspID {
			return true
		}
		candidates = append(candidates, candidate{apicID: entry.APICID})
		return true
	})

	// Supplements the original fixed eight-slot stack pool (spec's open
	// question on the AP startup limit): size the pool to exactly the
	// number of APs this MADT actually enumerates, allocated through the
	// kernel heap once it exists, rather than capping silently at 8.
	stacks := make([][]byte, len(candidates))
	for i := range stacks {
		mem := heap.Alloc(apStackSize, 16)
		if mem == nil {
			candidates = candidates[:i]
			stacks = stacks[:i]
			break
		}
		stacks[i] = (*[apStackSize]byte)(mem)[:]
	}

	copyTrampolineFn(trampolineBlob)

	params := (*ApBootParams)(unsafe.Pointer(paramsAddrFn()))
	params.PML4Phys = uint64(readCR3Fn())
	params.Entry = uint64(reflect.ValueOf(ApEntry).Pointer())

	started := 0
	skipped := 0

	for i, c := range candidates {
		stackTop := uintptr(unsafe.Pointer(&stacks[i][0])) + apStackSize
		params.StackTop = uint64(stackTop)
		params.APICID = uint32(c.apicID)

		apic.SendInitIPI(uint32(c.apicID))
		busyWait()

		vector := uint8(trampolinePhys >> 12)
		apic.SendStartupIPI(uint32(c.apicID), vector)
		busyWait()
		apic.SendStartupIPI(uint32(c.apicID), vector)

		target := uint32(started + 1)
		online := false
		for attempt := 0; attempt < onlineWaitAttempts; attempt++ {
			if apOnline == target {
				online = true
				break
			}
			pauseFn()
		}

		sched.RegisterCPU(uint32(c.apicID))
		started++
		if !online {
			skipped++
		}
	}

	kfmt.Printf("SMP: started APs.\n")
	return Result{BSPID: bspID, Started: started, Skipped: skipped}
}

func busyWait() {
	for i := 0; i < 200_000; i++ {
		pauseFn()
	}
}

// ApEntry is the Go-side AP entry point the trampoline jumps to once an
// application processor has reached long mode with interrupts still
// disabled. It reports itself online, enables its local APIC, brings up its
// own interrupt dispatch via irq.Init, enables interrupts, and enters the
// scheduler loop — it never returns. The BSP registers each AP with the
// scheduler in bringUpAPs; ApEntry does not.
func ApEntry(apicID uint32) {
	apOnline++

	apic.Init(lapicPhys, 0x27)
	irq.Init()
	cpu.EnableInterrupts()

	for {
		sched.Yield()
	}
}
