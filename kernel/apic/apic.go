// Package apic drives the local APIC: the per-CPU interrupt controller used
// both to field the timer interrupt that preempts running threads and to
// send the INIT/SIPI sequence that boots application processors.
package apic

import (
	"unsafe"

	"corekernel/kernel/cpu"
)

const (
	// ia32ApicBaseMSR is the model-specific register holding the local
	// APIC's physical base address and enable bits.
	ia32ApicBaseMSR = 0x1b

	apicGlobalEnableBit = 1 << 11
	x2ApicEnableBit     = 1 << 10
)

// Register offsets within the local APIC's MMIO register page.
const (
	regID          = 0x20
	regEOI         = 0xb0
	regSVR         = 0xf0
	regICRLow      = 0x300
	regICRHigh     = 0x310
	regLVTTimer    = 0x320
	regTimerInitCt = 0x380
	regTimerDiv    = 0x3e0
)

const (
	svrEnable = 1 << 8

	icrDeliveryStatus = 1 << 12

	icrDeliveryModeInit    = 0x00004500
	icrDeliveryModeStartup = 0x00004600

	lvtTimerPeriodic = 1 << 17
	lvtMasked        = 1 << 16

	// maxDeliveryAttempts bounds the ICR delivery-status poll so a
	// non-responsive destination CPU cannot wedge bring-up forever.
	// The stuck-ICR test runs the full budget against a no-op pause stub.
	maxDeliveryAttempts = 2_000_000
)

var (
	base uintptr

	// readMSRFn/writeMSRFn/pauseFn indirect the asm-implemented cpu
	// primitives so tests can substitute host-safe stand-ins; production
	// code never reassigns them.
	readMSRFn  = cpu.ReadMSR
	writeMSRFn = cpu.WriteMSR
	pauseFn    = cpu.Pause
)

// TestOnlyMSRFns swaps the MSR access hooks and returns the previous ones,
// letting other packages' tests (kernel/smp) exercise Init without a real
// MSR. It has no role outside of tests.
func TestOnlyMSRFns(read func(uint32) uint64, write func(uint32, uint64)) (func(uint32) uint64, func(uint32, uint64)) {
	prevRead, prevWrite := readMSRFn, writeMSRFn
	readMSRFn, writeMSRFn = read, write
	return prevRead, prevWrite
}

// Init programs IA32_APIC_BASE to enable the local APIC at the given
// physical address (read from the MADT by kernel/acpi) and sets the
// spurious-interrupt vector register's enable bit. It must be called once
// per CPU during that CPU's bring-up.
func Init(lapicPhys uintptr, spuriousVector uint8) {
	v := readMSRFn(ia32ApicBaseMSR)
	v |= apicGlobalEnableBit
	v &^= x2ApicEnableBit
	v = (v &^ 0xfffff000) | (uint64(lapicPhys) & 0xfffff000)
	writeMSRFn(ia32ApicBaseMSR, v)

	base = lapicPhys
	write(regSVR, read(regSVR)|svrEnable|uint32(spuriousVector))
}

func read(reg uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(base + reg))
}

func write(reg uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(base + reg)) = v
	_ = read(reg) // force the write to complete before returning
}

// ID returns the APIC ID of the calling CPU.
func ID() uint32 {
	return read(regID) >> 24
}

// EOI signals end-of-interrupt to the local APIC. Every interrupt handler
// invoked through kernel/irq must call this before returning.
func EOI() {
	write(regEOI, 0)
}

// InitTimer programs the local APIC timer to fire at the given vector,
// either once or periodically, counting down from initialCount.
func InitTimer(vector uint8, initialCount uint32, divide uint8, periodic bool) {
	write(regTimerDiv, uint32(divide))

	mode := uint32(vector)
	if periodic {
		mode |= lvtTimerPeriodic
	}
	write(regLVTTimer, mode)
	write(regTimerInitCt, initialCount)
}

// StopTimer masks the local APIC timer so it no longer delivers
// interrupts.
func StopTimer() {
	write(regLVTTimer, read(regLVTTimer)|lvtMasked)
	write(regTimerInitCt, 0)
}

// SendInitIPI sends an INIT inter-processor interrupt to the CPU
// identified by apicID, the first step of bringing up an application
// processor.
func SendInitIPI(apicID uint32) bool {
	write(regICRHigh, apicID<<24)
	write(regICRLow, icrDeliveryModeInit)
	return waitDelivery()
}

// SendStartupIPI sends a SIPI (startup IPI) to apicID, directing it to
// begin execution at the real-mode page identified by vector (vector*0x1000
// is the trampoline's physical start address). The caller must send this
// twice, roughly 200us apart, per the MP startup protocol.
func SendStartupIPI(apicID uint32, vector uint8) bool {
	write(regICRHigh, apicID<<24)
	write(regICRLow, icrDeliveryModeStartup|uint32(vector))
	return waitDelivery()
}

// waitDelivery polls the ICR's delivery-status bit until the IPI has been
// accepted by the destination CPU or a bounded number of attempts elapses;
// a non-responsive destination must not be allowed to wedge bring-up.
func waitDelivery() bool {
	for i := 0; i < maxDeliveryAttempts; i++ {
		if read(regICRLow)&icrDeliveryStatus == 0 {
			return true
		}
		pauseFn()
	}
	return false
}
