package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// Pause executes the PAUSE instruction, the recommended hint for tight
// spin-wait loops such as delivery-status polls and AP-online waits.
func Pause()

// SaveFlags returns the current RFLAGS register. Paired with RestoreFlags
// around critical sections that must run with a known, restorable
// interrupt-enable state.
func SaveFlags() uint64

// RestoreFlags loads RFLAGS from a value previously obtained via SaveFlags.
func RestoreFlags(flags uint64)

// ReadMSR reads the model-specific register identified by msr.
func ReadMSR(msr uint32) uint64

// WriteMSR writes value to the model-specific register identified by msr.
func WriteMSR(msr uint32, value uint64)

// ReadCR3 returns the physical address of the currently active top-level
// page table. SMP bring-up reads this once to populate the AP trampoline's
// parameter block.
func ReadCR3() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Context holds the callee-saved register state that must survive a context
// switch: the non-volatile general purpose registers together with the
// stack and instruction pointers. Its layout is dictated by the assembly
// implementation of ContextSwitch.
type Context struct {
	RBX uint64
	RBP uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
	RSP uint64
	RIP uint64
}

// ContextSwitch saves the calling thread's callee-saved registers into old,
// loads the registers in new and resumes execution at new.RIP. It returns
// only once some other thread switches back into old.
func ContextSwitch(old, new *Context)
