// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
)

var (
	allocRunFn      = pmm.FrameAllocator.AllocContiguousRun
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves a region of size bytes for the Go allocator. Physical
// memory is identity-mapped and there is no separate virtual address space
// to carve out, so reserving a region means committing a contiguous run of
// physical frames for it up front; "reserved" therefore means the frames
// backing the region already exist, not that a mapping is still pending.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	*reserved = true

	pages := pageCount(size)
	if pages == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	base, err := allocRunFn(pages)
	if err != nil {
		panic(err)
	}

	return unsafe.Pointer(base)
}

// sysMap finishes preparing a region previously obtained from sysReserve for
// use. Since sysReserve already committed real physical frames (there is no
// lazy, copy-on-write zero-page scheme here), sysMap only needs to zero the
// region so it reads as freshly-mapped memory, matching what the Go runtime
// expects of newly mapped spans.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionSize := uintptr(pageCount(size)) << mem.PageShift
	kernel.Memset(uintptr(virtAddr), 0, regionSize)

	mSysStatInc(sysStat, regionSize)
	return virtAddr
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and zeroes them, returning the pointer to the region start.
//
// This function replaces runtime.sysAlloc and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	pages := pageCount(size)
	if pages == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	base, err := allocRunFn(pages)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	regionSize := uintptr(pages) << mem.PageShift
	kernel.Memset(base, 0, regionSize)

	mSysStatInc(sysStat, regionSize)
	return unsafe.Pointer(base)
}

func pageCount(size uintptr) int {
	return int((mem.Size(size) + mem.PageSize - 1) >> mem.PageShift)
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced when the timekeeper package is
// implemented.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The implementation
// is the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//  - heap memory allocation (new, make e.t.c)
//  - map primitives
//  - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
