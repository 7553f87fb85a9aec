package pmm

import (
	"reflect"
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/bootinfo"
	"corekernel/kernel/kfmt"
	"corekernel/kernel/mem"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// FrameAllocator is the global bitmap allocator instance, initialized
	// by Init and used by the heap and scheduler to obtain backing pages.
	FrameAllocator bitmapAllocator

	// placeBitmapFn computes the physical address where the frame bitmap
	// is stored, given the kernel's end address and the bitmap's size in
	// bytes. The default rounds kernelEnd up to the next page boundary,
	// placing the bitmap immediately after the kernel image. Tests
	// substitute this hook to point at host-allocated memory instead.
	placeBitmapFn = defaultBitmapPlacement
)

func defaultBitmapPlacement(kernelEnd uintptr, _ uint64) uintptr {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	return (kernelEnd + pageSizeMinus1) &^ pageSizeMinus1
}

// TestOnlyPlaceBitmapFn swaps the bitmap placement hook and returns the
// previous one, so other packages' tests (kernel/mem/heap) can point the
// bitmap at host memory without a real low-memory identity map. It has no
// role outside of tests.
func TestOnlyPlaceBitmapFn(fn func(kernelEnd uintptr, bitmapBytes uint64) uintptr) func(uintptr, uint64) uintptr {
	prev := placeBitmapFn
	placeBitmapFn = fn
	return prev
}

// bitmapAllocator tracks frame reservations for the whole physical address
// space using a single flat bitmap, as opposed to one bitmap per memory
// pool. A set bit means the corresponding frame is reserved (either because
// it falls in a region the bootloader marked as unavailable, because it
// holds the kernel image or boot-info blob, or because it is currently
// allocated).
type bitmapAllocator struct {
	// totalFrames is the number of frames addressable by the bitmap; it
	// is derived from the highest address reported in the memory map.
	totalFrames uint64

	// freeFrames is the number of currently unreserved frames.
	freeFrames uint64

	// nextFrame is where the next linear scan for a free frame begins;
	// it advances monotonically and wraps back to 0 once it reaches
	// totalFrames, so repeated allocations don't always rescan from the
	// bottom of memory.
	nextFrame uint64

	bitmap    []uint64
	bitmapHdr reflect.SliceHeader
}

// Init computes the highest physical address visible in the boot-info
// memory map, places a single frame bitmap right after the kernel image
// (the kernel heap does not exist yet, so the bitmap's backing storage is
// obtained by a simple bump allocation rather than through an allocator),
// marks every frame reserved, then frees the frames covered by usable
// memory-map regions and re-reserves the kernel image and boot-info blob.
func Init(info *bootinfo.Info, kernelStart, kernelEnd uintptr) *kernel.Error {
	var maxAddr uint64
	info.VisitMemRegions(func(r *bootinfo.MemRegion) bool {
		if top := r.PhysAddress + r.Length; top > maxAddr {
			maxAddr = top
		}
		return true
	})

	if maxAddr == 0 {
		return &kernel.Error{Module: "pmm", Message: "no memory map tag in boot-info blob"}
	}

	alloc := &FrameAllocator
	alloc.totalFrames = (maxAddr + uint64(mem.PageSize) - 1) >> mem.PageShift

	bitmapWords := (alloc.totalFrames + 63) >> 6
	bitmapBytes := bitmapWords << 3

	bitmapAddr := placeBitmapFn(kernelEnd, uint64(bitmapBytes))

	alloc.bitmapHdr.Data = bitmapAddr
	alloc.bitmapHdr.Len = int(bitmapWords)
	alloc.bitmapHdr.Cap = int(bitmapWords)
	alloc.bitmap = *(*[]uint64)(unsafe.Pointer(&alloc.bitmapHdr))

	kernel.Memset(bitmapAddr, 0xff, uintptr(bitmapBytes))
	alloc.freeFrames = 0

	info.VisitMemRegions(func(r *bootinfo.MemRegion) bool {
		if r.Type == bootinfo.RegionUsable {
			alloc.markRangeFree(uintptr(r.PhysAddress), uintptr(r.Length))
		}
		return true
	})

	alloc.markRangeReserved(0, kernelEnd)
	alloc.markRangeReserved(bitmapAddr, uintptr(bitmapBytes))
	alloc.markRangeReserved(info.Base(), uintptr(info.Size()))

	alloc.printStats()
	return nil
}

// markRangeFree clears the reservation bit of every frame fully contained
// in [base, base+length), incrementing freeFrames for each one that was
// previously reserved.
func (alloc *bitmapAllocator) markRangeFree(base, length uintptr) {
	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	start := (base + pageSizeMinus1) &^ pageSizeMinus1
	end := (base + length) &^ pageSizeMinus1

	for addr := start; addr < end; addr += uintptr(mem.PageSize) {
		frame := uint64(FrameFromAddress(addr))
		if frame >= alloc.totalFrames {
			continue
		}
		if alloc.testBit(frame) {
			alloc.clearBit(frame)
			alloc.freeFrames++
		}
	}
}

// markRangeReserved sets the reservation bit of every frame overlapping
// [base, base+length), decrementing freeFrames for each one that was
// previously free.
func (alloc *bitmapAllocator) markRangeReserved(base, length uintptr) {
	if length == 0 {
		return
	}

	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	start := base &^ pageSizeMinus1
	end := (base + length + pageSizeMinus1) &^ pageSizeMinus1

	for addr := start; addr < end; addr += uintptr(mem.PageSize) {
		frame := uint64(FrameFromAddress(addr))
		if frame >= alloc.totalFrames {
			continue
		}
		if !alloc.testBit(frame) {
			alloc.setBit(frame)
			alloc.freeFrames--
		}
	}
}

func (alloc *bitmapAllocator) setBit(frame uint64) {
	alloc.bitmap[frame>>6] |= 1 << (frame & 63)
}

func (alloc *bitmapAllocator) clearBit(frame uint64) {
	alloc.bitmap[frame>>6] &^= 1 << (frame & 63)
}

func (alloc *bitmapAllocator) testBit(frame uint64) bool {
	return alloc.bitmap[frame>>6]&(1<<(frame&63)) != 0
}

// AllocFrame reserves and returns the next available frame, scanning
// forward from the last allocation point and wrapping around once. It
// returns an error if no free frame remains.
func (alloc *bitmapAllocator) AllocFrame() (Frame, *kernel.Error) {
	if alloc.freeFrames == 0 {
		return InvalidFrame, errOutOfMemory
	}

	for i := uint64(0); i < alloc.totalFrames; i++ {
		frame := (alloc.nextFrame + i) % alloc.totalFrames
		if !alloc.testBit(frame) {
			alloc.setBit(frame)
			alloc.freeFrames--
			alloc.nextFrame = frame + 1
			return Frame(frame), nil
		}
	}

	return InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously obtained from AllocFrame, making it
// eligible for future allocations again.
func (alloc *bitmapAllocator) FreeFrame(f Frame) {
	frame := uint64(f)
	if frame >= alloc.totalFrames {
		return
	}
	if alloc.testBit(frame) {
		alloc.clearBit(frame)
		alloc.freeFrames++
	}
}

// AllocContiguousRun reserves `pages` contiguous frames and returns the
// physical base address of the run. If a contiguous run of that length
// cannot be found, any frames grabbed along the way are released and it
// returns an error — callers that can tolerate a smaller run should retry
// with a smaller page count rather than treat this as fatal.
func (alloc *bitmapAllocator) AllocContiguousRun(pages int) (uintptr, *kernel.Error) {
	if pages <= 0 {
		return 0, errOutOfMemory
	}

	var first, prev Frame
	got := 0
	for i := 0; i < pages; i++ {
		f, err := alloc.AllocFrame()
		if err != nil {
			break
		}

		if i == 0 {
			first = f
		} else if f.Address() != prev.Address()+uintptr(mem.PageSize) {
			alloc.FreeFrame(f)
			break
		}

		prev = f
		got++
	}

	if got != pages {
		for i := 0; i < got; i++ {
			alloc.FreeFrame(FrameFromAddress(first.Address() + uintptr(i)*uintptr(mem.PageSize)))
		}
		return 0, errOutOfMemory
	}

	return first.Address(), nil
}

// TotalFrames returns the number of frames addressable by the bitmap.
func (alloc *bitmapAllocator) TotalFrames() uint64 {
	return alloc.totalFrames
}

// FreeFrames returns the number of frames currently available for
// allocation.
func (alloc *bitmapAllocator) FreeFrames() uint64 {
	return alloc.freeFrames
}

func (alloc *bitmapAllocator) printStats() {
	kfmt.Printf(
		"[pmm] frame stats: free: %d/%d\n",
		alloc.freeFrames,
		alloc.totalFrames,
	)
}
