// Package heap implements the kernel's dynamic memory allocator: a
// doubly-linked, address-ordered chain of blocks carved out of a run of
// physical frames obtained from kernel/mem/pmm.
package heap

import (
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/pmm"
	"corekernel/kernel/sync"
)

var (
	errNoContiguousRun = &kernel.Error{Module: "heap", Message: "could not reserve a contiguous run of frames"}

	heapBase, heapEnd uintptr
	head              *blockHeader
	lock              sync.Spinlock
)

// blockHeader precedes every block (free or allocated) in the heap. Blocks
// form a doubly linked, address-ordered chain so that neighbours can be
// located in O(1) time for coalescing.
type blockHeader struct {
	size uintptr
	prev *blockHeader
	next *blockHeader
	free bool
}

const headerSize = unsafe.Sizeof(blockHeader{})

// ptrSize is the size of the back-reference slot written immediately before
// every payload, letting Free locate the owning blockHeader in O(1) without
// scanning the chain.
const ptrSize = unsafe.Sizeof(uintptr(0))

// minSplitRemainder is the smallest remainder (header + usable bytes) worth
// splitting off as its own free block; smaller remainders are left attached
// to the allocated block as internal fragmentation instead.
const minSplitRemainder = headerSize + 16

func blockBase(b *blockHeader) uintptr {
	return uintptr(unsafe.Pointer(b)) + headerSize
}

func blockEnd(b *blockHeader) uintptr {
	return blockBase(b) + b.size
}

// Init reserves a contiguous run of physical frames from pmm.FrameAllocator
// and initializes the heap as a single free block spanning them. pageCounts
// is tried in order, largest first; if the first (and typically largest)
// count cannot be satisfied as a contiguous run, Init falls back to the
// next smaller count rather than failing outright, improving the odds of
// getting a usable heap out of a fragmented memory map.
func Init(pageCounts ...int) *kernel.Error {
	var err *kernel.Error
	for _, pages := range pageCounts {
		if pages <= 0 {
			continue
		}
		if err = tryInit(pages); err == nil {
			return nil
		}
	}
	if err == nil {
		err = errNoContiguousRun
	}
	return err
}

// tryInit attempts to reserve exactly `pages` contiguous frames and, on
// success, initializes the heap over them.
func tryInit(pages int) *kernel.Error {
	heapBase, heapEnd, head = 0, 0, nil

	base, err := pmm.FrameAllocator.AllocContiguousRun(pages)
	if err != nil {
		return errNoContiguousRun
	}

	end := base + uintptr(pages)*uintptr(mem.PageSize)
	if end <= base+headerSize {
		for i := 0; i < pages; i++ {
			pmm.FrameAllocator.FreeFrame(pmm.FrameFromAddress(base + uintptr(i)*uintptr(mem.PageSize)))
		}
		return errNoContiguousRun
	}

	heapBase, heapEnd = base, end

	head = (*blockHeader)(unsafe.Pointer(base))
	*head = blockHeader{
		size: end - base - headerSize,
		free: true,
	}
	return nil
}

// Alloc returns a pointer to a block of at least size bytes, aligned to
// align (rounded up to a power of two no smaller than unsafe.Sizeof(uintptr(0))).
// It returns nil if the heap has not been initialized or has no block big
// enough to satisfy the request.
func Alloc(size, align uintptr) unsafe.Pointer {
	if head == nil || size == 0 {
		return nil
	}

	if align < ptrSize {
		align = ptrSize
	}
	align = nextPow2(align)

	lock.Acquire()
	defer lock.Release()

	for b := head; b != nil; b = b.next {
		if !b.free {
			continue
		}

		base := blockBase(b)
		raw := base + ptrSize
		payload := (raw + align - 1) &^ (align - 1)
		allocEnd := payload + size
		end := blockEnd(b)

		if allocEnd > end {
			continue
		}

		split := (allocEnd + (unsafe.Alignof(blockHeader{}) - 1)) &^ (unsafe.Alignof(blockHeader{}) - 1)
		if end-split >= minSplitRemainder {
			nb := (*blockHeader)(unsafe.Pointer(split))
			*nb = blockHeader{
				size: end - split - headerSize,
				prev: b,
				next: b.next,
				free: true,
			}
			if b.next != nil {
				b.next.prev = nb
			}
			b.next = nb
			b.size = split - base
		}

		b.free = false
		*(*uintptr)(unsafe.Pointer(payload - ptrSize)) = uintptr(unsafe.Pointer(b))
		return unsafe.Pointer(payload)
	}

	return nil
}

// Free releases a block previously obtained from Alloc, coalescing it with
// any immediately adjacent free neighbours. Freeing a nil pointer, a
// pointer outside the heap, or a double-free is a silent no-op, matching
// the allocator's "never crash the kernel on a bookkeeping slip" posture.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	p := uintptr(ptr)
	if p < heapBase || p >= heapEnd {
		return
	}

	lock.Acquire()
	defer lock.Release()

	if p < heapBase+headerSize+ptrSize {
		return
	}

	meta := p - ptrSize
	b := (*blockHeader)(unsafe.Pointer(*(*uintptr)(unsafe.Pointer(meta))))
	if b == nil {
		return
	}

	baddr := uintptr(unsafe.Pointer(b))
	if baddr < heapBase || baddr+headerSize > heapEnd {
		return
	}

	base := blockBase(b)
	if base > p || base < heapBase {
		return
	}
	if b.size > heapEnd-base {
		return
	}
	end := base + b.size
	if meta < base || meta+ptrSize > end {
		return
	}
	if b.free {
		return
	}

	b.free = true
	coalesce(b)
}

// coalesce merges b with its immediate free neighbours, if any.
func coalesce(b *blockHeader) {
	if b.next != nil && b.next.free && blockEnd(b) == uintptr(unsafe.Pointer(b.next)) {
		n := b.next
		b.size += headerSize + n.size
		b.next = n.next
		if n.next != nil {
			n.next.prev = b
		}
	}

	if b.prev != nil && b.prev.free && blockEnd(b.prev) == uintptr(unsafe.Pointer(b)) {
		p := b.prev
		p.size += headerSize + b.size
		p.next = b.next
		if b.next != nil {
			b.next.prev = p
		}
	}
}

func nextPow2(v uintptr) uintptr {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v |= v >> 32
	v++
	return v
}
