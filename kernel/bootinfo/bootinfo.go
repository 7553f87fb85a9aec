// Package bootinfo parses the boot-info blob handed to the kernel by the
// bootloader: a small header followed by a chain of 8-byte aligned tags.
// It is the kernel's only configuration surface; there is no separate
// config file to read.
package bootinfo

import "unsafe"

type tagType uint32

const (
	tagEnd tagType = iota
)

const (
	tagMemoryMap tagType = 6
	tagRSDPOld   tagType = 14
	tagRSDPNew   tagType = 15
)

// header describes the boot-info blob header.
type header struct {
	// totalSize is the size, in bytes, of the whole blob including this
	// header.
	totalSize uint32

	// reserved is always zero.
	reserved uint32
}

// tagHeader precedes every tag in the chain.
type tagHeader struct {
	// tagType identifies the tag's contents.
	tagType tagType

	// size is the size of the tag, header included, excluding any
	// trailing alignment padding.
	size uint32
}

// mmapHeader precedes the entries of a memory-map tag.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// RegionType classifies a MemRegion as usable by the PMM or not.
type RegionType uint32

const (
	// RegionReserved indicates memory that must never be handed out as a
	// free frame.
	RegionReserved RegionType = iota

	// RegionUsable indicates memory the PMM may add to its free pool.
	RegionUsable
)

// MemRegion describes one physical memory extent reported by the
// bootloader.
type MemRegion struct {
	// PhysAddress is the region's starting physical address.
	PhysAddress uint64

	// Length is the region's size in bytes.
	Length uint64

	// Type classifies the region.
	Type RegionType
}

// MemRegionVisitor is invoked once per memory-map entry by VisitMemRegions.
// Returning false stops the scan early.
type MemRegionVisitor func(region *MemRegion) bool

// Info is a parsed view over a boot-info blob. The zero value is not usable;
// construct one with New.
type Info struct {
	base uintptr
}

// New wraps the boot-info blob located at the given physical address. The
// caller is responsible for ensuring the address is mapped (it is, under
// this kernel's identity-map assumption).
func New(base uintptr) *Info {
	return &Info{base: base}
}

// Size returns the total size, in bytes, of the wrapped blob, so that
// callers (the PMM) can mark it as reserved memory.
func (i *Info) Size() uint32 {
	return (*header)(unsafe.Pointer(i.base)).totalSize
}

// Base returns the physical address of the wrapped blob.
func (i *Info) Base() uintptr {
	return i.base
}

// VisitMemRegions invokes visitor once for each memory region present in
// the blob's memory-map tag. If no such tag is present, visitor is never
// invoked.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := i.findTag(tagMemoryMap)
	if size == 0 {
		return
	}

	mapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	for curPtr != endPtr {
		entry := (*MemRegion)(unsafe.Pointer(curPtr))
		if entry.Type != RegionUsable {
			entry.Type = RegionReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(mapHeader.entrySize)
	}
}

// OldRSDP returns the physical address of the ACPI 1.0 RSDP tag's payload
// and true, or (0, false) if the bootloader did not supply one.
func (i *Info) OldRSDP() (uintptr, bool) {
	ptr, size := i.findTag(tagRSDPOld)
	return ptr, size != 0
}

// NewRSDP returns the physical address of the ACPI 2.0+ RSDP tag's payload
// and true, or (0, false) if the bootloader did not supply one.
func (i *Info) NewRSDP() (uintptr, bool) {
	ptr, size := i.findTag(tagRSDPNew)
	return ptr, size != 0
}

// findTag scans the tag chain looking for a tag of the given type. It
// returns a pointer to the tag's payload (past its header) and the
// payload's length. If no matching tag exists it returns (0, 0).
func (i *Info) findTag(want tagType) (uintptr, uint32) {
	curPtr := i.base + 8
	for {
		tag := (*tagHeader)(unsafe.Pointer(curPtr))
		if tag.tagType == tagEnd {
			return 0, 0
		}

		if tag.tagType == want {
			return curPtr + 8, tag.size - 8
		}

		// Tags are aligned at 8-byte boundaries.
		curPtr += uintptr(int32(tag.size+7) & ^int32(7))
	}
}
