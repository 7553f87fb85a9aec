// Package acpi reads the subset of the ACPI firmware tables the kernel
// needs to bring up SMP: the root system descriptor pointer, the root
// table it references (RSDT or XSDT) and the Multiple APIC Description
// Table (MADT) reachable from it. Tables are accessed directly through
// unsafe.Pointer since the boot-time identity map already covers all of
// physical memory; no virtual-memory layer is involved.
package acpi

import (
	"unsafe"

	"corekernel/kernel"
	"corekernel/kernel/bootinfo"
)

var (
	errMissingRoot = &kernel.Error{Module: "acpi", Message: "could not locate ACPI root pointer"}
	errMissingMADT = &kernel.Error{Module: "acpi", Message: "MADT table not present"}
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

	// rsdpScanLow/rsdpScanHi/rsdpScanAlign bound the legacy BIOS region
	// scanned by scanBIOSRegion. Tests override these to point at a
	// host-allocated buffer instead of real low memory.
	rsdpScanLow   uintptr = 0xe0000
	rsdpScanHi    uintptr = 0xfffff
	rsdpScanAlign uintptr = 16
)

// rsdpV1 is the ACPI 1.0 root system descriptor pointer.
type rsdpV1 struct {
	Signature [8]byte
	Checksum  uint8
	OEMID     [6]byte
	Revision  uint8
	RSDTAddr  uint32
}

// rsdpV2 extends rsdpV1 with the fields introduced by ACPI 2.0+.
type rsdpV2 struct {
	rsdpV1
	Length           uint32
	XSDTAddr         uint64
	ExtendedChecksum uint8
	reserved         [3]byte
}

// SDTHeader is the common header shared by every ACPI table.
type SDTHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

// Root identifies the tables reachable from a parsed RSDP.
type Root struct {
	// Revision is 0 for ACPI 1.0 (RSDT only) or >= 2 for ACPI 2.0+ (XSDT
	// preferred, RSDT kept as a fallback).
	Revision uint8

	// RSDTPhys is the physical address of the root system descriptor
	// table, or 0 if unavailable.
	RSDTPhys uintptr

	// XSDTPhys is the physical address of the extended system
	// descriptor table, or 0 if unavailable.
	XSDTPhys uintptr
}

// MADT is the Multiple APIC Description Table header; variable-length
// entries describing each interrupt controller follow it in memory.
type MADT struct {
	SDTHeader
	LocalAPICAddr uint32
	Flags         uint32
}

// MADTEntryType identifies the shape of a MADTEntryHeader's payload.
type MADTEntryType uint8

const (
	// MADTEntryLocalAPIC describes one processor and its local APIC.
	MADTEntryLocalAPIC MADTEntryType = 0
)

// MADTEntryHeader precedes every MADT sub-entry.
type MADTEntryHeader struct {
	Type   MADTEntryType
	Length uint8
}

// MADTLocalAPIC describes a single processor's local APIC, as reported by a
// type-0 MADT entry.
type MADTLocalAPIC struct {
	MADTEntryHeader
	ACPIProcessorID uint8
	APICID          uint8
	Flags           uint32
}

const (
	// MADTLocalAPICEnabled is set in MADTLocalAPIC.Flags when the
	// processor is usable (and thus a SMP bring-up candidate).
	MADTLocalAPICEnabled = 1 << 0
)

// FindRoot locates the ACPI root pointer. It prefers the boot-info blob's
// new (ACPI 2.0+) RSDP tag, falls back to the old (ACPI 1.0) tag, and as a
// last resort scans the BIOS read-only memory region [0xe0000, 0xfffff]
// directly, matching the historical ACPI 1.0 discovery algorithm for
// bootloaders that do not forward a boot-info RSDP tag at all.
func FindRoot(info *bootinfo.Info) (Root, *kernel.Error) {
	if ptr, ok := info.NewRSDP(); ok {
		if root, ok := parseRSDPv2(ptr); ok {
			return root, nil
		}
	}

	if ptr, ok := info.OldRSDP(); ok {
		if root, ok := parseRSDPv1(ptr); ok {
			return root, nil
		}
	}

	if root, ok := scanBIOSRegion(); ok {
		return root, nil
	}

	return Root{}, errMissingRoot
}

func parseRSDPv2(ptr uintptr) (Root, bool) {
	rsdp := (*rsdpV2)(unsafe.Pointer(ptr))
	if rsdp.Length < uint32(unsafe.Sizeof(rsdpV2{})) || !validChecksum(ptr, rsdp.Length) {
		return Root{}, false
	}

	return Root{
		Revision: rsdp.Revision,
		RSDTPhys: uintptr(rsdp.RSDTAddr),
		XSDTPhys: uintptr(rsdp.XSDTAddr),
	}, true
}

func parseRSDPv1(ptr uintptr) (Root, bool) {
	rsdp := (*rsdpV1)(unsafe.Pointer(ptr))
	if !validChecksum(ptr, uint32(unsafe.Sizeof(rsdpV1{}))) {
		return Root{}, false
	}

	return Root{
		Revision: rsdp.Revision,
		RSDTPhys: uintptr(rsdp.RSDTAddr),
	}, true
}

// scanBIOSRegion looks for the RSDP signature on a 16-byte boundary within
// the legacy BIOS read-only area, used only when the bootloader did not
// supply either boot-info RSDP tag.
func scanBIOSRegion() (Root, bool) {
	for ptr := rsdpScanLow; ptr < rsdpScanHi; ptr += rsdpScanAlign {
		sig := (*[8]byte)(unsafe.Pointer(ptr))
		if *sig != rsdpSignature {
			continue
		}

		rsdp := (*rsdpV1)(unsafe.Pointer(ptr))
		if rsdp.Revision >= acpiRev2Plus {
			if root, ok := parseRSDPv2(ptr); ok {
				return root, true
			}
			continue
		}
		if root, ok := parseRSDPv1(ptr); ok {
			return root, true
		}
	}

	return Root{}, false
}

// FindMADT walks root's XSDT (if ACPI 2.0+ and present) and falls back to
// the RSDT, returning the first table with the "APIC" signature whose
// checksum validates.
func FindMADT(root Root) (*MADT, *kernel.Error) {
	if root.Revision >= acpiRev2Plus && root.XSDTPhys != 0 {
		if h, ok := findSDTInTable(root.XSDTPhys, 8); ok {
			return (*MADT)(unsafe.Pointer(h)), nil
		}
	}

	if root.RSDTPhys != 0 {
		if h, ok := findSDTInTable(root.RSDTPhys, 4); ok {
			return (*MADT)(unsafe.Pointer(h)), nil
		}
	}

	return nil, errMissingMADT
}

var madtSignature = [4]byte{'A', 'P', 'I', 'C'}

// findSDTInTable walks an RSDT (entrySize == 4) or XSDT (entrySize == 8)
// looking for a table whose signature is "APIC".
func findSDTInTable(tableAddr uintptr, entrySize uintptr) (*SDTHeader, bool) {
	header := (*SDTHeader)(unsafe.Pointer(tableAddr))
	if header.Length < uint32(unsafe.Sizeof(SDTHeader{})) || !validChecksum(tableAddr, header.Length) {
		return nil, false
	}

	entries := (uintptr(header.Length) - unsafe.Sizeof(SDTHeader{})) / entrySize
	base := tableAddr + unsafe.Sizeof(SDTHeader{})

	for i := uintptr(0); i < entries; i++ {
		var entryAddr uintptr
		if entrySize == 8 {
			entryAddr = uintptr(*(*uint64)(unsafe.Pointer(base + i*8)))
		} else {
			entryAddr = uintptr(*(*uint32)(unsafe.Pointer(base + i*4)))
		}

		if entryAddr == 0 {
			continue
		}

		h := (*SDTHeader)(unsafe.Pointer(entryAddr))
		if h.Length < uint32(unsafe.Sizeof(SDTHeader{})) || h.Signature != madtSignature {
			continue
		}
		if !validChecksum(entryAddr, h.Length) {
			continue
		}

		return h, true
	}

	return nil, false
}

// VisitMADTEntries invokes visitor once per MADT sub-entry, stopping early
// if visitor returns false.
func VisitMADTEntries(m *MADT, visitor func(MADTEntryHeader, uintptr) bool) {
	base := uintptr(unsafe.Pointer(m)) + unsafe.Sizeof(MADT{})
	end := uintptr(unsafe.Pointer(m)) + uintptr(m.Length)

	for ptr := base; ptr+unsafe.Sizeof(MADTEntryHeader{}) <= end; {
		hdr := *(*MADTEntryHeader)(unsafe.Pointer(ptr))
		if hdr.Length == 0 {
			return
		}
		if !visitor(hdr, ptr) {
			return
		}
		ptr += uintptr(hdr.Length)
	}
}

// validChecksum returns true if the sum of all bytes in [ptr, ptr+length)
// is zero modulo 256, as required by the ACPI specification for every
// table (and the RSDP itself).
func validChecksum(ptr uintptr, length uint32) bool {
	var sum uint8
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(ptr + uintptr(i)))
	}
	return sum == 0
}
