package smp

import (
	"testing"
	"unsafe"

	"corekernel/kernel/acpi"
	"corekernel/kernel/apic"
	"corekernel/kernel/bootinfo"
	"corekernel/kernel/mem"
	"corekernel/kernel/mem/heap"
	"corekernel/kernel/mem/pmm"
)

func resetHooks(t *testing.T) {
	t.Helper()

	prevCopy, prevParams := copyTrampolineFn, paramsAddrFn
	prevPause, prevCR3 := pauseFn, readCR3Fn
	prevBlob := trampolineBlob
	prevOnline := apOnline
	prevBase := defaultAPICBase

	pauseFn = func() {}

	t.Cleanup(func() {
		copyTrampolineFn, paramsAddrFn = prevCopy, prevParams
		pauseFn, readCR3Fn = prevPause, prevCR3
		trampolineBlob = prevBlob
		apOnline = prevOnline
		defaultAPICBase = prevBase
	})
}

func putU32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

func putU64(b []byte, off int, v uint64) {
	putU32(b, off, uint32(v))
	putU32(b, off+4, uint32(v>>32))
}

func calcChecksum(ptr uintptr, length uintptr) uint8 {
	var sum uint8
	for i := uintptr(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(ptr + i))
	}
	return sum
}

// buildACPIFixture lays out, in a single host buffer, an RSDP -> RSDT ->
// MADT chain whose local APIC MMIO address points at a second host buffer
// and whose MADT entries describe a BSP (id 0) plus apCount enabled APs.
func buildACPIFixture(t *testing.T, lapicBuf []byte, apCount int) (rsdpAddr uintptr) {
	t.Helper()

	entrySize := int(unsafe.Sizeof(acpi.MADTLocalAPIC{}))
	madtLen := int(unsafe.Sizeof(acpi.MADT{})) + entrySize*(1+apCount)
	rsdtLen := int(unsafe.Sizeof(acpi.SDTHeader{})) + 4
	rsdpLen := 20

	buf := make([]byte, madtLen+rsdtLen+rsdpLen+16)
	madtAddr := uintptr(unsafe.Pointer(&buf[0]))
	rsdtAddr := madtAddr + uintptr(madtLen)
	rsdpAddrVal := rsdtAddr + uintptr(rsdtLen)

	madt := (*acpi.MADT)(unsafe.Pointer(madtAddr))
	madt.Signature = [4]byte{'A', 'P', 'I', 'C'}
	madt.Length = uint32(madtLen)
	madt.LocalAPICAddr = uint32(uintptr(unsafe.Pointer(&lapicBuf[0])))

	entryAddr := madtAddr + unsafe.Sizeof(acpi.MADT{})
	bsp := (*acpi.MADTLocalAPIC)(unsafe.Pointer(entryAddr))
	bsp.Type = acpi.MADTEntryLocalAPIC
	bsp.Length = uint8(entrySize)
	bsp.APICID = 0
	bsp.Flags = acpi.MADTLocalAPICEnabled

	for i := 0; i < apCount; i++ {
		e := (*acpi.MADTLocalAPIC)(unsafe.Pointer(entryAddr + uintptr(entrySize*(i+1))))
		e.Type = acpi.MADTEntryLocalAPIC
		e.Length = uint8(entrySize)
		e.APICID = uint8(i + 1)
		e.Flags = acpi.MADTLocalAPICEnabled
	}

	madt.Checksum = -calcChecksum(madtAddr, uintptr(madtLen))

	rsdt := (*acpi.SDTHeader)(unsafe.Pointer(rsdtAddr))
	rsdt.Signature = [4]byte{'R', 'S', 'D', 'T'}
	rsdt.Length = uint32(rsdtLen)
	*(*uint32)(unsafe.Pointer(rsdtAddr + unsafe.Sizeof(acpi.SDTHeader{}))) = uint32(madtAddr)
	rsdt.Checksum = -calcChecksum(rsdtAddr, uintptr(rsdtLen))

	// Layout matches the architecturally-fixed ACPI 1.0 RSDP: Signature[8],
	// Checksum(1) at offset 8, OEMID[6], Revision(1) at offset 15, then a
	// 4-byte-aligned RSDTAddr at offset 16 — 20 bytes total, no padding.
	sig := (*[8]byte)(unsafe.Pointer(rsdpAddrVal))
	*sig = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	*(*uint32)(unsafe.Pointer(rsdpAddrVal + 16)) = uint32(rsdtAddr)
	*(*uint8)(unsafe.Pointer(rsdpAddrVal + 8)) = uint8(-calcChecksum(rsdpAddrVal, 20))

	return rsdpAddrVal
}

// buildBootInfoWithRSDP builds a boot-info blob whose old-RSDP tag (type 14)
// payload directly embeds the RSDP's own bytes, copied in place from the
// separately-built fixture at rsdpAddr — findTag returns a pointer straight
// into this payload region, and acpi.parseRSDPv1 dereferences that pointer
// as an rsdpV1 in place, so the payload itself must be the RSDP, not a
// pointer to one stored elsewhere.
func buildBootInfoWithRSDP(t *testing.T, rsdpAddr uintptr) *bootinfo.Info {
	t.Helper()

	const entryLen = 24
	tagLen := 8 + 8 + entryLen
	const rsdpLen = 20
	rsdpTagLen := 8 + rsdpLen
	// The RSDP tag is padded to 8 bytes and followed by a zero end tag.
	blobLen := 8 + tagLen + ((rsdpTagLen + 7) &^ 7) + 8

	b := make([]byte, blobLen)
	putU32(b, 0, uint32(blobLen))

	off := 8
	putU32(b, off, 6)
	putU32(b, off+4, uint32(tagLen))
	putU64(b, off+16, 0)
	putU64(b, off+24, 0x100000)
	putU32(b, off+32, 1)
	off += tagLen

	putU32(b, off, 14)
	putU32(b, off+4, uint32(rsdpTagLen))
	src := (*[rsdpLen]byte)(unsafe.Pointer(rsdpAddr))
	copy(b[off+8:off+8+rsdpLen], src[:])

	return bootinfo.New(uintptr(unsafe.Pointer(&b[0])))
}

func setupHeap(t *testing.T, pages int) {
	t.Helper()

	const entryLen = 24
	tagLen := 8 + 8 + entryLen
	blobLen := 8 + tagLen
	b := make([]byte, blobLen)
	putU32(b, 0, uint32(blobLen))
	putU32(b, 8, 6)
	putU32(b, 12, uint32(tagLen))
	putU32(b, 16, entryLen)
	putU64(b, 24, 0)
	putU64(b, 32, 256*uint64(mem.PageSize))
	putU32(b, 40, 1)

	info := bootinfo.New(uintptr(unsafe.Pointer(&b[0])))

	backing := make([]byte, 256+int(mem.PageSize))
	addr := uintptr(unsafe.Pointer(&backing[0]))
	orig := pmm.TestOnlyPlaceBitmapFn(func(uintptr, uint64) uintptr { return addr })
	t.Cleanup(func() { pmm.TestOnlyPlaceBitmapFn(orig) })

	if err := pmm.Init(info, 0, 0x1000); err != nil {
		t.Fatalf("pmm.Init: %v", err)
	}
	if err := heap.Init(pages); err != nil {
		t.Fatalf("heap.Init: %v", err)
	}
}

func TestInitFallsBackSingleCoreWhenRootMissing(t *testing.T) {
	resetHooks(t)

	lapicBuf := make([]byte, 0x400)
	defaultAPICBase = uintptr(unsafe.Pointer(&lapicBuf[0]))
	prevR, prevW := apic.TestOnlyMSRFns(func(uint32) uint64 { return 0 }, func(uint32, uint64) {})
	t.Cleanup(func() { apic.TestOnlyMSRFns(prevR, prevW) })

	blob := make([]byte, 16)
	putU32(blob, 0, 16)
	info := bootinfo.New(uintptr(unsafe.Pointer(&blob[0])))

	result := Init(info)

	if !result.SingleCore {
		t.Fatal("expected single-core fallback when no ACPI root is discoverable")
	}
}

func TestInitBringsUpAPsFromMADT(t *testing.T) {
	resetHooks(t)
	setupHeap(t, 64)

	lapicBuf := make([]byte, 0x400)
	rsdp := buildACPIFixture(t, lapicBuf, 3)
	info := buildBootInfoWithRSDP(t, rsdp)

	prevR, prevW := apic.TestOnlyMSRFns(func(uint32) uint64 { return 0 }, func(uint32, uint64) {})
	t.Cleanup(func() { apic.TestOnlyMSRFns(prevR, prevW) })

	trampolineBuf := make([]byte, 256)
	copyTrampolineFn = func(blob []byte) { copy(trampolineBuf, blob) }

	paramsBuf := make([]byte, unsafe.Sizeof(ApBootParams{}))
	paramsAddrFn = func() uintptr { return uintptr(unsafe.Pointer(&paramsBuf[0])) }

	readCR3Fn = func() uintptr { return 0xdead000 }

	SetTrampolineBlob([]byte{0x90, 0x90, 0x90})

	// Every SendInitIPI/SendStartupIPI call against the host-backed LAPIC
	// buffer leaves the delivery-status bit clear, and apOnline never
	// advances (no real AP runs ApEntry on this host) — bringUpAPs must
	// still count each candidate as started, just not online.
	result := Init(info)

	if result.SingleCore {
		t.Fatal("expected the MADT path, not single-core fallback")
	}
	if result.Started != 3 {
		t.Fatalf("expected 3 APs started; got %d", result.Started)
	}
	if result.Skipped != 3 {
		t.Fatalf("expected all 3 to be marked not-online since no real AP runs on the host; got %d", result.Skipped)
	}

	params := (*ApBootParams)(unsafe.Pointer(&paramsBuf[0]))
	if params.PML4Phys != 0xdead000 {
		t.Fatalf("expected the params block to carry CR3's value; got 0x%x", params.PML4Phys)
	}
}

func TestInitSkipsAPBringUpWithoutTrampolineBlob(t *testing.T) {
	resetHooks(t)
	setupHeap(t, 64)

	lapicBuf := make([]byte, 0x400)
	rsdp := buildACPIFixture(t, lapicBuf, 2)
	info := buildBootInfoWithRSDP(t, rsdp)

	prevR, prevW := apic.TestOnlyMSRFns(func(uint32) uint64 { return 0 }, func(uint32, uint64) {})
	t.Cleanup(func() { apic.TestOnlyMSRFns(prevR, prevW) })

	trampolineBlob = nil

	result := Init(info)

	if result.Started != 0 {
		t.Fatalf("expected no AP bring-up without an installed trampoline blob; got %d started", result.Started)
	}
}
