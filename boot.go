package main

import "corekernel/kernel/kmain"

var bootInfoPtr, kernelImageStart, kernelImageEnd uintptr

// main makes a dummy call to the actual kernel entrypoint function. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code; it is invoked by the rt0 assembly stub after the
// bootloader hands off to long mode and a minimal stack is in place.
//
// Passing global variables as arguments to Kmain (rather than literals)
// prevents the compiler from inlining the call and dropping Kmain from the
// generated object file.
func main() {
	kmain.Kmain(bootInfoPtr, kernelImageStart, kernelImageEnd)
}
