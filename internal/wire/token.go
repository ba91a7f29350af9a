package wire

import "unsafe"

// PointerToken derives a stable identity for a byte slice from its backing
// array's address. It is never dereferenced: every caller uses it purely
// as an opaque map key (spec.md §9 "raw pointers keyed in maps"), the same
// contract an Interconnect-style driver uses to correlate an asynchronous
// send with its later completion callback.
func PointerToken(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
