package idtable

import "errors"

// Sentinel errors for the narrow error taxonomy this package exposes. Both
// are fatal per design: neither of them is meant to be handled by a
// caller other than by recovering the panic that carries them, inspecting
// it with errors.Is, and deciding whether to retry at a higher level or
// exit the process.
var (
	// ErrIndexOverflow is panicked by LookupEntry when index would need a
	// tree taller than the height cap of 7.
	ErrIndexOverflow = errors.New("idtable: index exceeds representable height")

	// ErrAllocationFailure is panicked when the Allocator returns a nil
	// node where a non-nil one was required.
	ErrAllocationFailure = errors.New("idtable: allocator returned no node")
)
