//go:build js && wasm

package lockfile

import "os"

// WASM is single-process; every lock operation is a no-op.

func flockExclusive(f *os.File) error {
	return nil
}

func flockSharedProbe(f *os.File) error {
	return nil
}

// FlockExclusiveBlocking is a no-op in WASM.
func FlockExclusiveBlocking(f *os.File) error {
	return nil
}

// FlockUnlock is a no-op in WASM.
func FlockUnlock(f *os.File) error {
	return nil
}
