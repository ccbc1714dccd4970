package auth

import "fmt"

// StorageMode selects where token material lives.
type StorageMode string

const (
	// SameThread keeps tokens reachable from the calling goroutine.
	SameThread StorageMode = "sameThread"

	// IsolatedWorker keeps tokens inside a dedicated worker goroutine.
	// Callers only ever see responses, never tokens.
	IsolatedWorker StorageMode = "isolatedWorker"
)

// ParseStorageMode converts a configuration value into a StorageMode.
// The empty string selects SameThread.
func ParseStorageMode(s string) (StorageMode, error) {
	switch StorageMode(s) {
	case "", SameThread:
		return SameThread, nil
	case IsolatedWorker:
		return IsolatedWorker, nil
	default:
		return "", fmt.Errorf("unknown storage mode %q", s)
	}
}

func (m StorageMode) String() string {
	return string(m)
}
