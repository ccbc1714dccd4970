package authenticate

import (
	"authsession/pkg/auth"
)

// Runtime describes what the hosting process can provide.
type Runtime struct {
	// WorkersSupported is false on hosts that must not start a dedicated
	// token worker.
	WorkersSupported bool
}

// DefaultRuntime supports workers.
func DefaultRuntime() Runtime {
	return Runtime{WorkersSupported: true}
}

// SelectStrategy decides the storage mode for the runtime. Requesting an
// isolated worker on a runtime without worker support is an
// *auth.InitializationError.
func SelectStrategy(mode auth.StorageMode, rt Runtime) (auth.StorageMode, error) {
	switch mode {
	case "", auth.SameThread:
		return auth.SameThread, nil
	case auth.IsolatedWorker:
		if !rt.WorkersSupported {
			return "", &auth.InitializationError{
				Mode:   mode,
				Reason: "the runtime cannot host a worker",
			}
		}
		return auth.IsolatedWorker, nil
	default:
		return "", &auth.InitializationError{Mode: mode, Reason: "unknown storage mode"}
	}
}
