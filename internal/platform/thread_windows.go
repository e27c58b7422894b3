//go:build windows

package platform

import (
	"errors"
	"fmt"

	"github.com/go-ole/go-ole"
)

const (
	hrSFalse          = 0x00000001
	hrRPCEChangedMode = 0x80010106
)

// InitThread initializes COM on the calling OS thread. The caller must have
// locked the goroutine to its thread and must call the returned function
// from the same thread when done with every object created on it.
func InitThread() (func(), error) {
	err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	if err == nil {
		return ole.CoUninitialize, nil
	}

	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		switch uint32(oleErr.Code()) {
		case hrSFalse:
			// Already initialized in this mode; the call still needs balancing.
			return ole.CoUninitialize, nil
		case hrRPCEChangedMode:
			// Someone else initialized the thread with another model; theirs to undo.
			return func() {}, nil
		}
	}
	return nil, fmt.Errorf("CoInitializeEx: %w", err)
}
