//go:build !windows

package platform

// InitThread is a no-op where there is no COM apartment to join.
func InitThread() (func(), error) {
	return func() {}, nil
}
