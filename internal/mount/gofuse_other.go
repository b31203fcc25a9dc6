//go:build !linux && !darwin

package mount

const goFuseSupported = false

func newGoFuseBackend(opts Options) (Backend, error) {
	return nil, unsupportedBackend("go-fuse")
}
