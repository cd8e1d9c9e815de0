//go:build !linux

package idle

// DefaultSignalSource returns nil: OS lock signals are only watched on Linux.
func DefaultSignalSource() SignalSource {
	return nil
}
