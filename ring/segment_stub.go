//go:build !linux && !darwin

package ring

import "errors"

var errNoSharedSegments = errors.New("shared ring segments are not supported on this platform")

// Create is unavailable off unix; local rings still work for in-process use.
func Create(id string, capacity uint32) (*Ring, error) {
	return nil, errNoSharedSegments
}

// Open is unavailable off unix.
func Open(path string) (*Ring, error) {
	return nil, errNoSharedSegments
}

// Remove is a no-op for local rings.
func Remove(r *Ring) error {
	return nil
}

func unmapRegion(mem []byte) error {
	return nil
}
