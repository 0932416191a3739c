package core

import (
	"errors"
	"fmt"
)

var (
	// ErrPlaybackNotAllowed is the permission-class playback failure.
	ErrPlaybackNotAllowed = errors.New("playback not allowed without user gesture")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrNoRoom             = errors.New("no room attached")
	ErrNoBearer           = errors.New("no bearer credential")
)

// MediaError wraps a device failure with its class.
type MediaError struct {
	Kind error
	Err  error
}

func (e *MediaError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *MediaError) Unwrap() []error { return []error{e.Kind, e.Err} }
