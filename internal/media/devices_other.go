//go:build !(linux && mediadevices)

package media

import (
	"context"
	"fmt"
)

// DeviceCapturer reports every request as unavailable on builds without the
// mediadevices tag; hardware capture needs the Linux V4L2/malgo drivers.
type DeviceCapturer struct {
	VideoBitRate int
}

func (DeviceCapturer) Acquire(context.Context, Constraints) (*LocalMedia, error) {
	return nil, fmt.Errorf("%w: built without device capture support", ErrDeviceUnavailable)
}
