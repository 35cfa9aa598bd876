// Package media acquires the local capture tracks a call session sends.
package media

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

var (
	// ErrDeviceUnavailable means no capture device matched the request.
	ErrDeviceUnavailable = errors.New("no capture device available")

	// ErrPermissionDenied means the user or the OS refused device access.
	ErrPermissionDenied = errors.New("capture device permission denied")

	// ErrInsecureContext means capture was requested over an untrusted transport.
	ErrInsecureContext = errors.New("capture requires a secure context")
)

// Constraints selects which kinds of tracks to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Capturer opens local capture devices.
type Capturer interface {
	Acquire(ctx context.Context, c Constraints) (*LocalMedia, error)
}

// LocalMedia is a set of captured tracks. Stop releases the devices and may
// be called more than once.
type LocalMedia struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
}

// NewLocalMedia bundles tracks with the function that releases them.
func NewLocalMedia(audio, video webrtc.TrackLocal, stop func()) *LocalMedia {
	return &LocalMedia{Audio: audio, Video: video, stop: stop}
}

// Tracks returns the non-nil tracks, audio first.
func (m *LocalMedia) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if m.Audio != nil {
		tracks = append(tracks, m.Audio)
	}
	if m.Video != nil {
		tracks = append(tracks, m.Video)
	}
	return tracks
}

func (m *LocalMedia) Stop() {
	m.stopOnce.Do(func() {
		if m.stop != nil {
			m.stop()
		}
	})
}

// CheckSecureContext accepts requests that arrived over TLS or from a
// loopback host, the same rule browsers apply before exposing capture.
func CheckSecureContext(tls bool, host string) error {
	if tls {
		return nil
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return ErrInsecureContext
}
