//go:build linux && mediadevices

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// DeviceCapturer opens the host camera and microphone through
// pion/mediadevices (V4L2 + malgo). Build with -tags mediadevices.
type DeviceCapturer struct {
	// VideoBitRate for the VP8 encoder, in bits per second.
	VideoBitRate int
}

func (d DeviceCapturer) Acquire(ctx context.Context, c Constraints) (*LocalMedia, error) {
	if err := d.checkDevices(c); err != nil {
		return nil, err
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if d.VideoBitRate > 0 {
		vpxParams.BitRate = d.VideoBitRate
	} else {
		vpxParams.BitRate = 1_500_000
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras yield frames the
			// VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	var audio, video webrtc.TrackLocal
	tracks := stream.GetTracks()
	for _, track := range tracks {
		track.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", track.Kind(), err)
			}
		})
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			audio = track
		case webrtc.RTPCodecTypeVideo:
			video = track
		}
	}
	log.Infof("captured %d local tracks", len(tracks))

	return NewLocalMedia(audio, video, func() {
		for _, t := range tracks {
			t.Close()
		}
	}), nil
}

func (d DeviceCapturer) checkDevices(c Constraints) error {
	var haveVideo, haveAudio bool
	for _, dev := range mediadevices.EnumerateDevices() {
		log.Debugf("media device kind=%v label=%q", dev.Kind, dev.Label)
		switch dev.Kind {
		case mediadevices.VideoInput:
			haveVideo = true
		case mediadevices.AudioInput:
			haveAudio = true
		}
	}
	if c.Video && !haveVideo {
		return fmt.Errorf("%w: no camera", ErrDeviceUnavailable)
	}
	if c.Audio && !haveAudio {
		return fmt.Errorf("%w: no microphone", ErrDeviceUnavailable)
	}
	return nil
}

func classifyDeviceError(err error) error {
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
