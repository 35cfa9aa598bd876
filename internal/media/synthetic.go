package media

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is one 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const syntheticFrame = 20 * time.Millisecond

// SyntheticCapturer produces an Opus track carrying silence and a VP8 track
// that never sends a frame. It stands in for real devices on headless
// endpoints, where the call still needs send tracks for a complete SDP.
type SyntheticCapturer struct{}

func (SyntheticCapturer) Acquire(ctx context.Context, c Constraints) (*LocalMedia, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no track kinds requested", ErrDeviceUnavailable)
	}
	streamID := "synthetic-" + uuid.NewString()

	var audio, video webrtc.TrackLocal
	done := make(chan struct{})

	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, err
		}
		audio = track
		go pumpSilence(track, done)
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			close(done)
			return nil, err
		}
		video = track
	}

	log.Debugf("synthetic capture ready (stream %s, audio=%v video=%v)", streamID, c.Audio, c.Video)
	return NewLocalMedia(audio, video, func() { close(done) }), nil
}

func pumpSilence(track *webrtc.TrackLocalStaticSample, done <-chan struct{}) {
	ticker := time.NewTicker(syntheticFrame)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			// Fails harmlessly until the track is bound to a sender.
			_ = track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: syntheticFrame})
		}
	}
}
