package callsession

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Constraints describes the fixed capture parameters used for every call.
type Constraints struct {
	Audio bool
	Video bool

	Width     int
	Height    int
	FrameRate int

	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// DefaultConstraints returns the call capture profile: audio always, video on
// request at 1280x720@30, with echo cancellation, noise suppression and
// automatic gain control enabled.
func DefaultConstraints(video bool) Constraints {
	return Constraints{
		Audio:            true,
		Video:            video,
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// MediaSource produces local media for a call. Implementations back the
// tracks with a real capture device or a synthetic generator.
type MediaSource interface {
	Capture(ctx context.Context, c Constraints) (*LocalMedia, error)
}

// LocalTrack pairs a sample track with its enabled flag. Sample writers honor
// the flag, so disabling a track pauses its media without renegotiation.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    webrtc.RTPCodecType
	enabled atomic.Bool

	stopOnce sync.Once
	stop     func()
}

func newLocalTrack(track *webrtc.TrackLocalStaticSample, kind webrtc.RTPCodecType, stop func()) *LocalTrack {
	t := &LocalTrack{track: track, kind: kind, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *LocalTrack) Enabled() bool             { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(v bool)         { t.enabled.Store(v) }

// Stop halts the track's writer. Safe to call more than once; the writer is
// released exactly once.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		if t.stop != nil {
			t.stop()
		}
	})
}

// LocalMedia owns the local tracks of one call.
type LocalMedia struct {
	tracks []*LocalTrack
}

func (m *LocalMedia) Tracks() []*LocalTrack { return m.tracks }

// AudioTrack returns the first local audio track, or nil.
func (m *LocalMedia) AudioTrack() *LocalTrack {
	for _, t := range m.tracks {
		if t.kind == webrtc.RTPCodecTypeAudio {
			return t
		}
	}
	return nil
}

// VideoTrack returns the first local video track, or nil.
func (m *LocalMedia) VideoTrack() *LocalTrack {
	for _, t := range m.tracks {
		if t.kind == webrtc.RTPCodecTypeVideo {
			return t
		}
	}
	return nil
}

// Stop stops every local track.
func (m *LocalMedia) Stop() {
	for _, t := range m.tracks {
		t.Stop()
	}
}

const (
	opusFrameDuration = 20 * time.Millisecond
	syntheticTrackID  = "umbra-synthetic"
)

// SyntheticSource generates media without capture hardware: Opus silence
// frames for audio and fixed VP8 payloads for video. Used by the CLI and in
// tests; desktop builds substitute a device-backed source.
type SyntheticSource struct{}

func (SyntheticSource) Capture(ctx context.Context, c Constraints) (*LocalMedia, error) {
	m := &LocalMedia{}
	if c.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", syntheticTrackID,
		)
		if err != nil {
			return nil, err
		}
		// A minimal Opus frame encoding silence.
		payload := []byte{0xf8, 0xff, 0xfe}
		m.tracks = append(m.tracks, startSampleWriter(track, webrtc.RTPCodecTypeAudio, payload, opusFrameDuration))
	}
	if c.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", syntheticTrackID,
		)
		if err != nil {
			m.Stop()
			return nil, err
		}
		fps := c.FrameRate
		if fps <= 0 {
			fps = 30
		}
		interval := time.Second / time.Duration(fps)
		payload := make([]byte, 128)
		m.tracks = append(m.tracks, startSampleWriter(track, webrtc.RTPCodecTypeVideo, payload, interval))
	}
	return m, nil
}

// startSampleWriter runs a ticker goroutine that writes payload every
// interval while the track is enabled. Returned track's Stop halts it.
func startSampleWriter(track *webrtc.TrackLocalStaticSample, kind webrtc.RTPCodecType, payload []byte, interval time.Duration) *LocalTrack {
	done := make(chan struct{})
	t := newLocalTrack(track, kind, func() { close(done) })

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if !t.Enabled() {
					continue
				}
				// Write errors mean the track is not yet (or no longer)
				// bound; the writer just keeps ticking.
				_ = track.WriteSample(media.Sample{Data: payload, Duration: interval})
			}
		}
	}()
	return t
}
