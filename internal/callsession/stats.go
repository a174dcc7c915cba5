package callsession

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// CallStats is one sampled snapshot of call quality. Every field is nil until
// the underlying report provides it; a session without a peer connection
// reports the zero value.
type CallStats struct {
	// Resolution is "WxH" of the negotiated video capture, nil for
	// audio-only calls.
	Resolution *string
	// FrameRate is frames per second of the video capture.
	FrameRate *float64
	// BitrateKbps is derived from the bytes-sent delta between two
	// consecutive samples; the first sample has no baseline and reports nil.
	BitrateKbps *float64
	// PacketLossPct is lost/(lost+received)*100 over the inbound streams,
	// 0 when no packets have arrived yet.
	PacketLossPct *float64
	// Codec is the negotiated mime type, video codec preferred.
	Codec *string
	// RTTMs is the round-trip time of the succeeded ICE candidate pair.
	RTTMs *float64
	// JitterMs is inbound jitter, video stream preferred.
	JitterMs *float64
}

// byteSample is the bytes-sent baseline carried between stats samples.
type byteSample struct {
	bytes uint64
	at    time.Time
}

// extractStats reduces a pion stats report to a CallStats snapshot. prev is
// the previous sample's bytes-sent baseline (nil on the first sample).
func extractStats(report webrtc.StatsReport, prev *byteSample, now time.Time) (CallStats, byteSample) {
	var snap CallStats

	var bytesSent uint64
	var packetsLost int64
	var packetsReceived int64
	var jitterVideo, jitterAny *float64
	var codecVideo, codecAny *string

	for _, s := range report {
		switch v := s.(type) {
		case webrtc.InboundRTPStreamStats:
			packetsLost += int64(v.PacketsLost)
			packetsReceived += int64(v.PacketsReceived)
			j := v.Jitter * 1000
			if v.Kind == "video" {
				jitterVideo = &j
			} else if jitterAny == nil {
				jitterAny = &j
			}
		case webrtc.OutboundRTPStreamStats:
			bytesSent += v.BytesSent
		case webrtc.ICECandidatePairStats:
			if v.State == webrtc.StatsICECandidatePairStateSucceeded && v.CurrentRoundTripTime > 0 {
				rtt := v.CurrentRoundTripTime * 1000
				snap.RTTMs = &rtt
			}
		case webrtc.CodecStats:
			mime := v.MimeType
			if strings.HasPrefix(mime, "video/") {
				codecVideo = &mime
			} else if codecAny == nil {
				codecAny = &mime
			}
		}
	}

	if codecVideo != nil {
		snap.Codec = codecVideo
	} else {
		snap.Codec = codecAny
	}
	if jitterVideo != nil {
		snap.JitterMs = jitterVideo
	} else {
		snap.JitterMs = jitterAny
	}

	loss := 0.0
	if total := packetsLost + packetsReceived; total > 0 {
		loss = float64(packetsLost) / float64(total) * 100
	}
	snap.PacketLossPct = &loss

	if prev != nil {
		if elapsed := now.Sub(prev.at).Seconds(); elapsed > 0 && bytesSent >= prev.bytes {
			kbps := float64(bytesSent-prev.bytes) * 8 / 1000 / elapsed
			snap.BitrateKbps = &kbps
		}
	}

	return snap, byteSample{bytes: bytesSent, at: now}
}

// captureVideoStats fills resolution and frame rate from the negotiated
// capture constraints. pion does not decode inbound frames, so dimensions are
// not observable from the RTP report.
func captureVideoStats(c Constraints) (resolution *string, frameRate *float64) {
	if !c.Video {
		return nil, nil
	}
	res := fmt.Sprintf("%dx%d", c.Width, c.Height)
	fps := float64(c.FrameRate)
	return &res, &fps
}
