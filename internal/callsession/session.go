package callsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// State is the lifecycle state of a call session. Closed is reachable from
// every other state and is terminal.
type State string

const (
	StateIdle      State = "idle"
	StateOffering  State = "offering"
	StateAnswering State = "answering"
	StateConnected State = "connected"
	StateClosed    State = "closed"
)

// Direction records which side of the offer/answer exchange this session is.
type Direction string

const (
	DirectionOffering  Direction = "offering"
	DirectionAnswering Direction = "answering"
)

const DefaultStatsInterval = 2 * time.Second

// Callbacks are the session's outputs. The owner forwards ICE candidates and
// SDP blobs over its signaling transport; the session never touches the wire
// itself. All callbacks are cleared on Close and never fire afterwards.
type Callbacks struct {
	OnICECandidate          func(webrtc.ICECandidateInit)
	OnConnectionStateChange func(webrtc.PeerConnectionState)
	OnStatsUpdate           func(CallStats)
	OnRemoteTrack           func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Config fixes a session's collaborators at construction.
type Config struct {
	// Source provides local media; defaults to SyntheticSource.
	Source MediaSource
	// API overrides the pion API, e.g. to bind the session to a virtual
	// network under test. Nil uses the default.
	API *webrtc.API
	// Logger defaults to slog.Default() when nil.
	Logger *slog.Logger
}

// Session owns exactly one peer connection for the duration of one call.
type Session struct {
	cfg    Config
	logger *slog.Logger

	closeOnce sync.Once

	mu          sync.Mutex
	state       State
	direction   Direction
	pc          *webrtc.PeerConnection
	local       *LocalMedia
	constraints Constraints
	pending     []webrtc.ICECandidateInit
	remoteSet   bool
	callbacks   Callbacks
	closed      bool

	stats     CallStats
	prev      *byteSample
	statsStop chan struct{}
}

func New(cfg Config, cb Callbacks) *Session {
	if cfg.Source == nil {
		cfg.Source = SyntheticSource{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		logger:    logger,
		state:     StateIdle,
		callbacks: cb,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreateOffer allocates the peer connection, acquires local media (audio
// always, video on request), attaches the tracks and returns the local SDP
// offer. Valid exactly once per session; there is no renegotiation.
func (s *Session) CreateOffer(ctx context.Context, video bool, iceServers []webrtc.ICEServer) (webrtc.SessionDescription, error) {
	if err := s.begin(StateOffering, DirectionOffering); err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc, err := s.setupPeerConnection(ctx, video, iceServers)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

// AcceptOffer is the answering-side mirror of CreateOffer: it allocates the
// peer connection and local media, applies the remote offer, drains every ICE
// candidate buffered before this point, and returns the local SDP answer.
func (s *Session) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription, video bool, iceServers []webrtc.ICEServer) (webrtc.SessionDescription, error) {
	if err := s.begin(StateAnswering, DirectionAnswering); err != nil {
		return webrtc.SessionDescription{}, err
	}
	pc, err := s.setupPeerConnection(ctx, video, iceServers)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := s.setRemoteDescription(pc, offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// CompleteHandshake applies the remote answer on the offering side and drains
// the pending-candidate buffer. Returns ErrNoPeerConnection if CreateOffer
// has not run.
func (s *Session) CompleteHandshake(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	pc := s.pc
	direction := s.direction
	s.mu.Unlock()

	if pc == nil {
		return ErrNoPeerConnection
	}
	if direction != DirectionOffering {
		return fmt.Errorf("complete handshake on %s side", direction)
	}
	if err := s.setRemoteDescription(pc, answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// AddICECandidate applies the candidate immediately when the remote
// description is set, and buffers it otherwise. Buffered candidates are
// applied in receipt order, exactly once, as soon as the remote description
// becomes available. Out-of-order arrival is never an error.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.pc == nil || !s.remoteSet {
		s.pending = append(s.pending, candidate)
		return nil
	}
	return s.pc.AddICECandidate(candidate)
}

// ToggleMute flips the first local audio track and returns the new muted
// state. With no audio track it is a no-op reporting muted.
func (s *Session) ToggleMute() bool {
	return !s.toggleTrack(func(m *LocalMedia) *LocalTrack { return m.AudioTrack() })
}

// ToggleCamera flips the first local video track and returns the new
// camera-off state. With no video track it is a no-op reporting camera off.
func (s *Session) ToggleCamera() bool {
	return !s.toggleTrack(func(m *LocalMedia) *LocalTrack { return m.VideoTrack() })
}

// toggleTrack flips the selected track and returns its new enabled state;
// false when the track does not exist.
func (s *Session) toggleTrack(pick func(*LocalMedia) *LocalTrack) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return false
	}
	t := pick(s.local)
	if t == nil {
		return false
	}
	t.SetEnabled(!t.Enabled())
	return t.Enabled()
}

// StartStats begins periodic sampling (DefaultStatsInterval when interval is
// zero). Each sample is published via OnStatsUpdate and retrievable through
// Stats. No-op if sampling already runs or the session is closed.
func (s *Session) StartStats(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	s.mu.Lock()
	if s.closed || s.statsStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.statsStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sampleStats()
			}
		}
	}()
}

// Stats returns the latest snapshot. Before the peer connection exists every
// field is nil.
func (s *Session) Stats() CallStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pc == nil {
		return CallStats{}
	}
	return s.stats
}

// Close tears the session down: stats sampling stops, local tracks stop,
// the peer connection closes, the candidate buffer empties, and callbacks
// are cleared. Idempotent; resources are released exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.state = StateClosed
		if s.statsStop != nil {
			close(s.statsStop)
			s.statsStop = nil
		}
		local := s.local
		s.local = nil
		pc := s.pc
		s.pc = nil
		s.pending = nil
		s.callbacks = Callbacks{}
		s.mu.Unlock()

		if local != nil {
			local.Stop()
		}
		if pc != nil {
			_ = pc.Close()
		}
	})
}

// ── internals ─────────────────────────────────────────────────────────────

// begin validates and enters the initial negotiation state.
func (s *Session) begin(state State, direction Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.pc != nil {
		return ErrOfferAlreadyCreated
	}
	s.state = state
	s.direction = direction
	return nil
}

// setupPeerConnection acquires local media, allocates the peer connection,
// attaches the tracks and installs the pion callbacks. If the session is
// closed while this is in flight, everything allocated here is released and
// ErrSessionClosed is returned.
func (s *Session) setupPeerConnection(ctx context.Context, video bool, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	constraints := DefaultConstraints(video)
	local, err := s.cfg.Source.Capture(ctx, constraints)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAcquisition, err)
	}

	pc, err := s.newPeerConnection(iceServers)
	if err != nil {
		local.Stop()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		local.Stop()
		_ = pc.Close()
		return nil, ErrSessionClosed
	}
	s.pc = pc
	s.local = local
	s.constraints = constraints
	s.mu.Unlock()

	for _, t := range local.Tracks() {
		if _, err := pc.AddTrack(t.track); err != nil {
			s.Close()
			return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if cb := s.snapshotCallbacks().OnICECandidate; cb != nil {
			cb(c.ToJSON())
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if cb := s.snapshotCallbacks().OnRemoteTrack; cb != nil {
			cb(track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.mu.Lock()
		if !s.closed && state == webrtc.PeerConnectionStateConnected {
			s.state = StateConnected
		}
		cb := s.callbacks.OnConnectionStateChange
		s.mu.Unlock()
		if cb != nil {
			cb(state)
		}
		if state == webrtc.PeerConnectionStateFailed {
			s.Close()
		}
	})

	return pc, nil
}

// snapshotCallbacks copies the callbacks under the lock; after Close the
// zero value is returned so late pion events never reach the owner.
func (s *Session) snapshotCallbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Callbacks{}
	}
	return s.callbacks
}

func (s *Session) newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	cfg := webrtc.Configuration{ICEServers: iceServers}
	if s.cfg.API != nil {
		return s.cfg.API.NewPeerConnection(cfg)
	}
	return webrtc.NewPeerConnection(cfg)
}

// setRemoteDescription applies desc and drains the pending-candidate buffer
// in receipt order. The lock is held across the drain so candidates arriving
// concurrently apply strictly after the buffered ones.
func (s *Session) setRemoteDescription(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			s.logger.Debug("buffered ice candidate rejected", "error", err)
		}
	}
	return nil
}

// sampleStats takes one stats sample. Failures are swallowed: the previous
// snapshot stays in place and the call is never disturbed.
func (s *Session) sampleStats() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Debug("stats sampling failed", "panic", r)
		}
	}()

	s.mu.Lock()
	pc := s.pc
	prev := s.prev
	constraints := s.constraints
	s.mu.Unlock()
	if pc == nil {
		return
	}

	snap, baseline := extractStats(pc.GetStats(), prev, time.Now())
	snap.Resolution, snap.FrameRate = captureVideoStats(constraints)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stats = snap
	s.prev = &baseline
	cb := s.callbacks.OnStatsUpdate
	s.mu.Unlock()
	if cb != nil {
		cb(snap)
	}
}
