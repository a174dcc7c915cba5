package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/umbra-im/realtime/internal/callsession"
	"github.com/umbra-im/realtime/internal/config"
	"github.com/umbra-im/realtime/internal/protocol"
)

// callSignal is the payload carried inside call_signal envelopes: one SDP
// description or one trickled ICE candidate.
type callSignal struct {
	Kind      string                     `json:"kind"` // offer, answer, or candidate
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// call [room-id]: join a group call room and negotiate a media session with
// every participant. With --create a new room is opened for --group instead.
// Members already in the room send offers to whoever joins, so both sides end
// up with one session per peer.
func callCmd() *cobra.Command {
	var (
		create        bool
		groupID       string
		video         bool
		statsInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call [room-id]",
		Short: "Join a group call room and negotiate media with its members",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !create && len(args) == 0 {
				return fmt.Errorf("room-id required unless --create is set")
			}
			if create && groupID == "" {
				return fmt.Errorf("--group required with --create")
			}

			iceServers, err := config.ICEServersFromEnv()
			if err != nil {
				return err
			}

			conn := newConn(nil)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := conn.Connect(ctx); err != nil {
				return err
			}
			defer conn.Disconnect()

			roomID := ""
			if create {
				if err := conn.CreateCallRoom(groupID); err != nil {
					return err
				}
				created, err := conn.WaitFor(ctx, func(env protocol.ServerEnvelope) bool {
					return env.Type == protocol.TypeCallRoomCreated && env.GroupID == groupID
				}, 0)
				if err != nil {
					return fmt.Errorf("room creation not confirmed: %w", err)
				}
				roomID = created.RoomID
				fmt.Printf("room %s\n", roomID)
			} else {
				roomID = args[0]
			}

			mgr := &callManager{
				ctx:           ctx,
				conn:          conn,
				roomID:        roomID,
				video:         video,
				iceServers:    iceServers,
				statsInterval: statsInterval,
				sessions:      make(map[string]*callsession.Session),
			}
			defer mgr.closeAll()

			// Subscribe before joining: existing members may offer the moment
			// the relay announces us.
			unsubscribe := conn.OnMessage(mgr.handle)
			defer unsubscribe()
			defer func() { _ = conn.LeaveCallRoom(roomID) }()

			if !create {
				if err := conn.JoinCallRoom(roomID); err != nil {
					return err
				}
				if _, err := conn.WaitFor(ctx, func(env protocol.ServerEnvelope) bool {
					return env.Type == protocol.TypeAck && env.ID == "call_room_joined_"+roomID
				}, 0); err != nil {
					return fmt.Errorf("join not confirmed: %w", err)
				}
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create a new room instead of joining one")
	cmd.Flags().StringVar(&groupID, "group", "", "group id for the new room")
	cmd.Flags().BoolVar(&video, "video", false, "offer video as well as audio")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", callsession.DefaultStatsInterval, "how often to sample call stats")
	return cmd
}

// callManager owns one call session per peer DID in the room.
type callManager struct {
	ctx           context.Context
	conn          sender
	roomID        string
	video         bool
	iceServers    []webrtc.ICEServer
	statsInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*callsession.Session
}

// sender is the slice of the relay connection the manager needs.
type sender interface {
	CallSignal(roomID, toDID, payload string) error
}

func (m *callManager) handle(env protocol.ServerEnvelope) {
	switch env.Type {
	case protocol.TypeCallParticipantJoined:
		if env.RoomID != m.roomID {
			return
		}
		fmt.Printf("participant joined: %s\n", env.DID)
		m.offer(env.DID)
	case protocol.TypeCallParticipantLeft:
		if env.RoomID != m.roomID {
			return
		}
		fmt.Printf("participant left: %s\n", env.DID)
		m.drop(env.DID)
	case protocol.TypeCallSignalForward:
		if env.RoomID != m.roomID {
			return
		}
		m.onSignal(env.FromDID, env.Payload)
	case protocol.TypeError:
		fmt.Fprintf(os.Stderr, "relay error: %s\n", env.Message)
	}
}

// offer starts an offering session toward a peer that just joined.
func (m *callManager) offer(peer string) {
	sess := m.newSession(peer)

	offer, err := sess.CreateOffer(m.ctx, m.video, m.iceServers)
	if err != nil {
		logger.Warn("offer failed", "peer", peer, "error", err)
		m.drop(peer)
		return
	}
	m.signal(peer, callSignal{Kind: "offer", SDP: &offer})
}

func (m *callManager) onSignal(peer, payload string) {
	var sig callSignal
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		logger.Warn("bad call signal", "peer", peer, "error", err)
		return
	}

	switch sig.Kind {
	case "offer":
		if sig.SDP == nil {
			return
		}
		sess := m.newSession(peer)
		answer, err := sess.AcceptOffer(m.ctx, *sig.SDP, m.video, m.iceServers)
		if err != nil {
			logger.Warn("answer failed", "peer", peer, "error", err)
			m.drop(peer)
			return
		}
		m.signal(peer, callSignal{Kind: "answer", SDP: &answer})
	case "answer":
		if sig.SDP == nil {
			return
		}
		if sess := m.session(peer); sess != nil {
			if err := sess.CompleteHandshake(*sig.SDP); err != nil {
				logger.Warn("handshake failed", "peer", peer, "error", err)
				m.drop(peer)
			}
		}
	case "candidate":
		if sig.Candidate == nil {
			return
		}
		if sess := m.session(peer); sess != nil {
			if err := sess.AddICECandidate(*sig.Candidate); err != nil {
				logger.Debug("candidate rejected", "peer", peer, "error", err)
			}
		}
	}
}

// newSession replaces any existing session for the peer.
func (m *callManager) newSession(peer string) *callsession.Session {
	sess := callsession.New(callsession.Config{Logger: logger}, callsession.Callbacks{
		OnICECandidate: func(c webrtc.ICECandidateInit) {
			m.signal(peer, callSignal{Kind: "candidate", Candidate: &c})
		},
		OnConnectionStateChange: func(s webrtc.PeerConnectionState) {
			fmt.Printf("%s: %s\n", peer, s)
		},
		OnStatsUpdate: func(stats callsession.CallStats) {
			printStats(peer, stats)
		},
	})
	sess.StartStats(m.statsInterval)

	m.mu.Lock()
	old := m.sessions[peer]
	m.sessions[peer] = sess
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return sess
}

func (m *callManager) session(peer string) *callsession.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[peer]
}

func (m *callManager) drop(peer string) {
	m.mu.Lock()
	sess := m.sessions[peer]
	delete(m.sessions, peer)
	m.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

func (m *callManager) closeAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*callsession.Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

func (m *callManager) signal(peer string, sig callSignal) {
	payload, err := json.Marshal(sig)
	if err != nil {
		logger.Warn("encode call signal", "error", err)
		return
	}
	if err := m.conn.CallSignal(m.roomID, peer, string(payload)); err != nil {
		logger.Warn("send call signal", "peer", peer, "error", err)
	}
}

func printStats(peer string, stats callsession.CallStats) {
	line := fmt.Sprintf("stats %s:", peer)
	if stats.Resolution != nil {
		line += fmt.Sprintf(" res=%s", *stats.Resolution)
	}
	if stats.FrameRate != nil {
		line += fmt.Sprintf(" fps=%.0f", *stats.FrameRate)
	}
	if stats.BitrateKbps != nil {
		line += fmt.Sprintf(" bitrate=%.1fkbps", *stats.BitrateKbps)
	}
	if stats.PacketLossPct != nil {
		line += fmt.Sprintf(" loss=%.2f%%", *stats.PacketLossPct)
	}
	if stats.Codec != nil {
		line += fmt.Sprintf(" codec=%s", *stats.Codec)
	}
	if stats.RTTMs != nil {
		line += fmt.Sprintf(" rtt=%.1fms", *stats.RTTMs)
	}
	if stats.JitterMs != nil {
		line += fmt.Sprintf(" jitter=%.2fms", *stats.JitterMs)
	}
	fmt.Println(line)
}
