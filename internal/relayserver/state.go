package relayserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultSessionTTL bounds how long an unclaimed signaling session stays
	// joinable.
	DefaultSessionTTL = time.Hour
	// DefaultMaxCallParticipants caps a call room's size.
	DefaultMaxCallParticipants = 50
)

// signalingSession is a stored SDP offer for single-scan friend adding. A
// session is consumed by its first successful join and never reusable.
type signalingSession struct {
	id           string
	creatorDID   string
	offerPayload string
	createdAt    time.Time
	consumed     bool
}

type sessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]*signalingSession
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &sessionStore{ttl: ttl, sessions: make(map[string]*signalingSession)}
}

func (s *sessionStore) create(creatorDID, offerPayload string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &signalingSession{
		id:           id,
		creatorDID:   creatorDID,
		offerPayload: offerPayload,
		createdAt:    time.Now(),
	}
	s.mu.Unlock()
	return id
}

// consume atomically looks up a live session and marks it consumed. Expired
// and already-consumed sessions report ErrSessionNotFound.
func (s *sessionStore) consume(id string) (creatorDID, offerPayload string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return "", "", ErrSessionNotFound
	}
	if sess.consumed || time.Since(sess.createdAt) > s.ttl {
		delete(s.sessions, id)
		return "", "", ErrSessionNotFound
	}
	sess.consumed = true
	return sess.creatorDID, sess.offerPayload, nil
}

// callRoom tracks the participants of one group call.
type callRoom struct {
	roomID  string
	groupID string
	members map[string]struct{}
}

type roomStore struct {
	mu         sync.Mutex
	maxPerRoom int
	rooms      map[string]*callRoom
}

func newRoomStore(maxPerRoom int) *roomStore {
	if maxPerRoom <= 0 {
		maxPerRoom = DefaultMaxCallParticipants
	}
	return &roomStore{maxPerRoom: maxPerRoom, rooms: make(map[string]*callRoom)}
}

// create makes a room with the creator as its first participant.
func (s *roomStore) create(groupID, creatorDID string) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.rooms[id] = &callRoom{
		roomID:  id,
		groupID: groupID,
		members: map[string]struct{}{creatorDID: {}},
	}
	s.mu.Unlock()
	return id
}

// join adds did and returns the participants present before the join.
func (s *roomStore) join(roomID, did string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok || len(room.members) >= s.maxPerRoom {
		return nil, ErrRoomNotFound
	}
	existing := make([]string, 0, len(room.members))
	for m := range room.members {
		if m != did {
			existing = append(existing, m)
		}
	}
	room.members[did] = struct{}{}
	return existing, nil
}

// leave removes did and returns the remaining participants. Empty rooms are
// deleted.
func (s *roomStore) leave(roomID, did string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	delete(room.members, did)
	if len(room.members) == 0 {
		delete(s.rooms, roomID)
		return nil
	}
	remaining := make([]string, 0, len(room.members))
	for m := range room.members {
		remaining = append(remaining, m)
	}
	return remaining
}

func (s *roomStore) contains(roomID, did string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, in := room.members[did]
	return in
}

// leaveAll removes did from every room and returns roomID → remaining
// participants for each room it was in. Used on client disconnect.
func (s *roomStore) leaveAll(did string) map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	affected := make(map[string][]string)
	for id, room := range s.rooms {
		if _, in := room.members[did]; !in {
			continue
		}
		delete(room.members, did)
		if len(room.members) == 0 {
			delete(s.rooms, id)
			continue
		}
		remaining := make([]string, 0, len(room.members))
		for m := range room.members {
			remaining = append(remaining, m)
		}
		affected[id] = remaining
	}
	return affected
}
