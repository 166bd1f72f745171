package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// State tracks a connection through its lifecycle. A session is created
// already Authenticated: credential checks happen before the transport
// hands the connection over.
type State int

const (
	StateAuthenticated State = iota
	StateRoomJoined
	StateClosed
)

const sessionBufferSize = 32

// Session is the per-connection control state: one authenticated identity,
// at most one joined project room, and a buffered outbound stream drained
// by the transport's single writer.
type Session struct {
	ID          string
	UserID      string
	DisplayName string
	AvatarURL   string

	mu      sync.Mutex
	state   State
	project string

	outbound chan Message
	done     chan struct{}
	closed   sync.Once
}

// NewSession constructs a session for an authenticated identity.
func NewSession(userID, displayName, avatarURL string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		state:       StateAuthenticated,
		outbound:    make(chan Message, sessionBufferSize),
		done:        make(chan struct{}),
	}
}

// Project returns the joined project room, empty while only authenticated.
func (s *Session) Project() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) joinRoom(project string) {
	s.mu.Lock()
	s.state = StateRoomJoined
	s.project = project
	s.mu.Unlock()
}

func (s *Session) close() (project string, wasJoined bool) {
	s.mu.Lock()
	project = s.project
	wasJoined = s.state == StateRoomJoined
	s.state = StateClosed
	s.project = ""
	s.mu.Unlock()

	s.closed.Do(func() { close(s.done) })
	return project, wasJoined
}

// Outbound exposes the stream the transport writer drains.
func (s *Session) Outbound() <-chan Message {
	return s.outbound
}

// Done is closed when the session ends; the transport writer selects on it.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// send enqueues without blocking; a slow consumer loses messages rather
// than stalling the hub. The outbound channel is never closed, so a send
// racing a disconnect is harmless.
func (s *Session) send(message Message) {
	select {
	case <-s.done:
	case s.outbound <- message:
	default:
	}
}
