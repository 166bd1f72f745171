package realtime

import "sync"

// Hub groups live sessions into project-scoped rooms, the unit of broadcast
// fan-out. Membership is keyed by project and session ID under a read-write
// lock; delivery goes through each session's buffered outbound channel.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Session
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*Session)}
}

func (h *Hub) join(project string, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[project]
	if !ok {
		room = make(map[string]*Session)
		h.rooms[project] = room
	}
	room[session.ID] = session
}

func (h *Hub) leave(project string, session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[project]
	if !ok {
		return
	}
	delete(room, session.ID)
	if len(room) == 0 {
		delete(h.rooms, project)
	}
}

// broadcast fans the message out to every room member except the excluded
// session (pass an empty ID to include everyone). Sends never block: the
// member snapshot is taken under the read lock and delivery uses each
// session's buffered channel.
func (h *Hub) broadcast(project string, message Message, excludeSessionID string) {
	h.mu.RLock()
	room := h.rooms[project]
	members := make([]*Session, 0, len(room))
	for _, member := range room {
		if member.ID == excludeSessionID {
			continue
		}
		members = append(members, member)
	}
	h.mu.RUnlock()

	for _, member := range members {
		member.send(message)
	}
}

// RoomSize reports the number of live sessions in a project room.
func (h *Hub) RoomSize(project string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[project])
}
