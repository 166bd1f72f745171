package realtime

import "encoding/json"

// Client-originated event names.
const (
	EventRoomJoin       = "room:join"
	EventDocUpdate      = "doc:update"
	EventDocRequestSync = "doc:requestSync"
	EventLockAcquire    = "lock:acquire"
	EventLockRelease    = "lock:release"
	EventLockRefresh    = "lock:refresh"
	EventPresenceUpdate = "presence:update"
	EventPresenceTyping = "presence:typing"
	EventChatMessage    = "chat:message"
)

// Server-originated event names.
const (
	EventDocState     = "doc:state"
	EventLockGranted  = "lock:granted"
	EventLockDenied   = "lock:denied"
	EventLockReleased = "lock:released"
	EventPeerJoined   = "peer:joined"
	EventPeerLeft     = "peer:left"
	EventPresenceList = "presence:list"
	EventError        = "error"
)

// Lock release reasons carried on lock:released broadcasts.
const (
	ReasonReleased     = "released"
	ReasonDisconnected = "disconnected"
)

// Envelope is the wire frame for inbound client events.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Message is the wire frame for outbound server events.
type Message struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type roomJoinPayload struct {
	ProjectID string `json:"projectId"`
}

type docUpdatePayload struct {
	ProjectID string `json:"projectId"`
	FilePath  string `json:"filePath"`
	UpdateB64 string `json:"update"`
}

type docRequestSyncPayload struct {
	ProjectID string `json:"projectId"`
	FilePath  string `json:"filePath"`
}

type docStatePayload struct {
	FilePath string `json:"filePath"`
	StateB64 string `json:"state"`
}

type docUpdateBroadcast struct {
	FilePath  string `json:"filePath"`
	UpdateB64 string `json:"update"`
	UserID    string `json:"userId"`
}

type lockRequestPayload struct {
	ProjectID string `json:"projectId"`
	FilePath  string `json:"filePath"`
}

type lockGrantedPayload struct {
	FilePath    string `json:"filePath"`
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	ExpiresAtMS int64  `json:"expiresAt"`
}

type lockHolderPayload struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	ExpiresAtMS int64  `json:"expiresAt"`
}

type lockDeniedPayload struct {
	FilePath string             `json:"filePath"`
	Reason   string             `json:"reason"`
	Holder   *lockHolderPayload `json:"holder"`
}

type lockReleasedPayload struct {
	FilePath string `json:"filePath"`
	UserID   string `json:"userId"`
	Reason   string `json:"reason"`
}

type presenceUpdatePayload struct {
	FileName     string `json:"fileName"`
	CursorLine   int    `json:"cursorLine"`
	CursorColumn int    `json:"cursorColumn"`
}

type presenceTypingPayload struct {
	FileName string `json:"fileName"`
	IsTyping bool   `json:"isTyping"`
}

type presenceTypingBroadcast struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	FileName string `json:"fileName"`
	IsTyping bool   `json:"isTyping"`
}

type chatMessagePayload struct {
	Message string `json:"message"`
}

type chatMessageBroadcast struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	Message     string `json:"message"`
	TimestampMS int64  `json:"timestamp"`
}

type peerPayload struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type errorPayload struct {
	Message string `json:"message"`
}
