package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/coeditlabs/coedit/backend/internal/locks"
	"github.com/coeditlabs/coedit/backend/internal/presence"
	"go.uber.org/zap"
)

const defaultSweepInterval = time.Minute

var (
	errMissingLockManager      = errors.New("lock manager is required")
	errMissingPresenceRegistry = errors.New("presence registry is required")
	errMissingDocumentRegistry = errors.New("document registry is required")
	errMissingAccessChecker    = errors.New("access checker is required")
	noOpLogger                 = zap.NewNop()
)

// DocumentRegistry is the document synchronization surface the coordinator
// routes doc events to.
type DocumentRegistry interface {
	GetOrCreate(ctx context.Context, projectID, path string) error
	ApplyUpdate(projectID, path string, fragment []byte) bool
	GetState(projectID, path string) []byte
}

// AccessChecker answers whether an identity may join a project room.
type AccessChecker interface {
	HasAccess(ctx context.Context, userID, projectID string) (bool, error)
}

// CoordinatorConfig describes the dependencies for the session coordinator.
type CoordinatorConfig struct {
	Locks     *locks.Manager
	Presence  *presence.Registry
	Documents DocumentRegistry
	Access    AccessChecker
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Coordinator is the per-connection control plane: it joins sessions to
// project rooms, routes inbound events to the lock, presence and document
// services, fans the resulting facts out to room members and tears down a
// user's locks and presence when their connection drops.
type Coordinator struct {
	hub       *Hub
	locks     *locks.Manager
	presence  *presence.Registry
	documents DocumentRegistry
	access    AccessChecker
	clock     func() time.Time
	logger    *zap.Logger
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Locks == nil {
		return nil, errMissingLockManager
	}
	if cfg.Presence == nil {
		return nil, errMissingPresenceRegistry
	}
	if cfg.Documents == nil {
		return nil, errMissingDocumentRegistry
	}
	if cfg.Access == nil {
		return nil, errMissingAccessChecker
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		hub:       NewHub(),
		locks:     cfg.Locks,
		presence:  cfg.Presence,
		documents: cfg.Documents,
		access:    cfg.Access,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Hub exposes the room registry, mainly for tests and metrics.
func (c *Coordinator) Hub() *Hub {
	return c.hub
}

// HandleEvent routes one inbound frame. Malformed or unauthorized events
// produce an error notice to the sender only; they never reach the room.
func (c *Coordinator) HandleEvent(ctx context.Context, session *Session, raw []byte) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		c.sendError(session, "malformed event")
		return
	}

	switch envelope.Event {
	case EventRoomJoin:
		c.handleRoomJoin(ctx, session, envelope.Payload)
	case EventDocUpdate:
		c.handleDocUpdate(ctx, session, envelope.Payload)
	case EventDocRequestSync:
		c.handleDocRequestSync(ctx, session, envelope.Payload)
	case EventLockAcquire:
		c.handleLockAcquire(ctx, session, envelope.Payload)
	case EventLockRelease:
		c.handleLockRelease(ctx, session, envelope.Payload)
	case EventLockRefresh:
		c.handleLockRefresh(ctx, session, envelope.Payload)
	case EventPresenceUpdate:
		c.handlePresenceUpdate(ctx, session, envelope.Payload)
	case EventPresenceTyping:
		c.handlePresenceTyping(ctx, session, envelope.Payload)
	case EventChatMessage:
		c.handleChatMessage(session, envelope.Payload)
	default:
		c.sendError(session, "unknown event")
	}
}

func (c *Coordinator) handleRoomJoin(ctx context.Context, session *Session, payload json.RawMessage) {
	var request roomJoinPayload
	if err := json.Unmarshal(payload, &request); err != nil || request.ProjectID == "" {
		c.sendError(session, "malformed event")
		return
	}

	allowed, err := c.access.HasAccess(ctx, session.UserID, request.ProjectID)
	if err != nil {
		c.sendError(session, "failed to join project")
		return
	}
	if !allowed {
		c.sendError(session, "access denied to project")
		return
	}

	previous := session.Project()
	if previous == request.ProjectID {
		// Rejoining the current room refreshes the presence bootstrap
		// without re-announcing an already-present member.
		records, err := c.presence.ListForProject(ctx, request.ProjectID)
		if err == nil {
			session.send(Message{Event: EventPresenceList, Payload: records})
		}
		return
	}
	// One room per connection: leaving the previous room first keeps the
	// invariant without a second connection.
	if previous != "" {
		c.leaveRoom(ctx, session, previous)
	}

	session.joinRoom(request.ProjectID)
	c.hub.join(request.ProjectID, session)

	// The joiner bootstraps from the current room presence.
	records, err := c.presence.ListForProject(ctx, request.ProjectID)
	if err == nil {
		session.send(Message{Event: EventPresenceList, Payload: records})
	}

	c.hub.broadcast(request.ProjectID, Message{
		Event:   EventPeerJoined,
		Payload: peerPayload{UserID: session.UserID, UserName: session.DisplayName},
	}, session.ID)

	c.logger.Info("session joined room",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("project_id", request.ProjectID))
}

func (c *Coordinator) handleDocUpdate(ctx context.Context, session *Session, payload json.RawMessage) {
	project, ok := c.requireRoom(session)
	if !ok {
		return
	}

	var request docUpdatePayload
	if err := json.Unmarshal(payload, &request); err != nil || request.FilePath == "" {
		c.sendError(session, "malformed event")
		return
	}
	if request.ProjectID != project {
		c.sendError(session, "event outside joined project")
		return
	}
	fragment, err := base64.StdEncoding.DecodeString(request.UpdateB64)
	if err != nil {
		c.sendError(session, "malformed update fragment")
		return
	}

	if !c.documents.ApplyUpdate(project, request.FilePath, fragment) {
		// No open replica or undecodable fragment. The sender recovers by
		// issuing a fresh doc:requestSync.
		c.sendError(session, "failed to sync update")
		return
	}

	c.hub.broadcast(project, Message{
		Event: EventDocUpdate,
		Payload: docUpdateBroadcast{
			FilePath:  request.FilePath,
			UpdateB64: request.UpdateB64,
			UserID:    session.UserID,
		},
	}, session.ID)
}

func (c *Coordinator) handleDocRequestSync(ctx context.Context, session *Session, payload json.RawMessage) {
	project, ok := c.requireRoom(session)
	if !ok {
		return
	}

	var request docRequestSyncPayload
	if err := json.Unmarshal(payload, &request); err != nil || request.FilePath == "" {
		c.sendError(session, "malformed event")
		return
	}
	if request.ProjectID != project {
		c.sendError(session, "event outside joined project")
		return
	}

	if err := c.documents.GetOrCreate(ctx, project, request.FilePath); err != nil {
		c.sendError(session, "failed to open document")
		return
	}
	state := c.documents.GetState(project, request.FilePath)
	if state == nil {
		c.sendError(session, "failed to open document")
		return
	}

	session.send(Message{
		Event: EventDocState,
		Payload: docStatePayload{
			FilePath: request.FilePath,
			StateB64: base64.StdEncoding.EncodeToString(state),
		},
	})
}

func (c *Coordinator) handleLockAcquire(ctx context.Context, session *Session, payload json.RawMessage) {
	project, request, ok := c.parseLockRequest(session, payload)
	if !ok {
		return
	}
	projectID, path, ok := c.lockKeyFrom(session, project, request)
	if !ok {
		return
	}

	lock, err := c.locks.Acquire(ctx, projectID, path, session.UserID, session.DisplayName)
	if err != nil {
		c.sendError(session, "failed to acquire lock")
		return
	}

	if lock != nil {
		// Lock state changes go to the whole room, holder included, so
		// every editor can reflect who owns the file.
		c.hub.broadcast(project, Message{
			Event: EventLockGranted,
			Payload: lockGrantedPayload{
				FilePath:    request.FilePath,
				UserID:      session.UserID,
				UserName:    session.DisplayName,
				ExpiresAtMS: lock.ExpiresAtMS,
			},
		}, "")
		return
	}

	denied := lockDeniedPayload{FilePath: request.FilePath, Reason: "file is already locked"}
	if holder, err := c.locks.Get(ctx, projectID, path); err == nil && holder != nil {
		denied.Holder = &lockHolderPayload{
			UserID:      holder.Holder,
			UserName:    holder.HolderName,
			ExpiresAtMS: holder.ExpiresAtMS,
		}
	}
	session.send(Message{Event: EventLockDenied, Payload: denied})
}

func (c *Coordinator) handleLockRelease(ctx context.Context, session *Session, payload json.RawMessage) {
	project, request, ok := c.parseLockRequest(session, payload)
	if !ok {
		return
	}
	projectID, path, ok := c.lockKeyFrom(session, project, request)
	if !ok {
		return
	}

	released, err := c.locks.Release(ctx, projectID, path, session.UserID)
	if err != nil {
		c.sendError(session, "failed to release lock")
		return
	}
	if !released {
		return
	}

	c.hub.broadcast(project, Message{
		Event: EventLockReleased,
		Payload: lockReleasedPayload{
			FilePath: request.FilePath,
			UserID:   session.UserID,
			Reason:   ReasonReleased,
		},
	}, "")
}

func (c *Coordinator) handleLockRefresh(ctx context.Context, session *Session, payload json.RawMessage) {
	project, request, ok := c.parseLockRequest(session, payload)
	if !ok {
		return
	}
	projectID, path, ok := c.lockKeyFrom(session, project, request)
	if !ok {
		return
	}

	if _, err := c.locks.Refresh(ctx, projectID, path, session.UserID); err != nil {
		c.sendError(session, "failed to refresh lock")
	}
}

func (c *Coordinator) handlePresenceUpdate(ctx context.Context, session *Session, payload json.RawMessage) {
	project, ok := c.requireRoom(session)
	if !ok {
		return
	}

	var request presenceUpdatePayload
	if err := json.Unmarshal(payload, &request); err != nil {
		c.sendError(session, "malformed event")
		return
	}

	notTyping := false
	update := presence.Update{
		UserID:       session.UserID,
		UserName:     session.DisplayName,
		FileName:     request.FileName,
		CursorLine:   &request.CursorLine,
		CursorColumn: &request.CursorColumn,
		IsTyping:     &notTyping,
	}
	if session.AvatarURL != "" {
		update.UserAvatar = &session.AvatarURL
	}
	record, err := c.presence.UpdatePresence(ctx, project, update)
	if err != nil {
		// Presence is advisory; a store outage degrades it silently for
		// the room but the sender is told.
		c.sendError(session, "failed to update presence")
		return
	}

	c.hub.broadcast(project, Message{Event: EventPresenceUpdate, Payload: record}, session.ID)
}

func (c *Coordinator) handlePresenceTyping(ctx context.Context, session *Session, payload json.RawMessage) {
	project, ok := c.requireRoom(session)
	if !ok {
		return
	}

	var request presenceTypingPayload
	if err := json.Unmarshal(payload, &request); err != nil {
		c.sendError(session, "malformed event")
		return
	}

	if err := c.presence.SetTyping(ctx, project, session.UserID, request.FileName, request.IsTyping); err != nil {
		c.sendError(session, "failed to update presence")
		return
	}

	c.hub.broadcast(project, Message{
		Event: EventPresenceTyping,
		Payload: presenceTypingBroadcast{
			UserID:   session.UserID,
			UserName: session.DisplayName,
			FileName: request.FileName,
			IsTyping: request.IsTyping,
		},
	}, session.ID)
}

func (c *Coordinator) handleChatMessage(session *Session, payload json.RawMessage) {
	project, ok := c.requireRoom(session)
	if !ok {
		return
	}

	var request chatMessagePayload
	if err := json.Unmarshal(payload, &request); err != nil || request.Message == "" {
		c.sendError(session, "malformed event")
		return
	}

	c.hub.broadcast(project, Message{
		Event: EventChatMessage,
		Payload: chatMessageBroadcast{
			UserID:      session.UserID,
			UserName:    session.DisplayName,
			Message:     request.Message,
			TimestampMS: c.clock().UnixMilli(),
		},
	}, "")
}

// Disconnect tears the session down from any state: presence removed,
// every lock the user holds in the project force-released with a
// "disconnected" notice, departure announced to the remaining members.
func (c *Coordinator) Disconnect(ctx context.Context, session *Session) {
	project, wasJoined := session.close()
	if !wasJoined || project == "" {
		return
	}

	c.hub.leave(project, session)

	if err := c.presence.RemovePresence(ctx, project, session.UserID); err != nil {
		c.logger.Warn("presence cleanup failed",
			zap.String("session_id", session.ID),
			zap.Error(err))
	}

	c.hub.broadcast(project, Message{
		Event:   EventPeerLeft,
		Payload: peerPayload{UserID: session.UserID, UserName: session.DisplayName},
	}, "")

	c.releaseUserLocks(ctx, session, project)

	c.logger.Info("session disconnected",
		zap.String("session_id", session.ID),
		zap.String("user_id", session.UserID),
		zap.String("project_id", project))
}

func (c *Coordinator) releaseUserLocks(ctx context.Context, session *Session, project string) {
	projectID, err := locks.NewProjectID(project)
	if err != nil {
		return
	}
	held, err := c.locks.ListForProject(ctx, projectID)
	if err != nil {
		c.logger.Warn("lock cleanup failed",
			zap.String("session_id", session.ID),
			zap.Error(err))
		return
	}
	for _, lock := range held {
		if lock.Holder != session.UserID {
			continue
		}
		path, err := locks.NewFilePath(lock.FilePath)
		if err != nil {
			continue
		}
		if err := c.locks.ForceRelease(ctx, projectID, path); err != nil {
			continue
		}
		c.hub.broadcast(project, Message{
			Event: EventLockReleased,
			Payload: lockReleasedPayload{
				FilePath: lock.FilePath,
				UserID:   session.UserID,
				Reason:   ReasonDisconnected,
			},
		}, "")
	}
}

func (c *Coordinator) leaveRoom(ctx context.Context, session *Session, project string) {
	c.hub.leave(project, session)
	if err := c.presence.RemovePresence(ctx, project, session.UserID); err != nil {
		c.logger.Warn("presence cleanup failed", zap.Error(err))
	}
	c.hub.broadcast(project, Message{
		Event:   EventPeerLeft,
		Payload: peerPayload{UserID: session.UserID, UserName: session.DisplayName},
	}, "")
	c.releaseUserLocks(ctx, session, project)
}

// RunSweeper reconciles lock and presence bookkeeping on an interval until
// the context ends. TTLs in the store remain authoritative; this loop only
// logs and tidies.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.locks.SweepExpired(ctx); err != nil {
				c.logger.Warn("lock sweep failed", zap.Error(err))
			}
			if _, err := c.presence.SweepStale(ctx); err != nil {
				c.logger.Warn("presence sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) requireRoom(session *Session) (string, bool) {
	project := session.Project()
	if project == "" {
		c.sendError(session, "join a project room first")
		return "", false
	}
	return project, true
}

func (c *Coordinator) parseLockRequest(session *Session, payload json.RawMessage) (string, lockRequestPayload, bool) {
	project, ok := c.requireRoom(session)
	if !ok {
		return "", lockRequestPayload{}, false
	}
	var request lockRequestPayload
	if err := json.Unmarshal(payload, &request); err != nil || request.FilePath == "" {
		c.sendError(session, "malformed event")
		return "", lockRequestPayload{}, false
	}
	if request.ProjectID != project {
		c.sendError(session, "event outside joined project")
		return "", lockRequestPayload{}, false
	}
	return project, request, true
}

func (c *Coordinator) lockKeyFrom(session *Session, project string, request lockRequestPayload) (locks.ProjectID, locks.FilePath, bool) {
	projectID, err := locks.NewProjectID(project)
	if err != nil {
		c.sendError(session, "malformed event")
		return "", "", false
	}
	path, err := locks.NewFilePath(request.FilePath)
	if err != nil {
		c.sendError(session, "malformed event")
		return "", "", false
	}
	return projectID, path, true
}

func (c *Coordinator) sendError(session *Session, message string) {
	session.send(Message{Event: EventError, Payload: errorPayload{Message: message}})
}
