// Package presence tracks ephemeral per-user activity inside a project:
// which file is open, where the cursor sits, whether the user is typing.
// Records live in the ephemeral store under a short TTL and disappear on
// their own when a client stops heartbeating.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coeditlabs/coedit/backend/internal/ephemeral"
	"go.uber.org/zap"
)

const (
	defaultPresenceTTL = 60 * time.Second

	opUpdate = "presence.update"
	opGet    = "presence.get"
	opList   = "presence.list_for_project"
	opRemove = "presence.remove"
)

var (
	errMissingStore = errors.New("ephemeral store is required")
	noOpLogger      = zap.NewNop()
)

// palette holds the cursor colors handed out to users in first-sight order.
var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A",
	"#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E2",
	"#52D7A6", "#FF9FF3", "#54A0FF", "#FF6348",
}

// Record describes one user's live activity in a project. The JSON shape is
// both the stored ephemeral value and the wire shape sent to clients.
type Record struct {
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	UserAvatar   string `json:"userAvatar,omitempty"`
	FileName     string `json:"fileName"`
	CursorLine   int    `json:"cursorLine"`
	CursorColumn int    `json:"cursorColumn"`
	IsTyping     bool   `json:"isTyping"`
	LastUpdateMS int64  `json:"lastUpdate"`
	Color        string `json:"color"`
}

// Update carries the partial fields merged onto an existing record. Nil
// pointers preserve the previous value.
type Update struct {
	UserID       string
	UserName     string
	UserAvatar   *string
	FileName     string
	CursorLine   *int
	CursorColumn *int
	IsTyping     *bool
}

// RegistryConfig describes the dependencies for the presence registry.
type RegistryConfig struct {
	Store  ephemeral.Store
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// Registry is a stateless facade over the ephemeral store, except for the
// process-wide color assignment cache.
type Registry struct {
	store  ephemeral.Store
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger

	colorMu sync.Mutex
	colors  map[string]string
}

// NewRegistry constructs a Registry with sane defaults.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		store:  cfg.Store,
		ttl:    ttl,
		clock:  clock,
		logger: logger,
		colors: make(map[string]string),
	}, nil
}

func presenceKey(project, userID string) string {
	return fmt.Sprintf("presence:%s:%s", project, userID)
}

// UpdatePresence merges the partial update onto any existing record and
// rewrites the entry with a fresh TTL. Fields absent from the update keep
// their previous value; lastUpdate is always refreshed and isTyping defaults
// to false when never supplied.
func (r *Registry) UpdatePresence(ctx context.Context, project string, update Update) (*Record, error) {
	if update.UserID == "" {
		return nil, fmt.Errorf("presence: user id is required")
	}

	existing, err := r.GetPresence(ctx, project, update.UserID)
	if err != nil {
		return nil, err
	}

	record := Record{
		UserID:       update.UserID,
		UserName:     "Anonymous",
		LastUpdateMS: r.clock().UnixMilli(),
		Color:        r.userColor(update.UserID),
	}
	if existing != nil {
		record.UserName = existing.UserName
		record.UserAvatar = existing.UserAvatar
		record.FileName = existing.FileName
		record.CursorLine = existing.CursorLine
		record.CursorColumn = existing.CursorColumn
	}
	if update.UserName != "" {
		record.UserName = update.UserName
	}
	if update.UserAvatar != nil {
		record.UserAvatar = *update.UserAvatar
	}
	if update.FileName != "" {
		record.FileName = update.FileName
	}
	if update.CursorLine != nil {
		record.CursorLine = *update.CursorLine
	}
	if update.CursorColumn != nil {
		record.CursorColumn = *update.CursorColumn
	}
	if update.IsTyping != nil {
		record.IsTyping = *update.IsTyping
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	key := presenceKey(project, update.UserID)
	if err := r.store.Set(ctx, key, string(payload), r.ttl); err != nil {
		r.logError(opUpdate, "store_unavailable", err, zap.String("key", key))
		return nil, err
	}
	return &record, nil
}

// GetPresence returns the live record for (project, userID), or nil.
func (r *Registry) GetPresence(ctx context.Context, project, userID string) (*Record, error) {
	key := presenceKey(project, userID)
	value, found, err := r.store.Get(ctx, key)
	if err != nil {
		r.logError(opGet, "store_unavailable", err, zap.String("key", key))
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var record Record
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		r.logError(opGet, "payload_malformed", err, zap.String("key", key))
		return nil, nil
	}
	return &record, nil
}

// ListForProject returns every live presence record in the project.
func (r *Registry) ListForProject(ctx context.Context, project string) ([]Record, error) {
	keys, err := r.store.Keys(ctx, fmt.Sprintf("presence:%s:*", project))
	if err != nil {
		r.logError(opList, "store_unavailable", err, zap.String("project_id", project))
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		value, found, err := r.store.Get(ctx, key)
		if err != nil {
			r.logError(opList, "store_unavailable", err, zap.String("key", key))
			return nil, err
		}
		if !found {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			r.logError(opList, "payload_malformed", err, zap.String("key", key))
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// RemovePresence deletes the record explicitly, used on disconnect.
func (r *Registry) RemovePresence(ctx context.Context, project, userID string) error {
	key := presenceKey(project, userID)
	if err := r.store.Del(ctx, key); err != nil {
		r.logError(opRemove, "store_unavailable", err, zap.String("key", key))
		return err
	}
	r.logger.Info("presence removed",
		zap.String("project_id", project),
		zap.String("user_id", userID))
	return nil
}

// SetTyping updates the typing flag for an already-present user. No-op when
// the user has no record: presence must be initialized by a full update.
func (r *Registry) SetTyping(ctx context.Context, project, userID, fileName string, isTyping bool) error {
	existing, err := r.GetPresence(ctx, project, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	_, err = r.UpdatePresence(ctx, project, Update{
		UserID:   userID,
		FileName: fileName,
		IsTyping: &isTyping,
	})
	return err
}

// UpdateCursor moves an already-present user's cursor. No-op without an
// existing record.
func (r *Registry) UpdateCursor(ctx context.Context, project, userID, fileName string, line, column int) error {
	existing, err := r.GetPresence(ctx, project, userID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	_, err = r.UpdatePresence(ctx, project, Update{
		UserID:       userID,
		FileName:     fileName,
		CursorLine:   &line,
		CursorColumn: &column,
	})
	return err
}

// SweepStale counts records the store already expired. TTL is authoritative;
// this exists for logging and monitoring only.
func (r *Registry) SweepStale(ctx context.Context) (int, error) {
	keys, err := r.store.Keys(ctx, "presence:*:*")
	if err != nil {
		return 0, err
	}
	stale := 0
	for _, key := range keys {
		ttl, err := r.store.TTL(ctx, key)
		if err != nil {
			return stale, err
		}
		if ttl == ephemeral.TTLMissing {
			stale++
		}
	}
	if stale > 0 {
		r.logger.Info("stale presence records observed", zap.Int("stale", stale))
	}
	return stale, nil
}

// userColor returns the palette color assigned to the user, assigning the
// next one in cycle order on first sight. Assignments live for the registry's
// lifetime, not per record.
func (r *Registry) userColor(userID string) string {
	r.colorMu.Lock()
	defer r.colorMu.Unlock()
	if color, ok := r.colors[userID]; ok {
		return color
	}
	color := palette[len(r.colors)%len(palette)]
	r.colors[userID] = color
	return color
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	r.logger.Error("presence registry error", attrs...)
}
