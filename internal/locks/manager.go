package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coeditlabs/coedit/backend/internal/ephemeral"
	"go.uber.org/zap"
)

const (
	defaultLockTTL = 10 * time.Minute

	opAcquire      = "locks.acquire"
	opRelease      = "locks.release"
	opRefresh      = "locks.refresh"
	opGet          = "locks.get"
	opList         = "locks.list_for_project"
	opForceRelease = "locks.force_release"
	opSweep        = "locks.sweep_expired"
)

var (
	errMissingStore = errors.New("ephemeral store is required")
	noOpLogger      = zap.NewNop()
)

// ManagerConfig describes the dependencies for the lock manager.
type ManagerConfig struct {
	Store  ephemeral.Store
	TTL    time.Duration
	Clock  func() time.Time
	Logger *zap.Logger
}

// Manager provides distributed per-file mutual exclusion. All state lives in
// the ephemeral store; the manager itself is a stateless facade and every
// method is safe for concurrent use.
type Manager struct {
	store  ephemeral.Store
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewManager constructs a Manager with sane defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		store:  cfg.Store,
		ttl:    ttl,
		clock:  clock,
		logger: logger,
	}, nil
}

func lockKey(project ProjectID, path FilePath) string {
	return fmt.Sprintf("lock:%s:%s", project.String(), path.String())
}

// Acquire attempts to take the lock for (project, path). It returns nil
// without error when the lock is already held; contention is an expected
// outcome, not a fault. The store's set-if-absent makes acquisition atomic,
// so two concurrent calls can never both succeed.
func (m *Manager) Acquire(ctx context.Context, project ProjectID, path FilePath, userID, displayName string) (*Lock, error) {
	now := m.clock()
	lock := Lock{
		Holder:       userID,
		HolderName:   displayName,
		AcquiredAtMS: now.UnixMilli(),
		ExpiresAtMS:  now.Add(m.ttl).UnixMilli(),
		ProjectID:    project.String(),
		FilePath:     path.String(),
	}
	payload, err := json.Marshal(lock)
	if err != nil {
		return nil, err
	}

	key := lockKey(project, path)
	acquired, err := m.store.SetNX(ctx, key, string(payload), m.ttl)
	if err != nil {
		m.logError(opAcquire, "store_unavailable", err, zap.String("key", key))
		return nil, err
	}
	if !acquired {
		return nil, nil
	}

	m.logger.Info("lock acquired",
		zap.String("key", key),
		zap.String("holder", displayName))
	return &lock, nil
}

// Release removes the lock only when the caller is the current holder.
func (m *Manager) Release(ctx context.Context, project ProjectID, path FilePath, userID string) (bool, error) {
	released, err := m.mutateIfHolder(ctx, project, path, userID, func(key string, _ Lock) error {
		return m.store.Del(ctx, key)
	})
	if err != nil {
		m.logError(opRelease, "store_unavailable", err)
		return false, err
	}
	if !released {
		m.logger.Warn("lock release refused",
			zap.String("key", lockKey(project, path)),
			zap.String("user_id", userID))
		return false, nil
	}
	m.logger.Info("lock released", zap.String("key", lockKey(project, path)))
	return true, nil
}

// Refresh extends the holder's claim by the full lock duration from now.
func (m *Manager) Refresh(ctx context.Context, project ProjectID, path FilePath, userID string) (bool, error) {
	refreshed, err := m.mutateIfHolder(ctx, project, path, userID, func(key string, lock Lock) error {
		lock.ExpiresAtMS = m.clock().Add(m.ttl).UnixMilli()
		payload, marshalErr := json.Marshal(lock)
		if marshalErr != nil {
			return marshalErr
		}
		return m.store.Set(ctx, key, string(payload), m.ttl)
	})
	if err != nil {
		m.logError(opRefresh, "store_unavailable", err)
		return false, err
	}
	if refreshed {
		m.logger.Debug("lock refreshed", zap.String("key", lockKey(project, path)))
	}
	return refreshed, nil
}

// mutateIfHolder loads the current lock, verifies ownership and runs the
// mutation. This is the single place the ownership invariant is enforced:
// a stale caller can never alter another holder's lock.
func (m *Manager) mutateIfHolder(ctx context.Context, project ProjectID, path FilePath, userID string, mutate func(key string, lock Lock) error) (bool, error) {
	lock, err := m.Get(ctx, project, path)
	if err != nil {
		return false, err
	}
	if lock == nil || lock.Holder != userID {
		return false, nil
	}
	if err := mutate(lockKey(project, path), *lock); err != nil {
		return false, err
	}
	return true, nil
}

// Get returns the live lock for (project, path), or nil when unheld.
func (m *Manager) Get(ctx context.Context, project ProjectID, path FilePath) (*Lock, error) {
	key := lockKey(project, path)
	value, found, err := m.store.Get(ctx, key)
	if err != nil {
		m.logError(opGet, "store_unavailable", err, zap.String("key", key))
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var lock Lock
	if err := json.Unmarshal([]byte(value), &lock); err != nil {
		m.logError(opGet, "payload_malformed", err, zap.String("key", key))
		return nil, nil
	}
	return &lock, nil
}

// IsLocked reports whether any live lock exists for (project, path).
func (m *Manager) IsLocked(ctx context.Context, project ProjectID, path FilePath) (bool, error) {
	lock, err := m.Get(ctx, project, path)
	return lock != nil, err
}

// IsLockedBy reports whether the given user currently holds the lock.
func (m *Manager) IsLockedBy(ctx context.Context, project ProjectID, path FilePath, userID string) (bool, error) {
	lock, err := m.Get(ctx, project, path)
	return lock != nil && lock.Holder == userID, err
}

// ListForProject returns every live lock in the project.
func (m *Manager) ListForProject(ctx context.Context, project ProjectID) ([]Lock, error) {
	pattern := fmt.Sprintf("lock:%s:*", project.String())
	keys, err := m.store.Keys(ctx, pattern)
	if err != nil {
		m.logError(opList, "store_unavailable", err, zap.String("project_id", project.String()))
		return nil, err
	}

	locks := make([]Lock, 0, len(keys))
	for _, key := range keys {
		value, found, err := m.store.Get(ctx, key)
		if err != nil {
			m.logError(opList, "store_unavailable", err, zap.String("key", key))
			return nil, err
		}
		if !found {
			continue
		}
		var lock Lock
		if err := json.Unmarshal([]byte(value), &lock); err != nil {
			m.logError(opList, "payload_malformed", err, zap.String("key", key))
			continue
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

// ForceRelease removes the lock unconditionally, without a holder check.
// Used for administrative cleanup and disconnect teardown.
func (m *Manager) ForceRelease(ctx context.Context, project ProjectID, path FilePath) error {
	key := lockKey(project, path)
	if err := m.store.Del(ctx, key); err != nil {
		m.logError(opForceRelease, "store_unavailable", err, zap.String("key", key))
		return err
	}
	m.logger.Info("lock force released", zap.String("key", key))
	return nil
}

// SweepExpired reconciles bookkeeping against the store. The store's TTL is
// authoritative for expiry, so this never affects correctness: it counts
// keys that already expired and deletes keys that somehow lost their expiry.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	keys, err := m.store.Keys(ctx, "lock:*:*")
	if err != nil {
		m.logError(opSweep, "store_unavailable", err)
		return 0, err
	}

	cleaned := 0
	for _, key := range keys {
		ttl, err := m.store.TTL(ctx, key)
		if err != nil {
			m.logError(opSweep, "store_unavailable", err, zap.String("key", key))
			return cleaned, err
		}
		switch ttl {
		case ephemeral.TTLMissing:
			cleaned++
		case ephemeral.TTLPersistent:
			if err := m.store.Del(ctx, key); err != nil {
				m.logError(opSweep, "store_unavailable", err, zap.String("key", key))
				return cleaned, err
			}
			cleaned++
		}
	}

	if cleaned > 0 {
		m.logger.Info("expired locks swept", zap.Int("cleaned", cleaned))
	}
	return cleaned, nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	m.logger.Error("lock manager error", attrs...)
}
