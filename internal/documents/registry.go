// Package documents owns the in-memory CRDT replicas for open files and
// their debounced persistence to the durable store. One replica exists per
// (project, path) key; incoming update fragments from any client merge into
// it commutatively, so arrival order across clients never matters.
package documents

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	automerge "github.com/automerge/automerge-go"
	"github.com/coeditlabs/coedit/backend/internal/projects"
	"go.uber.org/zap"
)

const (
	// contentKey is the root text object every document keeps its sequence in.
	contentKey = "content"

	defaultPersistDebounce = 2 * time.Second

	opGetOrCreate = "documents.get_or_create"
	opApplyUpdate = "documents.apply_update"
	opPersist     = "documents.persist"
	opClose       = "documents.close"
)

var (
	errMissingFileStore = errors.New("file store is required")
	errEmptyFragment    = errors.New("empty update fragment")
	noOpLogger          = zap.NewNop()
)

// FileStore is the durable side the registry seeds from and flushes to.
type FileStore interface {
	UpsertFile(ctx context.Context, projectID, path, content, binaryStateB64 string) error
	GetFile(ctx context.Context, projectID, path string) (*projects.File, error)
}

// openDocument pairs a replica with the mutex serializing access to it.
// Different keys proceed fully in parallel; two fragments for the same key
// never touch the replica concurrently.
type openDocument struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// RegistryConfig describes the dependencies for the document registry.
type RegistryConfig struct {
	Files           FileStore
	PersistDebounce time.Duration
	Logger          *zap.Logger
}

// Registry is the sole owner of in-memory CRDT replicas. Construct one per
// process and shut it down with Shutdown to flush pending state.
type Registry struct {
	files    FileStore
	debounce time.Duration
	logger   *zap.Logger

	mu   sync.RWMutex
	docs map[string]*openDocument

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// NewRegistry constructs a Registry with sane defaults.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Files == nil {
		return nil, errMissingFileStore
	}
	debounce := cfg.PersistDebounce
	if debounce <= 0 {
		debounce = defaultPersistDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{
		files:    cfg.Files,
		debounce: debounce,
		logger:   logger,
		docs:     make(map[string]*openDocument),
		timers:   make(map[string]*time.Timer),
	}, nil
}

func documentKey(projectID, path string) string {
	return fmt.Sprintf("%s:%s", projectID, path)
}

// GetOrCreate opens the replica for (project, path), seeding it from durable
// storage on first access: previously persisted CRDT state when present,
// else the last known plain content. Idempotent; a second call returns
// without touching the already-open replica.
func (r *Registry) GetOrCreate(ctx context.Context, projectID, path string) error {
	key := documentKey(projectID, path)

	r.mu.RLock()
	_, open := r.docs[key]
	r.mu.RUnlock()
	if open {
		return nil
	}

	seeded, err := r.seedReplica(ctx, projectID, path)
	if err != nil {
		r.logError(opGetOrCreate, "seed_failed", err, zap.String("key", key))
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Lost the race against a concurrent open; the existing replica wins.
	if _, open := r.docs[key]; open {
		return nil
	}
	r.docs[key] = &openDocument{doc: seeded}
	r.logger.Info("document opened", zap.String("key", key))
	return nil
}

func (r *Registry) seedReplica(ctx context.Context, projectID, path string) (*automerge.Doc, error) {
	stored, err := r.files.GetFile(ctx, projectID, path)
	if err != nil {
		return nil, err
	}

	if stored != nil && stored.BinaryStateB64 != "" {
		state, err := base64.StdEncoding.DecodeString(stored.BinaryStateB64)
		if err == nil {
			if doc, loadErr := automerge.Load(state); loadErr == nil {
				return doc, nil
			} else {
				r.logger.Warn("persisted crdt state unreadable, reseeding from content",
					zap.String("project_id", projectID),
					zap.String("path", path),
					zap.Error(loadErr))
			}
		}
	}

	seedText := ""
	if stored != nil {
		seedText = stored.Content
	}
	doc := automerge.New()
	if err := doc.Path(contentKey).Set(automerge.NewText(seedText)); err != nil {
		return nil, err
	}
	if _, err := doc.Commit("seed"); err != nil {
		return nil, err
	}
	return doc, nil
}

// ApplyUpdate merges a binary update fragment into the open replica and
// schedules a debounced flush. It reports false, never an error, when no
// replica is open for the key or the fragment is malformed; a rejected
// fragment leaves the replica untouched.
func (r *Registry) ApplyUpdate(projectID, path string, fragment []byte) bool {
	key := documentKey(projectID, path)

	r.mu.RLock()
	entry, open := r.docs[key]
	r.mu.RUnlock()
	if !open {
		r.logger.Warn("update for unopened document", zap.String("key", key))
		return false
	}

	if len(fragment) == 0 {
		r.logError(opApplyUpdate, "fragment_empty", errEmptyFragment, zap.String("key", key))
		return false
	}
	// LoadIncremental surfaces decode errors only while the target doc has
	// no history; against a seeded replica it silently drops undecodable
	// input. Decode the fragment against a fresh doc first so malformed
	// bytes are rejected instead of accepted and rebroadcast.
	if err := automerge.New().LoadIncremental(fragment); err != nil {
		r.logError(opApplyUpdate, "fragment_malformed", err, zap.String("key", key))
		return false
	}

	entry.mu.Lock()
	err := entry.doc.LoadIncremental(fragment)
	entry.mu.Unlock()
	if err != nil {
		r.logError(opApplyUpdate, "fragment_malformed", err, zap.String("key", key))
		return false
	}

	r.schedulePersist(projectID, path)
	return true
}

// GetState returns the full-state encoding of the replica for late joiners,
// or nil when the document is not open.
func (r *Registry) GetState(projectID, path string) []byte {
	r.mu.RLock()
	entry, open := r.docs[documentKey(projectID, path)]
	r.mu.RUnlock()
	if !open {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.doc.Save()
}

// GetText materializes the current merged content as plain text; empty
// string when the document is not open.
func (r *Registry) GetText(projectID, path string) string {
	r.mu.RLock()
	entry, open := r.docs[documentKey(projectID, path)]
	r.mu.RUnlock()
	if !open {
		return ""
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return r.textOf(entry.doc)
}

func (r *Registry) textOf(doc *automerge.Doc) string {
	text, err := doc.Path(contentKey).Text().Get()
	if err != nil {
		return ""
	}
	return text
}

// Close flushes a final snapshot, cancels any pending debounce timer and
// evicts the replica. Best effort against a crash, lossless for an
// intentional teardown.
func (r *Registry) Close(ctx context.Context, projectID, path string) error {
	key := documentKey(projectID, path)
	r.cancelPersist(key)

	if err := r.persist(ctx, projectID, path); err != nil {
		r.logError(opClose, "final_flush_failed", err, zap.String("key", key))
	}

	r.mu.Lock()
	delete(r.docs, key)
	r.mu.Unlock()
	r.logger.Info("document closed", zap.String("key", key))
	return nil
}

// ListOpen returns the keys of all resident replicas, sorted.
func (r *Registry) ListOpen() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.docs))
	for key := range r.docs {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Shutdown flushes and evicts every open document.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.docs))
	for key := range r.docs {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	for _, key := range keys {
		projectID, path, ok := splitKey(key)
		if !ok {
			continue
		}
		if err := r.Close(ctx, projectID, path); err != nil {
			r.logError(opClose, "shutdown_flush_failed", err, zap.String("key", key))
		}
	}
}

func splitKey(key string) (projectID, path string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// schedulePersist arms (or re-arms, canceling the prior timer) the debounced
// flush for the key. Rapid keystroke updates collapse into one write after
// the quiet period.
func (r *Registry) schedulePersist(projectID, path string) {
	key := documentKey(projectID, path)
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if timer, ok := r.timers[key]; ok {
		timer.Stop()
	}
	r.timers[key] = time.AfterFunc(r.debounce, func() {
		r.timerMu.Lock()
		delete(r.timers, key)
		r.timerMu.Unlock()
		if err := r.persist(context.Background(), projectID, path); err != nil {
			r.logError(opPersist, "flush_failed", err, zap.String("key", key))
		}
	})
}

func (r *Registry) cancelPersist(key string) {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if timer, ok := r.timers[key]; ok {
		timer.Stop()
		delete(r.timers, key)
	}
}

// persist snapshots the replica as it is at flush time, so the write always
// reflects every update merged before the quiet period ended.
func (r *Registry) persist(ctx context.Context, projectID, path string) error {
	r.mu.RLock()
	entry, open := r.docs[documentKey(projectID, path)]
	r.mu.RUnlock()
	if !open {
		return nil
	}

	entry.mu.Lock()
	content := r.textOf(entry.doc)
	state := entry.doc.Save()
	entry.mu.Unlock()

	if err := r.files.UpsertFile(ctx, projectID, path, content, base64.StdEncoding.EncodeToString(state)); err != nil {
		return err
	}
	r.logger.Debug("document persisted",
		zap.String("project_id", projectID),
		zap.String("path", path))
	return nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	r.logger.Error("document registry error", attrs...)
}
