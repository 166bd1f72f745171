package projects

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew = "projects.service.new"
	opUpsertFile = "projects.upsert_file"
	opGetFile    = "projects.get_file"
	opHasAccess  = "projects.has_access"
)

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies for the durable project store.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the durable side of the collaboration engine: file snapshots
// written by the document registry and project membership consulted on room
// join.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs a Service with sane defaults.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// UpsertFile writes the latest snapshot for (project, path). Last writer
// wins at this layer; the CRDT upstream already merged concurrent edits.
func (s *Service) UpsertFile(ctx context.Context, projectID, path, content, binaryStateB64 string) error {
	record := File{
		ProjectID:        projectID,
		Path:             path,
		Content:          content,
		BinaryStateB64:   binaryStateB64,
		Language:         DetectLanguage(path),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "binary_state_b64", "language", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opUpsertFile, "upsert_failed", err,
			zap.String("project_id", projectID),
			zap.String("path", path))
		return newServiceError(opUpsertFile, "upsert_failed", err)
	}
	return nil
}

// GetFile returns the stored snapshot for (project, path), or nil when the
// file has never been persisted.
func (s *Service) GetFile(ctx context.Context, projectID, path string) (*File, error) {
	var record File
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND path = ?", projectID, path).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetFile, "query_failed", err,
			zap.String("project_id", projectID),
			zap.String("path", path))
		return nil, newServiceError(opGetFile, "query_failed", err)
	}
	return &record, nil
}

// HasAccess reports whether the user owns the project or appears as a
// member.
func (s *Service) HasAccess(ctx context.Context, userID, projectID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Project{}).
		Where("project_id = ? AND owner_id = ?", projectID, userID).
		Count(&count).Error
	if err != nil {
		s.logError(opHasAccess, "query_failed", err, zap.String("project_id", projectID))
		return false, newServiceError(opHasAccess, "query_failed", err)
	}
	if count > 0 {
		return true, nil
	}

	err = s.db.WithContext(ctx).Model(&Member{}).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Count(&count).Error
	if err != nil {
		s.logError(opHasAccess, "query_failed", err, zap.String("project_id", projectID))
		return false, newServiceError(opHasAccess, "query_failed", err)
	}
	return count > 0, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("projects service error", attrs...)
}
