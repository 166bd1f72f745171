package locks

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("locks: invalid project id")
	// ErrInvalidFilePath indicates that a file path is empty or exceeds storage bounds.
	ErrInvalidFilePath = errors.New("locks: invalid file path")
)

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidProjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidProjectID, maxIdentifierLength)
	}
	return ProjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// FilePath represents a validated project-relative file path.
type FilePath string

// NewFilePath validates raw input and returns a FilePath.
func NewFilePath(rawInput string) (FilePath, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFilePath)
	}
	return FilePath(trimmed), nil
}

// String returns the underlying path.
func (p FilePath) String() string {
	return string(p)
}

// Lock describes a live mutual-exclusion claim on one project file. The JSON
// shape is the stored ephemeral value and the wire shape sent to clients.
type Lock struct {
	Holder       string `json:"holder"`
	HolderName   string `json:"holderName"`
	AcquiredAtMS int64  `json:"acquiredAt"`
	ExpiresAtMS  int64  `json:"expiresAt"`
	ProjectID    string `json:"projectId"`
	FilePath     string `json:"filePath"`
}
