package projects

import (
	"path/filepath"
	"strings"
	"time"
)

// Project models a collaborative workspace owned by one user.
type Project struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190;not null"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	Name      string    `gorm:"column:name;size:320;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Member grants a non-owner user access to a project.
type Member struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	AddedAt   time.Time `gorm:"column:added_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "project_members"
}

// File stores the durable snapshot of one project file: the last flushed
// plain content plus the full CRDT state (base64) it was materialized from.
type File struct {
	ProjectID        string `gorm:"column:project_id;primaryKey;size:190;not null"`
	Path             string `gorm:"column:path;primaryKey;size:512;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	BinaryStateB64   string `gorm:"column:binary_state_b64;type:text"`
	Language         string `gorm:"column:language;size:32;not null;default:'plaintext'"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (File) TableName() string {
	return "project_files"
}

var languageByExtension = map[string]string{
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".java": "java",
	".go":   "go",
	".rs":   "rust",
	".cpp":  "cpp",
	".c":    "c",
	".css":  "css",
	".html": "html",
	".json": "json",
	".md":   "markdown",
}

// DetectLanguage maps a file extension to the editor language identifier.
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if language, ok := languageByExtension[ext]; ok {
		return language
	}
	return "plaintext"
}
