package models

import (
	"time"

	"github.com/google/uuid"
)

// Library is a directory tree on disk whose media files are indexed into the catalog.
type Library struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	RootPath  string     `json:"root_path"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}
