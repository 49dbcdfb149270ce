package models

import (
	"time"

	"github.com/google/uuid"
)

// Media is one catalogued file. FilePath is relative to the owning library's
// root and slash-separated; (LibraryID, FilePath) is unique.
type Media struct {
	ID        uuid.UUID `json:"id"`
	LibraryID uuid.UUID `json:"library_id"`
	Title     string    `json:"title"`
	FilePath  string    `json:"file_path"`
	Kind      MediaKind `json:"media_kind"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
