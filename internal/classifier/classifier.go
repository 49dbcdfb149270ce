// Package classifier maps file paths to coarse media kinds by extension.
package classifier

import (
	"path/filepath"
	"strings"

	"github.com/voyagen/streamvault/internal/models"
)

var kindsByExt = map[string]models.MediaKind{
	".mp4": models.MediaKindVideo,
	".mkv": models.MediaKindVideo,
	".avi": models.MediaKindVideo,
	".mov": models.MediaKindVideo,

	".mp3":  models.MediaKindAudio,
	".flac": models.MediaKindAudio,
	".wav":  models.MediaKindAudio,
	".aac":  models.MediaKindAudio,

	".jpg":  models.MediaKindImage,
	".jpeg": models.MediaKindImage,
	".png":  models.MediaKindImage,
	".gif":  models.MediaKindImage,
}

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".mp3":  "audio/mpeg",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".aac":  "audio/aac",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// Classify returns the media kind for path, or false when the extension is
// missing or not a known media type. It performs no I/O.
func Classify(path string) (models.MediaKind, bool) {
	kind, ok := kindsByExt[ext(path)]
	return kind, ok
}

// ContentType returns the MIME type to serve path with.
func ContentType(path string) string {
	if ct, ok := contentTypes[ext(path)]; ok {
		return ct
	}
	return "application/octet-stream"
}

func ext(path string) string {
	// filepath.Ext treats a leading dot file (".mp4") as an extension; a
	// hidden file with no other dot has no real extension.
	base := filepath.Base(path)
	e := filepath.Ext(base)
	if e == base {
		return ""
	}
	return strings.ToLower(e)
}
