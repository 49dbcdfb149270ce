package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/voyagen/streamvault/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		kind models.MediaKind
		ok   bool
	}{
		{"movie.mp4", models.MediaKindVideo, true},
		{"/lib/shows/ep1.mkv", models.MediaKindVideo, true},
		{"clip.AVI", models.MediaKindVideo, true},
		{"home.MoV", models.MediaKindVideo, true},
		{"song.mp3", models.MediaKindAudio, true},
		{"album/track.FLAC", models.MediaKindAudio, true},
		{"voice.wav", models.MediaKindAudio, true},
		{"ringtone.aac", models.MediaKindAudio, true},
		{"photo.jpg", models.MediaKindImage, true},
		{"photo.JPEG", models.MediaKindImage, true},
		{"shot.png", models.MediaKindImage, true},
		{"anim.gif", models.MediaKindImage, true},
		{"notes.txt", "", false},
		{"archive.tar.gz", "", false},
		{"README", "", false},
		{"dir.mp4/readme", "", false},
		{".mp4", "", false},
		{"trailing.", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			kind, ok := Classify(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", ContentType("a/b.MP4"))
	assert.Equal(t, "video/x-matroska", ContentType("b.mkv"))
	assert.Equal(t, "audio/mpeg", ContentType("c.mp3"))
	assert.Equal(t, "image/jpeg", ContentType("d.jpeg"))
	assert.Equal(t, "application/octet-stream", ContentType("e.bin"))
}
