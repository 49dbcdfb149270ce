package models

// MediaKind is the coarse media classification derived from a file extension.
type MediaKind string

// Media kinds stored in the catalog.
const (
	MediaKindVideo MediaKind = "video"
	MediaKindAudio MediaKind = "audio"
	MediaKindImage MediaKind = "image"
)

// Valid reports whether k is one of the known media kinds.
func (k MediaKind) Valid() bool {
	switch k {
	case MediaKindVideo, MediaKindAudio, MediaKindImage:
		return true
	}
	return false
}

// StreamType is the delivery modality chosen for a playback request.
type StreamType string

// Stream types. HLS is reserved; no dispatch policy selects it yet.
const (
	StreamTypeP2P  StreamType = "p2p"
	StreamTypeHTTP StreamType = "http"
	StreamTypeHLS  StreamType = "hls"
)
