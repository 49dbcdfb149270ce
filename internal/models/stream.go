package models

import "github.com/google/uuid"

// StreamRequest describes a single playback attempt. It is never persisted.
type StreamRequest struct {
	MediaID      uuid.UUID `json:"media_id"`
	ProfileID    uuid.UUID `json:"profile_id"`
	SeekPosition *float64  `json:"seek_position,omitempty"` // seconds
	PreferP2P    bool      `json:"prefer_p2p"`
}

// StreamResponse tells the client how to play a media item.
// URL is empty for pure P2P delivery; callers use Peers instead.
type StreamResponse struct {
	StreamType StreamType `json:"stream_type"`
	URL        string     `json:"url"`
	Peers      []Peer     `json:"p2p_peers"`
}
