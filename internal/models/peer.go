package models

import (
	"time"

	"github.com/google/uuid"
)

// Peer is a client that can serve media to other clients. PeerID is the
// stable logical identity reported in heartbeats; ID is the storage key.
type Peer struct {
	ID        uuid.UUID `json:"id"`
	PeerID    string    `json:"peer_id"`
	IPAddress string    `json:"ip_address"`
	Port      int       `json:"port"`
	LastSeen  time.Time `json:"last_seen"`
}
