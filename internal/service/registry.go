package service

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/store"
)

const (
	// DefaultPeerFreshness is how long after its last heartbeat a peer stays eligible.
	DefaultPeerFreshness = 5 * time.Minute
	defaultPeerLimit     = 10
	maxPeerIDLength      = 128
)

// PeerRegistry tracks P2P peers and answers candidate queries.
type PeerRegistry struct {
	peers  store.PeerStore
	window time.Duration
	limit  int
	log    *zap.Logger
	now    func() time.Time
}

// NewPeerRegistry returns a registry where peers are fresh for window after
// their last heartbeat and queries return at most defaultLimit peers unless
// the caller asks for another limit.
func NewPeerRegistry(peers store.PeerStore, window time.Duration, defaultLimit int, log *zap.Logger) *PeerRegistry {
	if window <= 0 {
		window = DefaultPeerFreshness
	}
	if defaultLimit <= 0 {
		defaultLimit = defaultPeerLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PeerRegistry{peers: peers, window: window, limit: defaultLimit, log: log.Named("peers"), now: time.Now}
}

// Heartbeat records a liveness signal, creating the peer on first contact.
// It is idempotent on peerID.
func (r *PeerRegistry) Heartbeat(ctx context.Context, peerID, ipAddress string, port int) (*models.Peer, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, fmt.Errorf("%w: peer_id is required", ErrValidation)
	}
	if len(peerID) > maxPeerIDLength {
		return nil, fmt.Errorf("%w: peer_id longer than %d characters", ErrValidation, maxPeerIDLength)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ipAddress))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ip_address %q", ErrValidation, ipAddress)
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrValidation, port)
	}

	p := &models.Peer{
		PeerID:    peerID,
		IPAddress: addr.Unmap().String(),
		Port:      port,
		LastSeen:  r.now().UTC(),
	}
	if err := r.peers.UpsertPeer(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Candidates returns up to limit fresh peers for a media item, most recently
// seen first with ties broken by peer_id. Every fresh peer is considered a
// candidate; there is no per-media availability index. A limit <= 0 uses the
// registry default. An empty result means no P2P delivery is possible.
func (r *PeerRegistry) Candidates(ctx context.Context, mediaID uuid.UUID, limit int) ([]models.Peer, error) {
	if limit <= 0 {
		limit = r.limit
	}
	cutoff := r.now().Add(-r.window)
	peers, err := r.peers.ListPeersSeenSince(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	// The store filter is trusted only as a prefilter.
	fresh := peers[:0]
	for _, p := range peers {
		if !p.LastSeen.Before(cutoff) {
			fresh = append(fresh, p)
		}
	}
	SortPeers(fresh)
	if len(fresh) > limit {
		fresh = fresh[:limit]
	}
	r.log.Debug("peer candidates", zap.String("media_id", mediaID.String()), zap.Int("count", len(fresh)))
	return fresh, nil
}

// Prune deletes peers that have not been seen within retention.
func (r *PeerRegistry) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention < r.window {
		retention = r.window
	}
	n, err := r.peers.DeletePeersSeenBefore(ctx, r.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("stale peers pruned", zap.Int64("count", n))
	}
	return n, nil
}

// SortPeers orders peers most recently seen first, then by peer_id.
func SortPeers(peers []models.Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		if !peers[i].LastSeen.Equal(peers[j].LastSeen) {
			return peers[i].LastSeen.After(peers[j].LastSeen)
		}
		return peers[i].PeerID < peers[j].PeerID
	})
}
