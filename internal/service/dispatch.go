package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voyagen/streamvault/internal/models"
	"github.com/voyagen/streamvault/internal/store"
)

// PeerFinder answers P2P candidate queries.
type PeerFinder interface {
	Candidates(ctx context.Context, mediaID uuid.UUID, limit int) ([]models.Peer, error)
}

// DispatchConfig controls stream modality decisions.
type DispatchConfig struct {
	// BaseURL prefixes playback URLs, e.g. "http://media.local:8080".
	BaseURL string
	// AllowPeerToPeer gates P2P delivery for every request.
	AllowPeerToPeer bool
	// CandidateLimit caps the peers returned; <= 0 uses the registry default.
	CandidateLimit int
}

// Dispatcher decides how a playback request is served. It never mutates the catalog.
type Dispatcher struct {
	catalog store.Catalog
	peers   PeerFinder
	cfg     DispatchConfig
	log     *zap.Logger
}

// NewDispatcher returns a Dispatcher. peers may be nil when P2P is unavailable.
func NewDispatcher(catalog store.Catalog, peers PeerFinder, cfg DispatchConfig, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Dispatcher{catalog: catalog, peers: peers, cfg: cfg, log: log.Named("dispatch")}
}

// Dispatch resolves the media item and picks a stream type: P2P when the
// client prefers it and fresh peers exist, direct HTTP otherwise. HLS is a
// valid StreamType but no policy selects it yet.
func (d *Dispatcher) Dispatch(ctx context.Context, req models.StreamRequest) (*models.StreamResponse, error) {
	if req.SeekPosition != nil {
		if s := *req.SeekPosition; s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: seek_position must be a non-negative number", ErrValidation)
		}
	}

	media, err := d.catalog.GetMedia(ctx, req.MediaID)
	if err != nil {
		return nil, fmt.Errorf("media %s: %w", req.MediaID, err)
	}

	if req.PreferP2P && d.cfg.AllowPeerToPeer && d.peers != nil {
		peers, err := d.peers.Candidates(ctx, media.ID, d.cfg.CandidateLimit)
		if err != nil {
			// Losing the peer list is not fatal; HTTP still works.
			d.log.Warn("peer lookup failed, falling back to http",
				zap.String("media_id", media.ID.String()), zap.Error(err))
		} else if len(peers) > 0 {
			return &models.StreamResponse{StreamType: models.StreamTypeP2P, URL: "", Peers: peers}, nil
		}
	}

	if _, _, err := d.Locate(ctx, media); err != nil {
		return nil, err
	}
	return &models.StreamResponse{
		StreamType: models.StreamTypeHTTP,
		URL:        d.playbackURL(media.ID, req.SeekPosition),
		Peers:      []models.Peer{},
	}, nil
}

// Locate resolves the on-disk path of a media item under its library root
// and checks that it is still a regular file.
func (d *Dispatcher) Locate(ctx context.Context, media *models.Media) (string, fs.FileInfo, error) {
	lib, err := d.catalog.GetLibrary(ctx, media.LibraryID)
	if err != nil {
		return "", nil, fmt.Errorf("library %s: %w", media.LibraryID, err)
	}
	full, err := resolveUnder(lib.RootPath, media.FilePath)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: %s", ErrFileMissing, full)
		}
		return "", nil, fmt.Errorf("stat media file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", nil, fmt.Errorf("%w: %s is not a regular file", ErrFileMissing, full)
	}
	return full, info, nil
}

// MediaPath looks a media item up by id and locates its file.
func (d *Dispatcher) MediaPath(ctx context.Context, id uuid.UUID) (*models.Media, string, error) {
	media, err := d.catalog.GetMedia(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("media %s: %w", id, err)
	}
	full, _, err := d.Locate(ctx, media)
	if err != nil {
		return nil, "", err
	}
	return media, full, nil
}

func (d *Dispatcher) playbackURL(id uuid.UUID, seek *float64) string {
	u := d.cfg.BaseURL + "/api/media/" + id.String() + "/stream"
	if seek != nil && *seek > 0 {
		// Media fragment; the player turns it into a byte-range request.
		u += "#t=" + strconv.FormatFloat(*seek, 'f', -1, 64)
	}
	return u
}

// resolveUnder joins a catalog path onto root, refusing paths that escape it.
func resolveUnder(root, rel string) (string, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	r, err := filepath.Rel(root, full)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path %q escapes library root", ErrValidation, rel)
	}
	return full, nil
}
