package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voyagen/streamvault/internal/models"
)

const pgUniqueViolation = "23505"

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// --- libraries ---

// CreateLibrary inserts a library, assigning an id when lib.ID is nil.
func (p *Postgres) CreateLibrary(ctx context.Context, lib *models.Library) error {
	if lib.ID == uuid.Nil {
		lib.ID = uuid.New()
	}
	var created, updated time.Time
	err := p.pool.QueryRow(ctx,
		`INSERT INTO libraries (id, name, root_path) VALUES ($1, $2, $3)
		 RETURNING created_at, updated_at`,
		lib.ID, lib.Name, lib.RootPath,
	).Scan(&created, &updated)
	if err != nil {
		return fmt.Errorf("CreateLibrary: %w", mapErr(err))
	}
	lib.CreatedAt, lib.UpdatedAt = &created, &updated
	return nil
}

// GetLibrary returns a single library by id.
func (p *Postgres) GetLibrary(ctx context.Context, id uuid.UUID) (*models.Library, error) {
	var lib models.Library
	var created, updated time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, root_path, created_at, updated_at FROM libraries WHERE id = $1`, id,
	).Scan(&lib.ID, &lib.Name, &lib.RootPath, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("GetLibrary: %w", mapErr(err))
	}
	lib.CreatedAt, lib.UpdatedAt = &created, &updated
	return &lib, nil
}

// ListLibraries returns all libraries ordered by name.
func (p *Postgres) ListLibraries(ctx context.Context) ([]models.Library, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, root_path, created_at, updated_at FROM libraries ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("ListLibraries: %w", err)
	}
	defer rows.Close()

	var out []models.Library
	for rows.Next() {
		var lib models.Library
		var created, updated time.Time
		if err := rows.Scan(&lib.ID, &lib.Name, &lib.RootPath, &created, &updated); err != nil {
			return nil, fmt.Errorf("ListLibraries scan: %w", err)
		}
		lib.CreatedAt, lib.UpdatedAt = &created, &updated
		out = append(out, lib)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListLibraries: %w", err)
	}
	return out, nil
}

// DeleteLibrary deletes a library; media rows go with it via ON DELETE CASCADE.
func (p *Postgres) DeleteLibrary(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM libraries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteLibrary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- media ---

const mediaColumns = `id, library_id, title, file_path, media_kind, created_at, updated_at`

func scanMedia(row pgx.Row) (*models.Media, error) {
	var m models.Media
	var kind string
	if err := row.Scan(&m.ID, &m.LibraryID, &m.Title, &m.FilePath, &kind, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Kind = models.MediaKind(kind)
	return &m, nil
}

// GetMedia returns a media item by id.
func (p *Postgres) GetMedia(ctx context.Context, id uuid.UUID) (*models.Media, error) {
	m, err := scanMedia(p.pool.QueryRow(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("GetMedia: %w", mapErr(err))
	}
	return m, nil
}

// FindMedia returns the media item at filePath within a library.
func (p *Postgres) FindMedia(ctx context.Context, libraryID uuid.UUID, filePath string) (*models.Media, error) {
	m, err := scanMedia(p.pool.QueryRow(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE library_id = $1 AND file_path = $2`,
		libraryID, filePath))
	if err != nil {
		return nil, fmt.Errorf("FindMedia: %w", mapErr(err))
	}
	return m, nil
}

// ListMedia returns every media item of a library ordered by file path.
func (p *Postgres) ListMedia(ctx context.Context, libraryID uuid.UUID) ([]models.Media, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+mediaColumns+` FROM media WHERE library_id = $1 ORDER BY file_path`, libraryID)
	if err != nil {
		return nil, fmt.Errorf("ListMedia: %w", err)
	}
	defer rows.Close()

	var out []models.Media
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMedia scan: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListMedia: %w", err)
	}
	return out, nil
}

// InsertMedia inserts a media row. The (library_id, file_path) unique index
// rejects duplicates with ErrDuplicate.
func (p *Postgres) InsertMedia(ctx context.Context, m *models.Media) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO media (`+mediaColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.LibraryID, m.Title, m.FilePath, string(m.Kind), m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("InsertMedia: %w", mapErr(err))
	}
	return nil
}

// DeleteMedia deletes a media row by id.
func (p *Postgres) DeleteMedia(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM media WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteMedia: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- peers ---

// UpsertPeer inserts a peer or refreshes address and last_seen for a known peer_id.
func (p *Postgres) UpsertPeer(ctx context.Context, peer *models.Peer) error {
	if peer.ID == uuid.Nil {
		peer.ID = uuid.New()
	}
	err := p.pool.QueryRow(ctx,
		`INSERT INTO peers (id, peer_id, ip_address, port, last_seen)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (peer_id) DO UPDATE SET
		   ip_address = EXCLUDED.ip_address, port = EXCLUDED.port, last_seen = EXCLUDED.last_seen
		 RETURNING id`,
		peer.ID, peer.PeerID, peer.IPAddress, peer.Port, peer.LastSeen,
	).Scan(&peer.ID)
	if err != nil {
		return fmt.Errorf("UpsertPeer: %w", err)
	}
	return nil
}

// ListPeersSeenSince returns peers whose last_seen is at or after since.
func (p *Postgres) ListPeersSeenSince(ctx context.Context, since time.Time) ([]models.Peer, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, peer_id, ip_address, port, last_seen FROM peers WHERE last_seen >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("ListPeersSeenSince: %w", err)
	}
	defer rows.Close()

	var out []models.Peer
	for rows.Next() {
		var peer models.Peer
		if err := rows.Scan(&peer.ID, &peer.PeerID, &peer.IPAddress, &peer.Port, &peer.LastSeen); err != nil {
			return nil, fmt.Errorf("ListPeersSeenSince scan: %w", err)
		}
		out = append(out, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListPeersSeenSince: %w", err)
	}
	return out, nil
}

// DeletePeersSeenBefore removes peers whose last_seen is before cutoff.
func (p *Postgres) DeletePeersSeenBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM peers WHERE last_seen < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("DeletePeersSeenBefore: %w", err)
	}
	return tag.RowsAffected(), nil
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}
