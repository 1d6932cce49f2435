package assets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

// DBTX is the subset of pgxpool.Pool used by the repository.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository implements the metadata store on PostgreSQL.
type PGRepository struct {
	db DBTX
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(db DBTX) *PGRepository {
	return &PGRepository{db: db}
}

// A new object version at an existing path replaces its metadata; the asset
// id stays stable so grants and links keep working.
const upsertAsset = `INSERT INTO assets (id, path, owner_type, owner_id, size_bytes, mime_type, checksum, etag, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	ON CONFLICT (path) DO UPDATE SET
		size_bytes = EXCLUDED.size_bytes,
		mime_type  = EXCLUDED.mime_type,
		checksum   = EXCLUDED.checksum,
		etag       = EXCLUDED.etag,
		updated_at = NOW()
	RETURNING id`

// CreateAssetRecord persists metadata for a freshly written object and returns its id.
func (r *PGRepository) CreateAssetRecord(ctx context.Context, rec Record) (string, error) {
	if rec.Path == "" || rec.OwnerType == "" || rec.OwnerID == "" {
		return "", errors.New("assets: path/owner required")
	}
	var id string
	err := r.db.QueryRow(ctx, upsertAsset,
		uuid.NewString(), rec.Path, rec.OwnerType, rec.OwnerID, rec.Size, rec.MimeType, rec.Checksum, rec.ETag).
		Scan(&id)
	if err != nil {
		return "", fmt.Errorf("assets: upsert %s: %w", rec.Path, err)
	}
	return id, nil
}

const getAsset = `SELECT id, path, owner_type, owner_id, size_bytes, mime_type, checksum, etag, created_at, updated_at
	FROM assets WHERE id = $1`

// GetAsset fetches an asset by id.
func (r *PGRepository) GetAsset(ctx context.Context, id string) (Asset, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return Asset{}, shared.ErrNotFound
	}
	var a Asset
	err := r.db.QueryRow(ctx, getAsset, id).Scan(
		&a.ID, &a.Path, &a.OwnerType, &a.OwnerID, &a.Size, &a.MimeType, &a.Checksum, &a.ETag, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Asset{}, shared.ErrNotFound
		}
		return Asset{}, err
	}
	return a, nil
}
