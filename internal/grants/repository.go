package grants

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"

	"github.com/odyssey-erp/assetgate/internal/authz"
)

// DBTX is the subset of pgxpool.Pool used by the repository.
type DBTX interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository resolves grants from the grants table maintained by the
// assignment workflow.
type PGRepository struct {
	db    DBTX
	clock clock.Clock
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(db DBTX, clk clock.Clock) *PGRepository {
	if clk == nil {
		clk = clock.New()
	}
	return &PGRepository{db: db, clock: clk}
}

// Asset grants resolve through the asset's current path so the returned Ref
// always covers the requested path.
const findGrant = `SELECT g.id, COALESCE(a.path, g.path_ref), COALESCE(g.asset_id::text, ''), g.grantee_id, g.expires_at
	FROM grants g
	LEFT JOIN assets a ON a.id = g.asset_id
	WHERE g.grantee_id = $2
	  AND g.permission = 'read'
	  AND (g.expires_at IS NULL OR g.expires_at > $3)
	  AND (
	        (g.path_ref IS NOT NULL AND ($1 = rtrim(g.path_ref, '/') OR starts_with($1, rtrim(g.path_ref, '/') || '/')))
	     OR a.path = $1
	  )
	ORDER BY g.expires_at DESC NULLS FIRST
	LIMIT 1`

// FindGrant returns an unexpired read grant covering path, or nil.
func (r *PGRepository) FindGrant(ctx context.Context, path, granteeID string) (*authz.Grant, error) {
	var (
		g         authz.Grant
		expiresAt *time.Time
	)
	err := r.db.QueryRow(ctx, findGrant, path, granteeID, r.clock.Now().UTC()).
		Scan(&g.ID, &g.Ref, &g.AssetID, &g.GranteeID, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	g.ExpiresAt = expiresAt
	return &g, nil
}

var _ authz.GrantFinder = (*PGRepository)(nil)
