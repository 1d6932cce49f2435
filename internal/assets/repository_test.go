package assets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/assetgate/internal/shared"
)

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

type stubDB struct {
	sql  string
	args []any
	row  pgx.Row
}

func (s *stubDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	s.sql = sql
	s.args = args
	return s.row
}

func TestCreateAssetRecord(t *testing.T) {
	db := &stubDB{row: scanFunc(func(dest ...any) error {
		*dest[0].(*string) = "0b9c7f0e-8f43-4a4c-9c36-0d7c9f7d1a11"
		return nil
	})}
	repo := NewRepository(db)
	id, err := repo.CreateAssetRecord(context.Background(), Record{
		Path: "/publishers/7/book/ch1.pdf", OwnerType: "publishers", OwnerID: "7",
		Size: 1024, MimeType: "application/pdf", Checksum: "abc", ETag: "\"e\"",
	})
	require.NoError(t, err)
	assert.Equal(t, "0b9c7f0e-8f43-4a4c-9c36-0d7c9f7d1a11", id)
	require.Len(t, db.args, 8)
	assert.Equal(t, "/publishers/7/book/ch1.pdf", db.args[1])
	assert.Equal(t, int64(1024), db.args[4])
}

func TestCreateAssetRecordRequiresOwner(t *testing.T) {
	repo := NewRepository(&stubDB{})
	_, err := repo.CreateAssetRecord(context.Background(), Record{Path: "/publishers/7/x"})
	assert.Error(t, err)
}

func TestCreateAssetRecordWrapsDBError(t *testing.T) {
	repo := NewRepository(&stubDB{row: scanFunc(func(dest ...any) error { return errors.New("conn closed") })})
	_, err := repo.CreateAssetRecord(context.Background(), Record{Path: "/publishers/7/x", OwnerType: "publishers", OwnerID: "7"})
	assert.ErrorContains(t, err, "conn closed")
}

func TestGetAsset(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &stubDB{row: scanFunc(func(dest ...any) error {
		*dest[0].(*string) = "0b9c7f0e-8f43-4a4c-9c36-0d7c9f7d1a11"
		*dest[1].(*string) = "/teachers/42/video.mp4"
		*dest[2].(*string) = "teachers"
		*dest[3].(*string) = "42"
		*dest[4].(*int64) = 99
		*dest[5].(*string) = "video/mp4"
		*dest[6].(*string) = "sum"
		*dest[7].(*string) = "etag"
		*dest[8].(*time.Time) = created
		*dest[9].(*time.Time) = created
		return nil
	})}
	a, err := NewRepository(db).GetAsset(context.Background(), "0b9c7f0e-8f43-4a4c-9c36-0d7c9f7d1a11")
	require.NoError(t, err)
	assert.Equal(t, "/teachers/42/video.mp4", a.Path)
	assert.Equal(t, int64(99), a.Size)
}

func TestGetAssetNotFound(t *testing.T) {
	repo := NewRepository(&stubDB{row: scanFunc(func(dest ...any) error { return pgx.ErrNoRows })})
	_, err := repo.GetAsset(context.Background(), "0b9c7f0e-8f43-4a4c-9c36-0d7c9f7d1a11")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = repo.GetAsset(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
