package assets

import "time"

// Asset is the metadata record for one stored object.
type Asset struct {
	ID        string
	Path      string
	OwnerType string
	OwnerID   string
	Size      int64
	MimeType  string
	Checksum  string
	ETag      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is the input for CreateAssetRecord.
type Record struct {
	Path      string
	OwnerType string
	OwnerID   string
	Size      int64
	MimeType  string
	Checksum  string
	ETag      string
}
