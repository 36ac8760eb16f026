package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Upload purposes.
const (
	PurposeInit             = "init"
	PurposeMask             = "mask"
	PurposeReference        = "reference"
	PurposeAttachment       = "attachment"
	PurposeGenerationOutput = "generation_output"
)

// ErrUploadNotFound is returned when an upload id is unknown or owned by a
// different user.
var ErrUploadNotFound = errors.New("upload not found")

// Upload is a persisted blob reference. Rows are immutable after insert.
type Upload struct {
	ID              string         `db:"id" json:"id"`
	UserID          string         `db:"user_id" json:"userId"`
	Purpose         string         `db:"purpose" json:"purpose"`
	MimeType        string         `db:"mime_type" json:"mimeType"`
	SizeBytes       int64          `db:"size_bytes" json:"sizeBytes"`
	StorageProvider string         `db:"storage_provider" json:"storageProvider"`
	StorageBucket   string         `db:"storage_bucket" json:"storageBucket"`
	StorageKey      string         `db:"storage_key" json:"storageKey"`
	PublicURL       string         `db:"public_url" json:"publicUrl"`
	Title           string         `db:"-" json:"title,omitempty"`
	TitleDB         sql.NullString `db:"title" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
}

// Execer is the subset of sqlx that Insert needs, satisfied by both *sqlx.DB
// and *sqlx.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type UploadRepo struct {
	db *sqlx.DB
}

func NewUploadRepo(db *sqlx.DB) *UploadRepo {
	return &UploadRepo{db: db}
}

func (r *UploadRepo) Insert(ctx context.Context, q Execer, u *Upload) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	title := sql.NullString{String: u.Title, Valid: u.Title != ""}
	if q == nil {
		q = r.db
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO uploads
		    (id, user_id, purpose, mime_type, size_bytes,
		     storage_provider, storage_bucket, storage_key, public_url, title, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, u.ID, u.UserID, u.Purpose, u.MimeType, u.SizeBytes,
		u.StorageProvider, u.StorageBucket, u.StorageKey, u.PublicURL, title, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert upload row: %w", err)
	}
	return nil
}

// GetOwned loads an upload and verifies it belongs to userID. Foreign or
// unknown ids both surface as ErrUploadNotFound so ownership is not leaked.
func (r *UploadRepo) GetOwned(ctx context.Context, id, userID string) (*Upload, error) {
	var u Upload
	err := r.db.GetContext(ctx, &u, `
		SELECT id, user_id, purpose, mime_type, size_bytes,
		       storage_provider, storage_bucket, storage_key, public_url, title, created_at
		FROM uploads
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upload: %w", err)
	}
	u.Title = u.TitleDB.String
	return &u, nil
}

// GetByIDs loads a batch of uploads owned by userID. Missing ids cause
// ErrUploadNotFound.
func (r *UploadRepo) GetByIDs(ctx context.Context, ids []string, userID string) ([]*Upload, error) {
	uploads := make([]*Upload, 0, len(ids))
	for _, id := range ids {
		u, err := r.GetOwned(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}
	return uploads, nil
}

func (r *UploadRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete upload row: %w", err)
	}
	return nil
}
