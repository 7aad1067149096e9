package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"hivault/internal/live"
	"hivault/internal/models"
)

const sourceColumns = "asset_id, storage_key, url, expires_at, source_url, content_type, updated_at"

// PutAssetSource records or replaces the uploaded reference and source url for an asset.
func (s *Store) PutAssetSource(ctx context.Context, src *models.AssetSource) error {
	if src == nil {
		return fmt.Errorf("asset source is required")
	}
	if err := models.ValidateAssetID(src.AssetID); err != nil {
		return err
	}
	if src.UpdatedAt.IsZero() {
		src.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_sources (`+sourceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
		  storage_key = excluded.storage_key,
		  url = excluded.url,
		  expires_at = excluded.expires_at,
		  source_url = excluded.source_url,
		  content_type = excluded.content_type,
		  updated_at = excluded.updated_at
	`,
		src.AssetID,
		nullIfEmpty(src.Reference.Key),
		nullIfEmpty(src.Reference.URL),
		nullMillis(src.Reference.ExpiresAt),
		nullIfEmpty(src.SourceURL),
		nullIfEmpty(src.ContentType),
		formatTime(src.UpdatedAt),
	)
	if err != nil {
		return storageErr("put asset source", err)
	}
	s.publish(live.TopicAssets, src.AssetID, live.OpPut)
	return nil
}

// GetAssetSource returns the known source for an asset, or nil when none is recorded.
func (s *Store) GetAssetSource(ctx context.Context, assetID string) (*models.AssetSource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM asset_sources WHERE asset_id = ?`, assetID)
	src, err := scanAssetSource(row)
	if err != nil {
		return nil, storageErr("get asset source", err)
	}
	return src, nil
}

// UpdateReference replaces the url and expiry of an asset's uploaded reference
// together. The storage key is kept unless ref carries a new one. A missing
// source row is created.
func (s *Store) UpdateReference(ctx context.Context, assetID string, ref models.UploadedReference) (err error) {
	if err := models.ValidateAssetID(assetID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("update reference", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = storageErr("update reference", err)
		}
	}()

	now := formatTime(time.Now())
	res, err := tx.ExecContext(ctx, `
		UPDATE asset_sources
		SET storage_key = COALESCE(?, storage_key), url = ?, expires_at = ?, updated_at = ?
		WHERE asset_id = ?
	`, nullIfEmpty(ref.Key), nullIfEmpty(ref.URL), nullMillis(ref.ExpiresAt), now, assetID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO asset_sources (asset_id, storage_key, url, expires_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, assetID, nullIfEmpty(ref.Key), nullIfEmpty(ref.URL), nullMillis(ref.ExpiresAt), now); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	s.publish(live.TopicAssets, assetID, live.OpPut)
	return nil
}

// DeleteAssetSource forgets the remote source of an asset.
func (s *Store) DeleteAssetSource(ctx context.Context, assetID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM asset_sources WHERE asset_id = ?", assetID); err != nil {
		return storageErr("delete asset source", err)
	}
	return nil
}

func scanAssetSource(scanner rowScanner) (*models.AssetSource, error) {
	src := models.AssetSource{}
	var key, refURL, sourceURL, contentType sql.NullString
	var expiresAt sql.NullInt64
	var updatedAt string

	err := scanner.Scan(&src.AssetID, &key, &refURL, &expiresAt, &sourceURL, &contentType, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	src.Reference.Key = key.String
	src.Reference.URL = refURL.String
	if expiresAt.Valid && expiresAt.Int64 > 0 {
		t := fromUnixMillis(expiresAt.Int64)
		src.Reference.ExpiresAt = &t
	}
	src.SourceURL = sourceURL.String
	src.ContentType = contentType.String

	parsedUpdated, err := parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	src.UpdatedAt = parsedUpdated
	return &src, nil
}
