package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"hivault/internal/blobstore"
	"hivault/internal/live"
	"hivault/internal/models"
)

const assetColumns = "id, blob_key, sha256, size_bytes, content_type, conversation_id, prompt, model_id, timestamp"

// DefaultAssetListLimit is used when callers ask for recent assets without a limit.
const DefaultAssetListLimit = 50

// PutAsset writes asset bytes to the blob store and records the asset.
// An existing record with the same id is replaced; its previous blob is left
// for garbage collection.
//
// The blob row is claimed inside the transaction before the bytes are
// written, so a concurrent DeleteBlob for the same key either finishes
// before the claim or waits for the commit and sees the new reference.
func (s *Store) PutAsset(ctx context.Context, asset *models.Asset) (err error) {
	if asset == nil {
		return fmt.Errorf("asset is required")
	}
	if err := models.ValidateAssetID(asset.ID); err != nil {
		return err
	}
	if strings.TrimSpace(asset.ContentType) == "" {
		asset.ContentType = "application/octet-stream"
	}
	if asset.Timestamp.IsZero() {
		asset.Timestamp = time.Now().UTC()
	}

	sum := sha256.Sum256(asset.Data)
	digest := hex.EncodeToString(sum[:])
	key := blobstore.KeyForDigest(digest)
	size := int64(len(asset.Data))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("put asset", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = storageErr("put asset", err)
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO blobs (key, sha256, size_bytes, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET created_at = excluded.created_at
	`, key, digest, size, formatTime(time.Now())); err != nil {
		return err
	}

	put, err := s.blobs.Put(ctx, bytes.NewReader(asset.Data))
	if err != nil {
		return fmt.Errorf("put asset blob: %w", err)
	}
	if put.BlobKey != key {
		return fmt.Errorf("blob store filed %s under %q, expected %q", asset.ID, put.BlobKey, key)
	}
	asset.BlobKey = put.BlobKey
	asset.SHA256 = put.SHA256
	asset.SizeBytes = put.SizeBytes

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  blob_key = excluded.blob_key,
		  sha256 = excluded.sha256,
		  size_bytes = excluded.size_bytes,
		  content_type = excluded.content_type,
		  conversation_id = excluded.conversation_id,
		  prompt = excluded.prompt,
		  model_id = excluded.model_id,
		  timestamp = excluded.timestamp
	`,
		asset.ID,
		asset.BlobKey,
		asset.SHA256,
		asset.SizeBytes,
		asset.ContentType,
		nullIfEmpty(asset.ConversationID),
		nullIfEmpty(asset.Prompt),
		nullIfEmpty(asset.ModelID),
		unixMillis(asset.Timestamp),
	); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	s.publish(live.TopicAssets, asset.ID, live.OpPut)
	return nil
}

// GetAsset returns the asset with its bytes, or nil when absent.
// A record whose blob has gone missing is reported as absent.
func (s *Store) GetAsset(ctx context.Context, id string) (*models.Asset, error) {
	asset, err := s.GetAssetMeta(ctx, id)
	if err != nil || asset == nil {
		return asset, err
	}

	rc, err := s.blobs.Open(ctx, asset.BlobKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrBlobNotFound) {
			s.log.Warn().Str("asset_id", id).Str("blob_key", asset.BlobKey).Msg("asset blob missing")
			return nil, nil
		}
		return nil, storageErr("open asset blob", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, storageErr("read asset blob", err)
	}
	asset.Data = data
	return asset, nil
}

// GetAssetMeta returns the asset record without bytes, or nil when absent.
func (s *Store) GetAssetMeta(ctx context.Context, id string) (*models.Asset, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	asset, err := scanAsset(row)
	if err != nil {
		return nil, storageErr("get asset", err)
	}
	return asset, nil
}

// AssetExists reports whether an asset record exists for id.
func (s *Store) AssetExists(ctx context.Context, id string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM assets WHERE id = ? LIMIT 1", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageErr("asset exists", err)
	}
	return true, nil
}

// ListRecentAssets lists assets ordered by timestamp descending.
func (s *Store) ListRecentAssets(ctx context.Context, limit int) ([]models.Asset, error) {
	if limit <= 0 {
		limit = DefaultAssetListLimit
	}
	return s.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets ORDER BY timestamp DESC, id ASC LIMIT ?`, limit)
}

// ListAssetsForConversation lists assets generated within one conversation, newest first.
func (s *Store) ListAssetsForConversation(ctx context.Context, conversationID string) ([]models.Asset, error) {
	return s.queryAssets(ctx, `SELECT `+assetColumns+` FROM assets WHERE conversation_id = ? ORDER BY timestamp DESC, id ASC`, conversationID)
}

func (s *Store) queryAssets(ctx context.Context, query string, args ...any) ([]models.Asset, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list assets", err)
	}
	defer rows.Close()

	assets := []models.Asset{}
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, storageErr("list assets", err)
		}
		if asset != nil {
			assets = append(assets, *asset)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list assets", err)
	}
	return assets, nil
}

// DeleteAsset deletes one asset record. Its blob is collected later.
func (s *Store) DeleteAsset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM assets WHERE id = ?", id)
	if err != nil {
		return storageErr("delete asset", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(live.TopicAssets, id, live.OpDelete)
	}
	return nil
}

// DeleteAssetsOlderThan deletes assets whose timestamp is before cutoff and
// returns how many were removed.
func (s *Store) DeleteAssetsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM assets WHERE timestamp < ?", unixMillis(cutoff))
	if err != nil {
		return 0, storageErr("delete old assets", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("delete old assets", err)
	}
	if n > 0 {
		s.publish(live.TopicAssets, "", live.OpDelete)
	}
	return int(n), nil
}

// ListUnreferencedBlobs returns blobs that no asset points at, oldest first.
func (s *Store) ListUnreferencedBlobs(ctx context.Context, limit int) ([]models.Blob, error) {
	query := `
		SELECT b.key, b.sha256, b.size_bytes, b.created_at
		FROM blobs b
		LEFT JOIN assets a ON a.blob_key = b.key
		WHERE a.id IS NULL
		ORDER BY b.created_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list unreferenced blobs", err)
	}
	defer rows.Close()

	blobs := []models.Blob{}
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, storageErr("list unreferenced blobs", err)
		}
		if blob != nil {
			blobs = append(blobs, *blob)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list unreferenced blobs", err)
	}
	return blobs, nil
}

// DeleteBlob removes one unreferenced blob row and its bytes in a single
// transaction. It reports false when the blob is gone or referenced again.
func (s *Store) DeleteBlob(ctx context.Context, key string) (deleted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("delete blob", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			deleted = false
			err = storageErr("delete blob", err)
		}
	}()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM blobs
		WHERE key = ? AND NOT EXISTS (SELECT 1 FROM assets WHERE blob_key = ?)
	`, key, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}

	if err = s.blobs.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("delete blob object: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func scanAsset(scanner rowScanner) (*models.Asset, error) {
	asset := models.Asset{}
	var sha, conversationID, prompt, modelID sql.NullString
	var timestamp int64

	err := scanner.Scan(
		&asset.ID,
		&asset.BlobKey,
		&sha,
		&asset.SizeBytes,
		&asset.ContentType,
		&conversationID,
		&prompt,
		&modelID,
		&timestamp,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	asset.SHA256 = sha.String
	asset.ConversationID = conversationID.String
	asset.Prompt = prompt.String
	asset.ModelID = modelID.String
	asset.Timestamp = fromUnixMillis(timestamp)
	return &asset, nil
}

func scanBlob(scanner rowScanner) (*models.Blob, error) {
	blob := models.Blob{}
	var createdAt string

	err := scanner.Scan(&blob.Key, &blob.SHA256, &blob.SizeBytes, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	parsedCreated, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	blob.CreatedAt = parsedCreated
	return &blob, nil
}
