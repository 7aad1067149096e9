package store

import (
	"context"
)

// StoreInfo summarizes what the local store holds.
type StoreInfo struct {
	DBPath            string `json:"db_path,omitempty" yaml:"db_path,omitempty"`
	BlobBackend       string `json:"blob_backend" yaml:"blob_backend"`
	Degraded          bool   `json:"degraded" yaml:"degraded"`
	SchemaVersion     int    `json:"schema_version" yaml:"schema_version"`
	TotalAssets       int    `json:"total_assets" yaml:"total_assets"`
	TotalAssetBytes   int64  `json:"total_asset_bytes" yaml:"total_asset_bytes"`
	TotalBlobs        int    `json:"total_blobs" yaml:"total_blobs"`
	AssetSources      int    `json:"asset_sources" yaml:"asset_sources"`
	Conversations     int    `json:"conversations" yaml:"conversations"`
	Messages          int    `json:"messages" yaml:"messages"`
	UnreferencedBlobs int    `json:"unreferenced_blobs" yaml:"unreferenced_blobs"`
}

// StoreInfo reports schema version and record counts.
func (s *Store) StoreInfo(ctx context.Context) (*StoreInfo, error) {
	info := &StoreInfo{
		DBPath:      s.path,
		BlobBackend: s.blobs.Backend(),
		Degraded:    s.memory,
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&info.SchemaVersion); err != nil {
		return nil, storageErr("store info", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM assets").Scan(&info.TotalAssets, &info.TotalAssetBytes); err != nil {
		return nil, storageErr("store info", err)
	}

	counts := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM blobs", &info.TotalBlobs},
		{"SELECT COUNT(*) FROM asset_sources", &info.AssetSources},
		{"SELECT COUNT(*) FROM conversations", &info.Conversations},
		{"SELECT COUNT(*) FROM messages", &info.Messages},
		{"SELECT COUNT(*) FROM blobs b LEFT JOIN assets a ON a.blob_key = b.key WHERE a.id IS NULL", &info.UnreferencedBlobs},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, storageErr("store info", err)
		}
	}
	return info, nil
}
