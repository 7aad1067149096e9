package store

import (
	"context"
	"time"

	"hivault/internal/models"
)

// AssetStore is the persistence surface used by the resolver and cleanup.
type AssetStore interface {
	PutAsset(ctx context.Context, asset *models.Asset) error
	GetAsset(ctx context.Context, id string) (*models.Asset, error)
	GetAssetMeta(ctx context.Context, id string) (*models.Asset, error)
	ListRecentAssets(ctx context.Context, limit int) ([]models.Asset, error)
	ListAssetsForConversation(ctx context.Context, conversationID string) ([]models.Asset, error)
	DeleteAsset(ctx context.Context, id string) error
	DeleteAssetsOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	PutAssetSource(ctx context.Context, src *models.AssetSource) error
	GetAssetSource(ctx context.Context, assetID string) (*models.AssetSource, error)
	UpdateReference(ctx context.Context, assetID string, ref models.UploadedReference) error

	ListUnreferencedBlobs(ctx context.Context, limit int) ([]models.Blob, error)
	DeleteBlob(ctx context.Context, key string) (bool, error)
}

// ConversationStore is the persistence surface used by the conversation facade.
//
// This is intentionally separate from AssetStore so the facade can be tested
// against conversation storage alone.
type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetConversationMeta(ctx context.Context, id string) (*models.ConversationMeta, error)
	ListConversations(ctx context.Context) ([]models.ConversationMeta, error)
	UpdateConversationMeta(ctx context.Context, id string, patch models.MetadataPatch) (bool, error)
	DeleteConversation(ctx context.Context, id string) error
}

var (
	_ AssetStore        = (*Store)(nil)
	_ ConversationStore = (*Store)(nil)
)
