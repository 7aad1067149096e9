package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxAssetIDLength bounds asset identifiers accepted by the store and resolver.
const MaxAssetIDLength = 128

var assetIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)

// Asset is a binary media object cached on the device.
//
// Data is only populated by single-asset reads; listings leave it nil.
type Asset struct {
	ID             string    `json:"id"`
	Data           []byte    `json:"-"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	SHA256         string    `json:"sha256,omitempty"`
	BlobKey        string    `json:"blob_key,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Prompt         string    `json:"prompt,omitempty"`
	ModelID        string    `json:"model_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Blob is an immutable stored content object referenced by assets.
type Blob struct {
	Key       string    `json:"key"`
	SHA256    string    `json:"sha256"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// AssetSource records where an asset can be fetched from when no local copy exists.
type AssetSource struct {
	AssetID     string            `json:"asset_id"`
	Reference   UploadedReference `json:"reference"`
	SourceURL   string            `json:"source_url,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// FetchURL returns the last known location to download bytes from.
func (s AssetSource) FetchURL() string {
	if url := strings.TrimSpace(s.SourceURL); url != "" {
		return url
	}
	return strings.TrimSpace(s.Reference.URL)
}

// ValidateAssetID rejects empty or malformed identifiers.
func ValidateAssetID(id string) error {
	if strings.TrimSpace(id) == "" {
		return NewOpError("validate asset id", ErrInvalidAssetReference, fmt.Errorf("asset id is required"))
	}
	if len(id) > MaxAssetIDLength {
		return NewOpError("validate asset id", ErrInvalidAssetReference, fmt.Errorf("asset id too long"))
	}
	if !assetIDRegex.MatchString(id) {
		return NewOpError("validate asset id", ErrInvalidAssetReference, fmt.Errorf("invalid asset id %q", id))
	}
	return nil
}
