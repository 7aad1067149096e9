package resolver

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"hivault/internal/api"
	"hivault/internal/models"
)

// IngestRequest describes bytes to upload and keep locally.
type IngestRequest struct {
	Filename       string
	Data           []byte
	ContentType    string
	ConversationID string
	Prompt         string
	ModelID        string
}

// IngestResult is the persisted outcome of Ingest.
type IngestResult struct {
	AssetID   string `json:"asset_id"`
	URL       string `json:"url"`
	Duplicate bool   `json:"duplicate"`
	SizeBytes int64  `json:"size_bytes"`
}

// Ingest uploads bytes to the media service, then stores them locally under
// the id the service assigned together with the returned reference. A
// duplicate upload is a success.
func (r *Resolver) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if r.uploader == nil {
		return IngestResult{}, fmt.Errorf("no upload service configured")
	}
	if len(req.Data) == 0 {
		return IngestResult{}, fmt.Errorf("ingest: empty payload")
	}
	filename := filepath.Base(strings.TrimSpace(req.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		filename = "upload.bin"
	}

	var upload models.MediaUpload
	err := retry.Do(ctx, r.backoff(r.cfg.MaxRetries), func(ctx context.Context) error {
		got, err := r.uploader.UploadMedia(ctx, filename, req.Data)
		if err != nil {
			if api.IsPermanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		upload = got
		return nil
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("upload %s: %w", filename, err)
	}
	if err := models.ValidateAssetID(upload.ID); err != nil {
		return IngestResult{}, err
	}

	unlock, err := r.lock(ctx, upload.ID)
	if err != nil {
		return IngestResult{}, err
	}
	defer unlock()

	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = strings.TrimSpace(upload.ContentType)
	}
	if contentType == "" {
		contentType = http.DetectContentType(req.Data)
	}

	now := time.Now().UTC()
	asset := &models.Asset{
		ID:             upload.ID,
		Data:           req.Data,
		ContentType:    contentType,
		ConversationID: req.ConversationID,
		Prompt:         req.Prompt,
		ModelID:        req.ModelID,
		Timestamp:      now,
	}
	if err := r.store.PutAsset(ctx, asset); err != nil {
		return IngestResult{}, err
	}
	src := &models.AssetSource{
		AssetID:     upload.ID,
		Reference:   models.UploadedReference{URL: upload.URL},
		SourceURL:   upload.URL,
		ContentType: contentType,
		UpdatedAt:   now,
	}
	if err := r.store.PutAssetSource(ctx, src); err != nil {
		return IngestResult{}, err
	}

	log := r.log.Info().Str("asset_id", upload.ID).Int64("bytes", asset.SizeBytes)
	if upload.Duplicate {
		log.Msg("asset already uploaded")
	} else {
		log.Msg("asset ingested")
	}
	return IngestResult{
		AssetID:   upload.ID,
		URL:       upload.URL,
		Duplicate: upload.Duplicate,
		SizeBytes: asset.SizeBytes,
	}, nil
}
