package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hivault/internal/config"
	"hivault/internal/models"
	"hivault/internal/resolver"
	"hivault/internal/store"
)

func newAssetCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asset",
		Short: "Resolve, import and manage cached assets",
	}
	cmd.AddCommand(
		newAssetResolveCmd(cfg, jsonOutput),
		newAssetRefreshCmd(cfg, jsonOutput),
		newAssetListCmd(cfg, jsonOutput),
		newAssetShowCmd(cfg, jsonOutput),
		newAssetImportCmd(cfg, jsonOutput),
		newAssetLinkCmd(cfg, jsonOutput),
		newAssetRemoveCmd(cfg, jsonOutput),
		newAssetPrecacheCmd(cfg, jsonOutput),
		newAssetURLsCmd(cfg, jsonOutput),
	)
	return cmd
}

type resolveResponse struct {
	AssetID string           `json:"asset_id" yaml:"asset_id"`
	Outcome resolver.Outcome `json:"outcome" yaml:"outcome"`
	Written string           `json:"written,omitempty" yaml:"written,omitempty"`
	Bytes   int              `json:"bytes,omitempty" yaml:"bytes,omitempty"`
}

func newAssetResolveCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		outPath    string
		noDownload bool
		maxRetries int
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Produce a usable url for an asset, downloading it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				opts := resolver.Options{
					MaxRetries:          maxRetries,
					DownloadMissingBlob: cfg.Resolver.DownloadMissingBlob && !noDownload,
					HandleContext:       "cli:resolve",
				}
				out, err := a.resolver.Resolve(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				return writeResolved(a, args[0], out, outPath, *jsonOutput)
			})
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write local asset bytes to this file")
	cmd.Flags().BoolVar(&noDownload, "no-download", false, "do not download a missing local copy")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "attempts per network step (default from config)")
	return cmd
}

func newAssetRefreshCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "refresh <id>",
		Short: "Re-resolve an asset whose url stopped working",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				out, err := a.resolver.Refresh(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeResolved(a, args[0], out, outPath, *jsonOutput)
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write local asset bytes to this file")
	return cmd
}

func writeResolved(a *app, assetID string, out resolver.Outcome, outPath string, jsonOutput bool) error {
	if out.NeedsCleanup {
		defer a.resolver.Release(out.URL)
	}
	resp := resolveResponse{AssetID: assetID, Outcome: out}

	if outPath != "" {
		if !out.NeedsCleanup {
			return fmt.Errorf("asset %s is only available remotely at %s", assetID, out.URL)
		}
		h, ok := a.handles.Lookup(out.URL)
		if !ok {
			return fmt.Errorf("handle for %s was released", assetID)
		}
		if err := os.WriteFile(outPath, h.Data, 0o644); err != nil {
			return err
		}
		resp.Written = outPath
		resp.Bytes = len(h.Data)
	}

	if jsonOutput {
		return writeJSON(resp)
	}
	if err := writePlain("%s %s\n", out.Source, out.URL); err != nil {
		return err
	}
	if resp.Written != "" {
		return writePlain("wrote %d bytes to %s\n", resp.Bytes, resp.Written)
	}
	return nil
}

func newAssetListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		limit          int
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List cached assets, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				var (
					assets []models.Asset
					err    error
				)
				if strings.TrimSpace(conversationID) != "" {
					assets, err = a.store.ListAssetsForConversation(cmd.Context(), conversationID)
				} else {
					assets, err = a.store.ListRecentAssets(cmd.Context(), limit)
				}
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(assets)
				}
				return writeAssetList(assets)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", store.DefaultAssetListLimit, "maximum number of assets")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "only assets of this conversation")
	return cmd
}

type assetDetail struct {
	Asset  *models.Asset       `json:"asset"`
	Source *models.AssetSource `json:"source,omitempty"`
}

func newAssetShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show asset metadata and its recorded source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := models.ValidateAssetID(id); err != nil {
				return err
			}
			return withApp(cfg, func(a *app) error {
				asset, err := a.store.GetAssetMeta(cmd.Context(), id)
				if err != nil {
					return err
				}
				src, err := a.store.GetAssetSource(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asset == nil && src == nil {
					return models.NewOpError("show asset", models.ErrNotFound, fmt.Errorf("asset %s", id))
				}
				if asset == nil {
					asset = &models.Asset{ID: id}
				}
				if *jsonOutput {
					return writeJSON(assetDetail{Asset: asset, Source: src})
				}
				return writeAssetDetail(asset, src)
			})
		},
	}
}

func newAssetImportCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		req     resolver.IngestRequest
		offline bool
	)

	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Upload a local file to the media service and cache it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			req.Filename = args[0]
			req.Data = data
			return withApp(cfg, func(a *app) error {
				ingest := a.resolver.Ingest
				if offline {
					ingest = a.importLocal
				}
				res, err := ingest(cmd.Context(), req)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(res)
				}
				switch {
				case res.URL == "":
					return writePlain("%s (local only)\n", res.AssetID)
				case res.Duplicate:
					return writePlain("%s %s (already uploaded)\n", res.AssetID, res.URL)
				default:
					return writePlain("%s %s\n", res.AssetID, res.URL)
				}
			})
		},
	}

	cmd.Flags().StringVar(&req.ContentType, "content-type", "", "override the detected content type")
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "conversation the asset belongs to")
	cmd.Flags().StringVar(&req.Prompt, "prompt", "", "prompt that produced the asset")
	cmd.Flags().StringVar(&req.ModelID, "model", "", "model that produced the asset")
	cmd.Flags().BoolVar(&offline, "offline", false, "keep the file locally under a generated id without uploading")
	return cmd
}

// importLocal stores bytes under a fresh local id. The asset has no source,
// so it cannot be re-downloaded once cleanup removes it.
func (a *app) importLocal(ctx context.Context, req resolver.IngestRequest) (resolver.IngestResult, error) {
	if len(req.Data) == 0 {
		return resolver.IngestResult{}, fmt.Errorf("import: empty payload")
	}
	id, err := a.store.NewAssetID(ctx)
	if err != nil {
		return resolver.IngestResult{}, err
	}
	asset := &models.Asset{
		ID:             id,
		Data:           req.Data,
		ContentType:    strings.TrimSpace(req.ContentType),
		ConversationID: req.ConversationID,
		Prompt:         req.Prompt,
		ModelID:        req.ModelID,
	}
	if asset.ContentType == "" {
		asset.ContentType = http.DetectContentType(req.Data)
	}
	if err := a.store.PutAsset(ctx, asset); err != nil {
		return resolver.IngestResult{}, err
	}
	logger.Info().Str("asset_id", id).Int64("bytes", asset.SizeBytes).Msg("asset imported locally")
	return resolver.IngestResult{AssetID: id, SizeBytes: asset.SizeBytes}, nil
}

func newAssetLinkCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var (
		ref         models.UploadedReference
		expiresAt   string
		expiresIn   time.Duration
		sourceURL   string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "link <id>",
		Short: "Record where an asset can be fetched or re-signed from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src := &models.AssetSource{
				AssetID:     args[0],
				Reference:   ref,
				SourceURL:   strings.TrimSpace(sourceURL),
				ContentType: strings.TrimSpace(contentType),
			}
			switch {
			case expiresAt != "" && expiresIn > 0:
				return fmt.Errorf("use either --expires-at or --expires-in")
			case expiresAt != "":
				ts, err := time.Parse(time.RFC3339, expiresAt)
				if err != nil {
					return fmt.Errorf("invalid --expires-at (want RFC3339): %w", err)
				}
				src.Reference.ExpiresAt = &ts
			case expiresIn > 0:
				ts := time.Now().Add(expiresIn)
				src.Reference.ExpiresAt = &ts
			}
			if !src.Reference.Known() && src.SourceURL == "" {
				return fmt.Errorf("one of --url, --key or --source-url is required")
			}

			return withApp(cfg, func(a *app) error {
				if err := a.store.PutAssetSource(cmd.Context(), src); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(src)
				}
				return writePlain("linked %s\n", src.AssetID)
			})
		},
	}

	cmd.Flags().StringVar(&ref.URL, "url", "", "uploaded reference url")
	cmd.Flags().StringVar(&ref.Key, "key", "", "storage key used to re-sign the url")
	cmd.Flags().StringVar(&expiresAt, "expires-at", "", "expiry of --url (RFC3339)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "expiry of --url relative to now")
	cmd.Flags().StringVar(&sourceURL, "source-url", "", "plain url to download the bytes from")
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type of the asset")
	return cmd
}

func newAssetRemoveCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var keepSource bool

	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete the local copy of an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := models.ValidateAssetID(id); err != nil {
				return err
			}
			return withApp(cfg, func(a *app) error {
				if err := a.store.DeleteAsset(cmd.Context(), id); err != nil {
					return err
				}
				if !keepSource {
					if err := a.store.DeleteAssetSource(cmd.Context(), id); err != nil {
						return err
					}
				}
				if *jsonOutput {
					return writeJSON(map[string]any{"asset_id": id, "deleted": true, "source_kept": keepSource})
				}
				return writePlain("deleted %s\n", id)
			})
		},
	}
	cmd.Flags().BoolVar(&keepSource, "keep-source", false, "keep the recorded source so the asset can be re-downloaded")
	return cmd
}

func newAssetPrecacheCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "precache <id>...",
		Short: "Download local copies for many assets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				report, err := a.resolver.Precache(cmd.Context(), args)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(report)
				}
				_ = writePlain("cached: %d\n", len(report.Cached))
				_ = writePlain("already_local: %d\n", len(report.AlreadyLocal))
				_ = writePlain("failed: %d\n", len(report.Failed))
				for _, id := range args {
					if reason, ok := report.Failed[id]; ok {
						_ = writePlain("  %s: %s\n", id, reason)
					}
				}
				return nil
			})
		},
	}
}

func newAssetURLsCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "urls <id>...",
		Short: "Print displayable remote urls for assets, re-signing expired ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				refs := make([]models.UploadedReference, 0, len(args))
				for _, id := range args {
					src, err := a.store.GetAssetSource(cmd.Context(), id)
					if err != nil {
						return err
					}
					if src == nil {
						logger.Debug().Str("asset_id", id).Msg("no recorded source")
						continue
					}
					refs = append(refs, src.Reference)
				}

				urls := a.tracker.ResolveReferenceURLs(cmd.Context(), refs)
				if *jsonOutput {
					return writeJSON(urls)
				}
				for _, url := range urls {
					if err := writePlain("%s\n", url); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}
