package main

import (
	"sort"

	"github.com/spf13/cobra"

	"hivault/internal/config"
	"hivault/internal/handles"
	"hivault/internal/store"
)

type infoResponse struct {
	Store   *store.StoreInfo `json:"store" yaml:"store"`
	APIURL  string           `json:"api_url" yaml:"api_url"`
	BlobDir string           `json:"blob_dir" yaml:"blob_dir"`
	Handles handles.Stats    `json:"handles" yaml:"handles"`
}

func newInfoCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show local store and cache info",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				info, err := a.store.StoreInfo(cmd.Context())
				if err != nil {
					return err
				}
				resp := infoResponse{
					Store:   info,
					APIURL:  cfg.APIURL,
					BlobDir: cfg.BlobDir,
					Handles: a.handles.Stats(),
				}

				if *jsonOutput {
					return writeJSON(resp)
				}

				dbPath := resp.Store.DBPath
				if resp.Store.Degraded {
					dbPath = "(memory)"
				}
				_ = writePlain("db_path: %s\n", dbPath)
				_ = writePlain("blob_backend: %s\n", resp.Store.BlobBackend)
				_ = writePlain("blob_dir: %s\n", resp.BlobDir)
				_ = writePlain("api_url: %s\n", resp.APIURL)
				_ = writePlain("schema_version: %d\n", resp.Store.SchemaVersion)
				_ = writePlain("assets: %d (%d bytes)\n", resp.Store.TotalAssets, resp.Store.TotalAssetBytes)
				_ = writePlain("blobs: %d (%d unreferenced)\n", resp.Store.TotalBlobs, resp.Store.UnreferencedBlobs)
				_ = writePlain("asset_sources: %d\n", resp.Store.AssetSources)
				_ = writePlain("conversations: %d (%d messages)\n", resp.Store.Conversations, resp.Store.Messages)
				_ = writePlain("live_handles: %d\n", resp.Handles.Total)

				contexts := make([]string, 0, len(resp.Handles.ByContext))
				for name := range resp.Handles.ByContext {
					contexts = append(contexts, name)
				}
				sort.Strings(contexts)
				for _, name := range contexts {
					_ = writePlain("  %s: %d\n", name, resp.Handles.ByContext[name])
				}
				return nil
			})
		},
	}
}
