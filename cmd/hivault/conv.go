package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hivault/internal/config"
	"hivault/internal/handles"
	"hivault/internal/live"
	"hivault/internal/models"
	"hivault/internal/resolver"
)

func newConvCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conv",
		Aliases: []string{"conversation"},
		Short:   "Browse and manage stored conversations",
	}
	cmd.AddCommand(
		newConvListCmd(cfg, jsonOutput),
		newConvShowCmd(cfg, jsonOutput),
		newConvRenameCmd(cfg, jsonOutput),
		newConvRemoveCmd(cfg, jsonOutput),
		newConvExportCmd(cfg),
		newConvImportCmd(cfg, jsonOutput),
	)
	return cmd
}

func newConvListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				if !watch {
					convs, err := a.conversations.ListOnce(cmd.Context())
					if err != nil {
						return err
					}
					return writeConversations(convs, *jsonOutput)
				}

				ctx := cmd.Context()
				a.watchExternalWrites(ctx, live.TopicConversations)
				for res := range a.conversations.List(ctx) {
					if res.Err != nil {
						logger.Warn().Err(res.Err).Msg("conversation listing failed")
						continue
					}
					if !*jsonOutput {
						_ = writePlain("-- %s\n", time.Now().UTC().Format(time.RFC3339))
					}
					if err := writeConversations(res.Value, *jsonOutput); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep printing the listing as it changes")
	return cmd
}

func writeConversations(convs []models.ConversationMeta, jsonOutput bool) error {
	if jsonOutput {
		if convs == nil {
			convs = []models.ConversationMeta{}
		}
		return writeJSON(convs)
	}
	return writeConversationList(convs)
}

type conversationDetail struct {
	models.Conversation `yaml:",inline"`
	Assets              []assetResolution `json:"assets,omitempty" yaml:"assets,omitempty"`
}

type assetResolution struct {
	AssetID string            `json:"asset_id" yaml:"asset_id"`
	Outcome *resolver.Outcome `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Error   string            `json:"error,omitempty" yaml:"error,omitempty"`
}

func newConvShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var withAssets bool

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation with its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				conv, err := a.conversations.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if conv == nil {
					return models.NewOpError("show conversation", models.ErrNotFound, fmt.Errorf("conversation %s", args[0]))
				}

				detail := conversationDetail{Conversation: *conv}
				if withAssets {
					scope := a.handles.NewScope("conv:" + conv.ID)
					defer scope.Close()
					detail.Assets = resolveConversationAssets(cmd.Context(), a, scope, conv)
				}

				if *jsonOutput {
					return writeJSON(detail)
				}
				if err := writeConversationDetail(conv); err != nil {
					return err
				}
				return writeAssetResolutions(detail.Assets)
			})
		},
	}
	cmd.Flags().BoolVar(&withAssets, "assets", false, "resolve the assets referenced by messages")
	return cmd
}

// resolveConversationAssets resolves every asset a message part refers to.
// Handles belong to scope and are released when the command returns.
func resolveConversationAssets(ctx context.Context, a *app, scope *handles.Scope, conv *models.Conversation) []assetResolution {
	opts := a.resolver.Config().DefaultOptions()
	opts.HandleContext = scope.Name()

	seen := make(map[string]struct{})
	var out []assetResolution
	for _, msg := range conv.Messages {
		for _, part := range msg.Parts {
			if part.AssetID == "" {
				continue
			}
			if _, ok := seen[part.AssetID]; ok {
				continue
			}
			seen[part.AssetID] = struct{}{}

			res := assetResolution{AssetID: part.AssetID}
			outcome, err := a.resolver.ResolveInScope(ctx, scope, part.AssetID, opts)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Outcome = &outcome
			}
			out = append(out, res)
		}
	}
	return out
}

func newConvRenameCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Change a conversation title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, title := args[0], args[1]
			now := time.Now().UTC()
			return withApp(cfg, func(a *app) error {
				patch := models.MetadataPatch{Title: &title, UpdatedAt: &now}
				if err := a.conversations.UpdateMetadata(cmd.Context(), id, patch); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]any{"id": id, "title": title})
				}
				return writePlain("renamed %s\n", id)
			})
		},
	}
}

func newConvRemoveCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				if err := a.conversations.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]any{"id": args[0], "deleted": true})
				}
				return writePlain("deleted %s\n", args[0])
			})
		},
	}
}

func newConvExportCmd(cfg *config.Config) *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Write a conversation as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(a *app) error {
				if outPath == "" {
					return a.conversations.Export(cmd.Context(), args[0], stdout)
				}
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				if err := a.conversations.Export(cmd.Context(), args[0], f); err != nil {
					_ = f.Close()
					_ = os.Remove(outPath)
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to this file instead of stdout")
	return cmd
}

func newConvImportCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Load a YAML conversation export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			return withApp(cfg, func(a *app) error {
				conv, err := a.conversations.Import(cmd.Context(), f)
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(conv.Metadata())
				}
				return writePlain("imported %s (%d messages)\n", conv.ID, len(conv.Messages))
			})
		},
	}
}
