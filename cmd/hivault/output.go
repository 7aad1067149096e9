package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"hivault/internal/format"
	"hivault/internal/models"
)

var (
	stdout          io.Writer        = os.Stdout
	outputFormatter format.Formatter = format.JSONFormatter{}
)

func writeJSON(payload any) error {
	return outputFormatter.Write(stdout, payload)
}

func writePlain(format string, args ...any) error {
	_, err := fmt.Fprintf(stdout, format, args...)
	return err
}

func writeAssetList(assets []models.Asset) error {
	for _, asset := range assets {
		if err := writePlain("%s\n", formatAssetLine(asset)); err != nil {
			return err
		}
	}
	return nil
}

func writeAssetDetail(asset *models.Asset, src *models.AssetSource) error {
	lines := []string{
		fmt.Sprintf("id: %s", asset.ID),
		fmt.Sprintf("content_type: %s", asset.ContentType),
		fmt.Sprintf("size_bytes: %d", asset.SizeBytes),
		fmt.Sprintf("sha256: %s", asset.SHA256),
		fmt.Sprintf("timestamp: %s", formatTime(asset.Timestamp)),
	}
	if asset.ConversationID != "" {
		lines = append(lines, fmt.Sprintf("conversation_id: %s", asset.ConversationID))
	}
	if asset.ModelID != "" {
		lines = append(lines, fmt.Sprintf("model_id: %s", asset.ModelID))
	}
	if asset.Prompt != "" {
		lines = append(lines, fmt.Sprintf("prompt: %s", asset.Prompt))
	}
	lines = append(lines, formatSourceLines(src)...)
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatSourceLines(src *models.AssetSource) []string {
	if src == nil {
		return []string{"source: none"}
	}
	lines := []string{"source:"}
	if src.Reference.Key != "" {
		lines = append(lines, fmt.Sprintf("  key: %s", src.Reference.Key))
	}
	if src.Reference.URL != "" {
		lines = append(lines, fmt.Sprintf("  url: %s", src.Reference.URL))
	}
	if src.Reference.Expires() {
		lines = append(lines, fmt.Sprintf("  expires_at: %s", formatTime(*src.Reference.ExpiresAt)))
	}
	if src.SourceURL != "" {
		lines = append(lines, fmt.Sprintf("  source_url: %s", src.SourceURL))
	}
	return lines
}

func writeConversationList(convs []models.ConversationMeta) error {
	for _, conv := range convs {
		title := conv.Title
		if title == "" {
			title = "(untitled)"
		}
		line := fmt.Sprintf("%s  %s  %s", conv.ID, formatTime(conv.UpdatedAt), title)
		if conv.ToolType != "" {
			line += fmt.Sprintf(" [%s]", conv.ToolType)
		}
		if err := writePlain("%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func writeConversationDetail(conv *models.Conversation) error {
	lines := []string{
		fmt.Sprintf("id: %s", conv.ID),
		fmt.Sprintf("title: %s", conv.Title),
		fmt.Sprintf("created_at: %s", formatTime(conv.CreatedAt)),
		fmt.Sprintf("updated_at: %s", formatTime(conv.UpdatedAt)),
	}
	if conv.ToolType != "" {
		lines = append(lines, fmt.Sprintf("tool_type: %s", conv.ToolType))
	}
	lines = append(lines, fmt.Sprintf("messages: %d", len(conv.Messages)))
	for _, msg := range conv.Messages {
		content := msg.Content
		if content == "" && len(msg.Parts) > 0 {
			content = fmt.Sprintf("(%d parts)", len(msg.Parts))
		}
		lines = append(lines, fmt.Sprintf("  [%s] %s", msg.Role, content))
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func writeAssetResolutions(assets []assetResolution) error {
	if len(assets) == 0 {
		return nil
	}
	lines := []string{"assets:"}
	for _, res := range assets {
		if res.Error != "" {
			lines = append(lines, fmt.Sprintf("  %s: unavailable (%s)", res.AssetID, res.Error))
			continue
		}
		lines = append(lines, fmt.Sprintf("  %s: %s %s", res.AssetID, res.Outcome.Source, res.Outcome.URL))
	}
	return writePlain("%s\n", strings.Join(lines, "\n"))
}

func formatAssetLine(asset models.Asset) string {
	return fmt.Sprintf("%s  %s  %8d  %s", asset.ID, formatTime(asset.Timestamp), asset.SizeBytes, asset.ContentType)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
