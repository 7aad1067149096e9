package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"hivault/internal/live"
	"hivault/internal/models"
)

const conversationColumns = "id, title, tool_type, meta_json, created_at, updated_at"
const messageColumns = "id, role, content, parts_json, tool_type, timestamp"

// SaveConversation writes a conversation's metadata and its full message list
// as one transaction. Messages previously stored for the id are replaced.
func (s *Store) SaveConversation(ctx context.Context, conv *models.Conversation) (err error) {
	if conv == nil {
		return fmt.Errorf("conversation is required")
	}
	if strings.TrimSpace(conv.ID) == "" {
		conv.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}

	metaJSON, err := jsonOrNull(conv.Meta, len(conv.Meta) == 0, "conversation meta_json")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("save conversation", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = storageErr("save conversation", err)
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		  title = excluded.title,
		  tool_type = excluded.tool_type,
		  meta_json = excluded.meta_json,
		  created_at = excluded.created_at,
		  updated_at = excluded.updated_at
	`, conv.ID, conv.Title, nullIfEmpty(conv.ToolType), metaJSON, formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt)); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conv.ID); err != nil {
		return err
	}
	if err = insertMessagesTx(ctx, tx, conv.ID, conv.Messages); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	s.publish(live.TopicConversations, conv.ID, live.OpPut)
	return nil
}

// GetConversation returns the full record, or nil when absent.
// Messages that cannot be read are logged and surfaced as an empty list.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	meta, err := s.GetConversationMeta(ctx, id)
	if err != nil || meta == nil {
		return nil, err
	}

	conv := &models.Conversation{ConversationMeta: *meta}
	messages, err := s.listMessages(ctx, id)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, storageErr("get conversation", ctxErr)
		}
		s.log.Warn().Err(err).Str("conversation_id", id).Msg("conversation messages unreadable, returning empty list")
		messages = []models.ChatMessage{}
	}
	conv.Messages = messages
	return conv, nil
}

// GetConversationMeta returns the list projection of one conversation, or nil when absent.
func (s *Store) GetConversationMeta(ctx context.Context, id string) (*models.ConversationMeta, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	meta, err := scanConversationMeta(row)
	if err != nil {
		return nil, storageErr("get conversation", err)
	}
	return meta, nil
}

// ListConversations lists conversation metadata ordered by update time descending.
func (s *Store) ListConversations(ctx context.Context) ([]models.ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	defer rows.Close()

	out := []models.ConversationMeta{}
	for rows.Next() {
		meta, err := scanConversationMeta(rows)
		if err != nil {
			return nil, storageErr("list conversations", err)
		}
		if meta != nil {
			out = append(out, *meta)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conversations", err)
	}
	return out, nil
}

// UpdateConversationMeta merges patch into the stored metadata in one
// read-modify-write transaction. It reports false without error when the
// conversation does not exist.
func (s *Store) UpdateConversationMeta(ctx context.Context, id string, patch models.MetadataPatch) (updated bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("update conversation", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = storageErr("update conversation", err)
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	meta, err := scanConversationMeta(row)
	if err != nil {
		return false, err
	}
	if meta == nil {
		err = tx.Rollback()
		return false, err
	}

	patch.Apply(meta)
	metaJSON, err := jsonOrNull(meta.Meta, len(meta.Meta) == 0, "conversation meta_json")
	if err != nil {
		return false, err
	}

	if _, err = tx.ExecContext(ctx, `
		UPDATE conversations SET title = ?, tool_type = ?, meta_json = ?, updated_at = ?
		WHERE id = ?
	`, meta.Title, nullIfEmpty(meta.ToolType), metaJSON, formatTime(meta.UpdatedAt), id); err != nil {
		return false, err
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	s.publish(live.TopicConversations, id, live.OpPut)
	return true, nil
}

// DeleteConversation removes the conversation and its messages atomically.
func (s *Store) DeleteConversation(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete conversation", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			err = storageErr("delete conversation", err)
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.publish(live.TopicConversations, id, live.OpDelete)
	}
	return nil
}

func (s *Store) listMessages(ctx context.Context, conversationID string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY position ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func insertMessagesTx(ctx context.Context, tx *sql.Tx, conversationID string, messages []models.ChatMessage) error {
	if len(messages) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, position, id, role, content, parts_json, tool_type, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range messages {
		msg := &messages[i]
		if strings.TrimSpace(msg.ID) == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Role == "" {
			msg.Role = models.RoleUser
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		partsJSON, err := jsonOrNull(msg.Parts, len(msg.Parts) == 0, "message parts_json")
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			conversationID,
			i,
			msg.ID,
			string(msg.Role),
			nullIfEmpty(msg.Content),
			partsJSON,
			nullIfEmpty(msg.ToolType),
			formatTime(msg.Timestamp),
		); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	return nil
}

func scanConversationMeta(scanner rowScanner) (*models.ConversationMeta, error) {
	meta := models.ConversationMeta{}
	var toolType, metaJSON sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(&meta.ID, &meta.Title, &toolType, &metaJSON, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	meta.ToolType = toolType.String
	if meta.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if meta.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &meta.Meta); err != nil {
			return nil, fmt.Errorf("parse conversation meta_json: %w", err)
		}
	}
	return &meta, nil
}

func scanMessage(scanner rowScanner) (models.ChatMessage, error) {
	msg := models.ChatMessage{}
	var role string
	var content, partsJSON, toolType sql.NullString
	var timestamp string

	if err := scanner.Scan(&msg.ID, &role, &content, &partsJSON, &toolType, &timestamp); err != nil {
		return msg, err
	}

	msg.Role = models.MessageRole(role)
	msg.Content = content.String
	msg.ToolType = toolType.String
	parsed, err := parseTime(timestamp)
	if err != nil {
		return msg, err
	}
	msg.Timestamp = parsed
	if partsJSON.Valid && partsJSON.String != "" {
		if err := json.Unmarshal([]byte(partsJSON.String), &msg.Parts); err != nil {
			return msg, fmt.Errorf("parse message parts_json: %w", err)
		}
	}
	return msg, nil
}
