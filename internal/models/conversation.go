package models

import (
	"fmt"
	"strings"
	"time"
)

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

var validMessageRoles = map[MessageRole]struct{}{
	RoleUser:      {},
	RoleAssistant: {},
	RoleSystem:    {},
}

// ContentPart is one structured piece of message content.
type ContentPart struct {
	Type     string `json:"type" yaml:"type"`
	Text     string `json:"text,omitempty" yaml:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	AssetID  string `json:"asset_id,omitempty" yaml:"asset_id,omitempty"`
}

// ChatMessage is one entry of a conversation.
type ChatMessage struct {
	ID        string        `json:"id" yaml:"id"`
	Role      MessageRole   `json:"role" yaml:"role"`
	Content   string        `json:"content,omitempty" yaml:"content,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty" yaml:"parts,omitempty"`
	ToolType  string        `json:"tool_type,omitempty" yaml:"tool_type,omitempty"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
}

// ConversationMeta is the list projection of a conversation: everything but messages.
type ConversationMeta struct {
	ID        string         `json:"id" yaml:"id"`
	Title     string         `json:"title" yaml:"title"`
	ToolType  string         `json:"tool_type,omitempty" yaml:"tool_type,omitempty"`
	Meta      map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
	CreatedAt time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" yaml:"updated_at"`
}

// Conversation is the full record used while a conversation is active.
type Conversation struct {
	ConversationMeta `yaml:",inline"`
	Messages         []ChatMessage `json:"messages" yaml:"messages"`
}

// Metadata returns the list projection of c.
func (c Conversation) Metadata() ConversationMeta {
	meta := c.ConversationMeta
	if len(c.Meta) > 0 {
		meta.Meta = make(map[string]any, len(c.Meta))
		for k, v := range c.Meta {
			meta.Meta[k] = v
		}
	}
	return meta
}

// MetadataPatch is a partial update of conversation metadata. Nil fields are left as-is.
type MetadataPatch struct {
	Title     *string
	ToolType  *string
	Meta      map[string]any
	UpdatedAt *time.Time
}

// Apply merges the patch into meta.
func (p MetadataPatch) Apply(meta *ConversationMeta) {
	if meta == nil {
		return
	}
	if p.Title != nil {
		meta.Title = *p.Title
	}
	if p.ToolType != nil {
		meta.ToolType = *p.ToolType
	}
	if len(p.Meta) > 0 {
		if meta.Meta == nil {
			meta.Meta = make(map[string]any, len(p.Meta))
		}
		for k, v := range p.Meta {
			meta.Meta[k] = v
		}
	}
	if p.UpdatedAt != nil {
		meta.UpdatedAt = *p.UpdatedAt
	}
}

func ParseMessageRole(raw string) (MessageRole, error) {
	value := MessageRole(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("message role is required")
	}
	if _, ok := validMessageRoles[value]; !ok {
		return "", fmt.Errorf("invalid message role: %s", value)
	}
	return value, nil
}
