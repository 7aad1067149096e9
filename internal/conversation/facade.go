// Package conversation exposes chat history over the durable store: a live
// metadata listing for list views and full records loaded on demand.
package conversation

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"hivault/internal/format"
	"hivault/internal/live"
	"hivault/internal/models"
	"hivault/internal/store"
)

// Facade tracks the active conversation on top of a ConversationStore.
type Facade struct {
	store store.ConversationStore
	hub   *live.Hub
	log   zerolog.Logger

	mu     sync.RWMutex
	active *models.Conversation
}

// New returns a facade. hub must be the hub the store publishes to for List
// to observe changes.
func New(st store.ConversationStore, hub *live.Hub, log zerolog.Logger) *Facade {
	return &Facade{
		store: st,
		hub:   hub,
		log:   log.With().Str("component", "conversation").Logger(),
	}
}

// List streams the metadata listing, most recently updated first. A new
// listing is sent after every conversation change until ctx is done.
func (f *Facade) List(ctx context.Context) <-chan live.Result[[]models.ConversationMeta] {
	return live.Watch(ctx, f.hub, f.store.ListConversations, live.TopicConversations)
}

// ListOnce returns the current metadata listing.
func (f *Facade) ListOnce(ctx context.Context) ([]models.ConversationMeta, error) {
	return f.store.ListConversations(ctx)
}

// Load reads the full record and makes it active. A missing record returns
// nil; on failure or a miss the previous active conversation is kept.
func (f *Facade) Load(ctx context.Context, id string) (*models.Conversation, error) {
	conv, err := f.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, nil
	}
	f.setActive(conv)
	return conv, nil
}

// Save writes the full record. The active copy follows when it has the same id.
func (f *Facade) Save(ctx context.Context, conv *models.Conversation) error {
	if err := f.store.SaveConversation(ctx, conv); err != nil {
		return err
	}
	f.mu.Lock()
	if f.active != nil && f.active.ID == conv.ID {
		f.active = clone(conv)
	}
	f.mu.Unlock()
	return nil
}

// UpdateMetadata merges patch into the stored record. Updating a record that
// no longer exists is a no-op.
func (f *Facade) UpdateMetadata(ctx context.Context, id string, patch models.MetadataPatch) error {
	found, err := f.store.UpdateConversationMeta(ctx, id, patch)
	if err != nil {
		return err
	}
	if !found {
		f.log.Debug().Str("conversation_id", id).Msg("metadata update for missing conversation ignored")
		return nil
	}
	f.mu.Lock()
	if f.active != nil && f.active.ID == id {
		patch.Apply(&f.active.ConversationMeta)
	}
	f.mu.Unlock()
	return nil
}

// Delete removes the record with its messages and clears it if active.
func (f *Facade) Delete(ctx context.Context, id string) error {
	if err := f.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	if f.active != nil && f.active.ID == id {
		f.active = nil
	}
	f.mu.Unlock()
	return nil
}

// Active returns a copy of the active conversation, or nil.
func (f *Facade) Active() *models.Conversation {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.active == nil {
		return nil
	}
	return clone(f.active)
}

// ClearActive forgets the active conversation.
func (f *Facade) ClearActive() {
	f.mu.Lock()
	f.active = nil
	f.mu.Unlock()
}

func (f *Facade) setActive(conv *models.Conversation) {
	f.mu.Lock()
	f.active = clone(conv)
	f.mu.Unlock()
}

// Export writes the full record as YAML.
func (f *Facade) Export(ctx context.Context, id string, w io.Writer) error {
	conv, err := f.store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv == nil {
		return models.NewOpError("export conversation", models.ErrNotFound, fmt.Errorf("conversation %s", id))
	}
	if err := (format.YAMLFormatter{}).Write(w, conv); err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	return nil
}

// Import reads a YAML record and saves it. An existing record with the same
// id is replaced.
func (f *Facade) Import(ctx context.Context, r io.Reader) (*models.Conversation, error) {
	var conv models.Conversation
	if err := yaml.NewDecoder(r).Decode(&conv); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("decode conversation: empty document")
		}
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	for i, msg := range conv.Messages {
		if strings.TrimSpace(string(msg.Role)) == "" {
			continue
		}
		role, err := models.ParseMessageRole(string(msg.Role))
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		conv.Messages[i].Role = role
	}
	if err := f.Save(ctx, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

func clone(conv *models.Conversation) *models.Conversation {
	out := *conv
	out.ConversationMeta = conv.Metadata()
	if conv.Messages != nil {
		out.Messages = make([]models.ChatMessage, len(conv.Messages))
		for i, msg := range conv.Messages {
			msg.Parts = append([]models.ContentPart(nil), msg.Parts...)
			out.Messages[i] = msg
		}
	}
	return &out
}
