package conversation

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivault/internal/live"
	"hivault/internal/models"
	"hivault/internal/store"
)

type brokenLoads struct {
	store.ConversationStore
}

func (b brokenLoads) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "broken" {
		return nil, errors.New("disk on fire")
	}
	return b.ConversationStore.GetConversation(ctx, id)
}

func newFacade(t *testing.T) (*Facade, *store.Store) {
	t.Helper()
	hub := live.NewHub(zerolog.Nop())
	st, err := store.OpenMemory(store.WithHub(hub))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(brokenLoads{st}, hub, zerolog.Nop()), st
}

func threeMessages() []models.ChatMessage {
	return []models.ChatMessage{
		{Role: models.RoleUser, Content: "draw a cat"},
		{Role: models.RoleAssistant, Content: "here you go", Parts: []models.ContentPart{{Type: "image", AssetID: "as-cat"}}},
		{Role: models.RoleUser, Content: "thanks"},
	}
}

func TestUpdateMetadataKeepsMessages(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()
	require.NoError(t, f.Save(ctx, &models.Conversation{
		ConversationMeta: models.ConversationMeta{ID: "c1", Title: "Old"},
		Messages:         threeMessages(),
	}))

	title := "New"
	require.NoError(t, f.UpdateMetadata(ctx, "c1", models.MetadataPatch{Title: &title}))

	conv, err := f.Load(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "New", conv.Title)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "draw a cat", conv.Messages[0].Content)
	assert.Equal(t, "as-cat", conv.Messages[1].Parts[0].AssetID)
	assert.Equal(t, "thanks", conv.Messages[2].Content)
}

func TestUpdateMetadataOnMissingIsNoop(t *testing.T) {
	f, _ := newFacade(t)
	title := "ghost"
	require.NoError(t, f.UpdateMetadata(context.Background(), "never-saved", models.MetadataPatch{Title: &title}))
}

func TestActiveFollowsLoadSaveAndUpdate(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()
	require.NoError(t, f.Save(ctx, &models.Conversation{ConversationMeta: models.ConversationMeta{ID: "a", Title: "A"}}))
	require.NoError(t, f.Save(ctx, &models.Conversation{ConversationMeta: models.ConversationMeta{ID: "b", Title: "B"}}))
	assert.Nil(t, f.Active())

	_, err := f.Load(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, f.Active())
	assert.Equal(t, "a", f.Active().ID)

	title := "A2"
	require.NoError(t, f.UpdateMetadata(ctx, "a", models.MetadataPatch{Title: &title}))
	assert.Equal(t, "A2", f.Active().Title)

	require.NoError(t, f.UpdateMetadata(ctx, "b", models.MetadataPatch{Title: &title}))
	assert.Equal(t, "a", f.Active().ID)

	missing, err := f.Load(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, "a", f.Active().ID)

	_, err = f.Load(ctx, "broken")
	require.Error(t, err)
	assert.Equal(t, "a", f.Active().ID, "failed load must keep the previous active conversation")
}

func TestDeleteClearsActiveAndMessages(t *testing.T) {
	f, st := newFacade(t)
	ctx := context.Background()
	require.NoError(t, f.Save(ctx, &models.Conversation{ConversationMeta: models.ConversationMeta{ID: "gone"}, Messages: threeMessages()}))
	_, err := f.Load(ctx, "gone")
	require.NoError(t, err)

	require.NoError(t, f.Delete(ctx, "gone"))
	assert.Nil(t, f.Active())

	conv, err := f.Load(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, conv)

	var count int
	require.NoError(t, st.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM messages WHERE conversation_id = ?", "gone").Scan(&count))
	assert.Zero(t, count)
}

func TestActiveIsACopy(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()
	require.NoError(t, f.Save(ctx, &models.Conversation{ConversationMeta: models.ConversationMeta{ID: "x", Title: "X"}, Messages: threeMessages()}))
	_, err := f.Load(ctx, "x")
	require.NoError(t, err)

	got := f.Active()
	got.Title = "mutated"
	got.Messages[0].Content = "mutated"
	assert.Equal(t, "X", f.Active().Title)
	assert.Equal(t, "draw a cat", f.Active().Messages[0].Content)

	f.ClearActive()
	assert.Nil(t, f.Active())
}

func TestActiveDoesNotShareMessageParts(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()
	conv := &models.Conversation{ConversationMeta: models.ConversationMeta{ID: "p", Title: "P"}, Messages: threeMessages()}
	require.NoError(t, f.Save(ctx, conv))

	conv.Messages[1].Parts[0].AssetID = "changed-after-save"
	got := f.Active()
	require.NotNil(t, got)
	assert.Equal(t, "as-cat", got.Messages[1].Parts[0].AssetID)

	got.Messages[1].Parts[0].AssetID = "changed-by-reader"
	got.Messages[1].Parts = append(got.Messages[1].Parts, models.ContentPart{Type: "text", Text: "extra"})
	again := f.Active()
	require.Len(t, again.Messages[1].Parts, 1)
	assert.Equal(t, "as-cat", again.Messages[1].Parts[0].AssetID)
}

func TestListWithoutHubSendsFirstListing(t *testing.T) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	f := New(st, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.Save(ctx, &models.Conversation{ConversationMeta: models.ConversationMeta{ID: "solo", Title: "Solo"}}))

	var updates <-chan live.Result[[]models.ConversationMeta]
	require.NotPanics(t, func() { updates = f.List(ctx) })
	first := receive(t, updates)
	require.NoError(t, first.Err)
	require.Len(t, first.Value, 1)
	assert.Equal(t, "Solo", first.Value[0].Title)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestListIsLive(t *testing.T) {
	f, _ := newFacade(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := f.List(ctx)
	first := receive(t, updates)
	require.NoError(t, first.Err)
	assert.Empty(t, first.Value)

	now := time.Now().UTC()
	require.NoError(t, f.Save(context.Background(), &models.Conversation{
		ConversationMeta: models.ConversationMeta{ID: "live", Title: "Live", UpdatedAt: now},
		Messages:         threeMessages(),
	}))

	second := receive(t, updates)
	require.NoError(t, second.Err)
	require.Len(t, second.Value, 1)
	assert.Equal(t, "Live", second.Value[0].Title)

	require.NoError(t, f.Delete(context.Background(), "live"))
	third := receive(t, updates)
	assert.Empty(t, third.Value)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestExportImport(t *testing.T) {
	f, _ := newFacade(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.Save(ctx, &models.Conversation{
		ConversationMeta: models.ConversationMeta{ID: "exp", Title: "Export me", ToolType: "image", CreatedAt: created, UpdatedAt: created},
		Messages:         threeMessages(),
	}))

	var buf bytes.Buffer
	require.NoError(t, f.Export(ctx, "exp", &buf))
	assert.Contains(t, buf.String(), "title: Export me")
	assert.Contains(t, buf.String(), "role: assistant")

	require.NoError(t, f.Delete(ctx, "exp"))
	imported, err := f.Import(ctx, strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, "exp", imported.ID)

	conv, err := f.Load(ctx, "exp")
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "Export me", conv.Title)
	assert.True(t, created.Equal(conv.CreatedAt))
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, models.RoleAssistant, conv.Messages[1].Role)

	err = f.Export(ctx, "missing", &buf)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.Import(ctx, strings.NewReader("id: bad\nmessages:\n  - role: robot\n"))
	require.Error(t, err)
}

func receive[T any](t *testing.T, ch <-chan live.Result[T]) live.Result[T] {
	t.Helper()
	select {
	case res, ok := <-ch:
		require.True(t, ok, "stream closed")
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live update")
	}
	return live.Result[T]{}
}
