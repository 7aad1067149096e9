package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivault/internal/models"
)

func TestGenerateID(t *testing.T) {
	t.Run("valid prefix", func(t *testing.T) {
		id, err := GenerateID("as", nil)
		require.NoError(t, err)
		assert.Len(t, id, 11) // "as-" + 8 chars
		assert.Equal(t, "as-", id[:3])
		assert.NoError(t, models.ValidateAssetID(id), "generated id should be a valid asset id")
	})

	t.Run("empty prefix", func(t *testing.T) {
		_, err := GenerateID("", nil)
		assert.Error(t, err)
	})

	t.Run("retries on collision", func(t *testing.T) {
		calls := 0
		exists := func(id string) (bool, error) {
			calls++
			return calls < 3, nil // first 2 calls collide
		}
		id, err := GenerateID("as", exists)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		exists := func(id string) (bool, error) {
			return true, nil // always collide
		}
		_, err := GenerateID("as", exists)
		assert.Error(t, err)
	})
}

func TestNewAssetID(t *testing.T) {
	st := testStore(t)
	id, err := st.NewAssetID(context.Background())
	require.NoError(t, err)
	assert.Regexp(t, `^as-`, id)
}
