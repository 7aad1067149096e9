package signing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hivault/internal/models"
)

type fakeSigner struct {
	total atomic.Int32
	err   error
}

func (f *fakeSigner) SignRead(_ context.Context, key string) (models.SignedRead, error) {
	f.total.Add(1)
	if f.err != nil {
		return models.SignedRead{}, f.err
	}
	return models.SignedRead{DownloadURL: "https://cdn.example/" + key + "?sig=fresh", ExpiresIn: 3600}, nil
}

func at(t time.Time) *time.Time { return &t }

func TestIsFreshBoundaries(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	buffer := DefaultStaleBuffer

	justInside := models.UploadedReference{URL: "u", ExpiresAt: at(now.Add(buffer - time.Millisecond))}
	assert.False(t, IsFresh(justInside, buffer, now), "expiresAt = now + buffer - 1ms must be stale")

	justOutside := models.UploadedReference{URL: "u", ExpiresAt: at(now.Add(buffer + time.Millisecond))}
	assert.True(t, IsFresh(justOutside, buffer, now), "expiresAt = now + buffer + 1ms must be fresh")

	exact := models.UploadedReference{URL: "u", ExpiresAt: at(now.Add(buffer))}
	assert.False(t, IsFresh(exact, buffer, now))

	noExpiry := models.UploadedReference{URL: "u"}
	assert.True(t, IsFresh(noExpiry, buffer, now))
	assert.True(t, IsFresh(noExpiry, buffer, now.Add(100*365*24*time.Hour)))

	zeroExpiry := models.UploadedReference{URL: "u", ExpiresAt: &time.Time{}}
	assert.True(t, IsFresh(zeroExpiry, buffer, now))
}

func TestTrackerUsesClockAndBuffer(t *testing.T) {
	now := time.Now()
	tracker := NewTracker(nil, zerolog.Nop(), WithClock(func() time.Time { return now }), WithStaleBuffer(10*time.Second))
	assert.Equal(t, 10*time.Second, tracker.StaleBuffer())
	assert.True(t, tracker.IsFresh(models.UploadedReference{ExpiresAt: at(now.Add(11 * time.Second))}))
	assert.False(t, tracker.IsFresh(models.UploadedReference{ExpiresAt: at(now.Add(9 * time.Second))}))
}

func TestRefreshSuccess(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	signer := &fakeSigner{}
	tracker := NewTracker(signer, zerolog.Nop(), WithClock(func() time.Time { return now }))

	ref, err := tracker.Refresh(context.Background(), "uploads/a.png")
	require.NoError(t, err)
	assert.Equal(t, "uploads/a.png", ref.Key)
	assert.Equal(t, "https://cdn.example/uploads/a.png?sig=fresh", ref.URL)
	require.NotNil(t, ref.ExpiresAt)
	assert.True(t, now.Add(time.Hour).Equal(*ref.ExpiresAt))
}

func TestRefreshFailureIsTyped(t *testing.T) {
	boom := errors.New("signing down")
	tracker := NewTracker(&fakeSigner{err: boom}, zerolog.Nop())

	_, err := tracker.Refresh(context.Background(), "k")
	require.ErrorIs(t, err, models.ErrRefreshFailed)
	require.ErrorIs(t, err, boom)

	_, err = tracker.Refresh(context.Background(), " ")
	require.ErrorIs(t, err, models.ErrInvalidAssetReference)

	_, err = NewTracker(nil, zerolog.Nop()).Refresh(context.Background(), "k")
	require.ErrorIs(t, err, models.ErrRefreshFailed)
}

func TestResolveURLFreshSkipsSigning(t *testing.T) {
	signer := &fakeSigner{}
	tracker := NewTracker(signer, zerolog.Nop())

	res, err := tracker.ResolveURL(context.Background(), models.UploadedReference{Key: "k", URL: "https://cdn.example/k"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/k", res.URL)
	assert.Nil(t, res.Refreshed)
	assert.Zero(t, signer.total.Load())
}

func TestResolveURLStaleRefreshes(t *testing.T) {
	signer := &fakeSigner{}
	tracker := NewTracker(signer, zerolog.Nop())
	expired := models.UploadedReference{Key: "k", URL: "https://cdn.example/k?sig=old", ExpiresAt: at(time.Now().Add(-time.Second))}

	res, err := tracker.ResolveURL(context.Background(), expired)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/k?sig=fresh", res.URL)
	require.NotNil(t, res.Refreshed)
	assert.False(t, res.Stale)
	assert.Equal(t, int32(1), signer.total.Load())
}

func TestResolveURLFallsBackToStaleURL(t *testing.T) {
	tracker := NewTracker(&fakeSigner{err: errors.New("down")}, zerolog.Nop())
	expired := models.UploadedReference{Key: "k", URL: "https://cdn.example/k?sig=old", ExpiresAt: at(time.Now().Add(-time.Second))}

	res, err := tracker.ResolveURL(context.Background(), expired)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/k?sig=old", res.URL)
	assert.True(t, res.Stale)
}

func TestResolveURLHardFailureWithoutURL(t *testing.T) {
	tracker := NewTracker(&fakeSigner{err: errors.New("down")}, zerolog.Nop())
	keyOnly := models.UploadedReference{Key: "k", ExpiresAt: at(time.Now().Add(-time.Second))}

	_, err := tracker.ResolveURL(context.Background(), keyOnly)
	require.ErrorIs(t, err, models.ErrRefreshFailed)

	_, err = tracker.ResolveURL(context.Background(), models.UploadedReference{})
	require.ErrorIs(t, err, models.ErrInvalidAssetReference)
}

func TestResolveReferenceURLsKeepsOrderAndSkipsEmpty(t *testing.T) {
	signer := &fakeSigner{}
	tracker := NewTracker(signer, zerolog.Nop())
	past := at(time.Now().Add(-time.Minute))

	refs := []models.UploadedReference{
		{URL: "https://plain.example/1"},
		{},
		{Key: "stale", URL: "https://cdn.example/stale?sig=old", ExpiresAt: past},
		{Key: "fresh", URL: "https://cdn.example/fresh"},
	}

	urls := tracker.ResolveReferenceURLs(context.Background(), refs)
	assert.Equal(t, []string{
		"https://plain.example/1",
		"https://cdn.example/stale?sig=fresh",
		"https://cdn.example/fresh",
	}, urls)
	assert.Equal(t, int32(1), signer.total.Load())
}
