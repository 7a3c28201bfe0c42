package store

import (
	"context"
	"testing"
	"time"

	"github.com/mossy-p/realtime-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedFunc makes users 1..3 exist and puts 1,2,3 in group 10.
type seedFunc func(t *testing.T)

func runStoreContract(t *testing.T, s Store, seed seedFunc) {
	ctx := context.Background()
	seed(t)

	t.Run("users", func(t *testing.T) {
		ok, err := s.Exists(ctx, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Exists(ctx, 999)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("groups", func(t *testing.T) {
		members, err := s.MembersOf(ctx, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []int64{1, 2, 3}, members)

		_, err = s.MembersOf(ctx, 404)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("save assigns monotonic ids", func(t *testing.T) {
		m1, err := s.Save(ctx, models.NewMessage(1, 2, "first", nil))
		require.NoError(t, err)
		m2, err := s.Save(ctx, models.NewMessage(2, 1, "", &models.Voice{URL: "https://cdn/v.ogg", Duration: 4}))
		require.NoError(t, err)

		assert.Greater(t, m2.ID, m1.ID)
		assert.False(t, m1.IsRead)
		assert.Nil(t, m1.ReadAt)
		assert.False(t, m1.CreatedAt.IsZero())
		require.NotNil(t, m2.VoiceMessageURL)
		assert.Equal(t, "https://cdn/v.ogg", *m2.VoiceMessageURL)
		require.NotNil(t, m2.VoiceMessageDuration)
		assert.Equal(t, 4, *m2.VoiceMessageDuration)
	})

	t.Run("mark read is idempotent", func(t *testing.T) {
		msg, err := s.Save(ctx, models.NewMessage(3, 1, "ping", nil))
		require.NoError(t, err)

		first := time.Now().Add(-time.Minute).Truncate(time.Second)
		read, changed, err := s.MarkRead(ctx, msg.ID, first)
		require.NoError(t, err)
		assert.True(t, changed)
		require.True(t, read.IsRead)
		require.NotNil(t, read.ReadAt)

		again, changed, err := s.MarkRead(ctx, msg.ID, time.Now())
		require.NoError(t, err)
		assert.False(t, changed, "second mark-read is a no-op")
		require.NotNil(t, again.ReadAt)
		assert.True(t, read.ReadAt.Equal(*again.ReadAt), "second mark-read keeps the first timestamp")

		_, _, err = s.MarkRead(ctx, 1<<40, time.Now())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("history is oldest first", func(t *testing.T) {
		between, err := s.Between(ctx, 1, 2, 10)
		require.NoError(t, err)
		require.Len(t, between, 2)
		assert.Equal(t, "first", between[0].Content)
		assert.Less(t, between[0].ID, between[1].ID)

		recent, err := s.RecentFor(ctx, 1, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "ping", recent[1].Content)
	})

	t.Run("group message", func(t *testing.T) {
		gm, err := s.SaveGroup(ctx, models.NewGroupMessage(1, 10, "hello all", nil))
		require.NoError(t, err)
		assert.NotZero(t, gm.ID)
		assert.Equal(t, int64(10), gm.GroupID)
	})

	t.Run("notification", func(t *testing.T) {
		related := int64(2)
		n, err := s.Create(ctx, &models.Notification{
			UserID: 1, Type: models.NotificationNewMessage, Message: "new message", RelatedUserID: &related,
		})
		require.NoError(t, err)
		assert.NotZero(t, n.ID)
		assert.False(t, n.IsRead)
		assert.False(t, n.CreatedAt.IsZero())
	})
}
