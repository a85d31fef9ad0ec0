package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/kickchat/backend/kick"
)

func chatRecord(id, user, content string) *kick.Record {
	raw, _ := json.Marshal(map[string]any{"event": kick.EventChatMessage, "data": map[string]string{"id": id, "content": content}})
	return &kick.Record{
		EventType:  kick.KindChat,
		EventID:    id,
		ChatroomID: "1",
		Timestamp:  time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		UserID:     user,
		Username:   "user-" + user,
		Content:    content,
		SenderData: json.RawMessage(`{"id":1}`),
		RawPayload: raw,
	}
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("channel config lifecycle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		name := uniqueName("cfg")

		added, err := s.AddChannel(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, name, added.Name)
		assert.False(t, added.Paused)

		_, err = s.AddChannel(ctx, name)
		require.ErrorIs(t, err, ErrChannelExists)

		paused, err := s.SetPaused(ctx, name, true)
		require.NoError(t, err)
		assert.True(t, paused.Paused)
		require.NotNil(t, paused.PausedAt)

		resumed, err := s.SetPaused(ctx, name, false)
		require.NoError(t, err)
		assert.False(t, resumed.Paused)
		assert.NotNil(t, resumed.PausedAt, "paused_at is kept for history")

		list, err := s.ListChannels(ctx)
		require.NoError(t, err)
		assert.True(t, containsChannel(list, name))

		require.NoError(t, s.RemoveChannel(ctx, name))
		require.ErrorIs(t, s.RemoveChannel(ctx, name), ErrChannelNotFound)
		_, err = s.GetConfig(ctx, name)
		require.ErrorIs(t, err, ErrChannelNotFound)
		_, err = s.SetPaused(ctx, name, true)
		require.ErrorIs(t, err, ErrChannelNotFound)
	})

	t.Run("append and stats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		name := uniqueName("stats")
		_, err := s.AddChannel(ctx, name)
		require.NoError(t, err)
		require.NoError(t, s.EnsureChannel(ctx, name))
		require.NoError(t, s.EnsureChannel(ctx, name), "EnsureChannel must be idempotent")

		for i, u := range []string{"1", "2", "1"} {
			rec := chatRecord(fmt.Sprintf("m%d", i), u, "hi")
			require.NoError(t, s.Append(ctx, name, rec))
			assert.False(t, rec.StoredAt.IsZero())
		}
		ban := &kick.Record{EventType: kick.KindBan, Content: "x was banned", RawPayload: json.RawMessage(`{}`)}
		require.NoError(t, s.Append(ctx, name, ban))

		// duplicate origin id is tolerated, not stored twice
		require.NoError(t, s.Append(ctx, name, chatRecord("m0", "1", "hi again")))

		stats, err := s.Stats(ctx, name)
		require.NoError(t, err)
		assert.EqualValues(t, 4, stats.Total)
		assert.EqualValues(t, 3, stats.ByType["chat"])
		assert.EqualValues(t, 1, stats.ByType["ban"])
		assert.EqualValues(t, 2, stats.UniqueUsers)
		require.NotNil(t, stats.FirstStoredAt)
		require.NotNil(t, stats.LastStoredAt)
		assert.False(t, stats.LastStoredAt.Before(*stats.FirstStoredAt))

		_, err = s.Stats(ctx, uniqueName("missing"))
		require.ErrorIs(t, err, ErrChannelNotFound)
	})

	t.Run("history survives remove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		name := uniqueName("keep")
		_, err := s.AddChannel(ctx, name)
		require.NoError(t, err)
		require.NoError(t, s.EnsureChannel(ctx, name))
		require.NoError(t, s.Append(ctx, name, chatRecord("k1", "9", "before remove")))
		require.NoError(t, s.RemoveChannel(ctx, name))

		_, err = s.AddChannel(ctx, name)
		require.NoError(t, err)
		stats, err := s.Stats(ctx, name)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.Total)
	})

	t.Run("concurrent appends across channels", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		names := []string{uniqueName("par-a"), uniqueName("par-b"), uniqueName("par-c")}
		for _, n := range names {
			_, err := s.AddChannel(ctx, n)
			require.NoError(t, err)
			require.NoError(t, s.EnsureChannel(ctx, n))
		}
		var wg sync.WaitGroup
		errs := make(chan error, len(names)*50)
		for _, n := range names {
			wg.Add(1)
			go func(n string) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					if err := s.Append(ctx, n, chatRecord(fmt.Sprintf("%s-%d", n, i), "u", "x")); err != nil {
						errs <- err
					}
				}
			}(n)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("append: %v", err)
		}
		for _, n := range names {
			stats, err := s.Stats(ctx, n)
			require.NoError(t, err)
			assert.EqualValues(t, 50, stats.Total, n)
		}
	})
}

var nameSeq struct {
	sync.Mutex
	n int
}

func uniqueName(prefix string) string {
	nameSeq.Lock()
	defer nameSeq.Unlock()
	nameSeq.n++
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano()%1_000_000, nameSeq.n)
}

func containsChannel(list []ChannelConfig, name string) bool {
	for _, c := range list {
		if c.Name == name {
			return true
		}
	}
	return false
}
