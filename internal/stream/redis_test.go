package stream

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/michi/internal/execution"
	"github.com/ashita-ai/michi/internal/testutil"
)

// redisURL is set by TestMain when the Redis container is running.
var redisURL string

func TestMain(m *testing.M) {
	if testutil.SkipIntegration() {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartRedis()
	redisURL = tc.URL
	code := m.Run()
	tc.Terminate()
	os.Exit(code)
}

func newRedisLog(t *testing.T) *RedisLog {
	t.Helper()
	if redisURL == "" {
		t.Skip("integration redis not started")
	}
	l, err := NewRedisLog(context.Background(), redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRedisLog_GroupReadAck(t *testing.T) {
	l := newRedisLog(t)
	ctx := context.Background()
	stream := "test:" + uuid.NewString()

	require.NoError(t, l.EnsureGroup(ctx, stream, "g"))
	require.NoError(t, l.EnsureGroup(ctx, stream, "g"), "existing group is tolerated")

	id, err := l.Publish(ctx, stream, map[string]any{"event": `{"x":1}`})
	require.NoError(t, err)

	msgs, err := l.Read(ctx, stream, "g", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, stream, msgs[0].Stream)
	assert.Equal(t, `{"x":1}`, msgs[0].Values["event"])

	msgs, err = l.Read(ctx, stream, "g", "c1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs, "delivered messages are not re-read with >")

	require.NoError(t, l.Ack(ctx, stream, "g", id))
	pending, err := l.client.XPending(ctx, stream, "g").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisLog_GroupStartsAtOldestOffset(t *testing.T) {
	l := newRedisLog(t)
	ctx := context.Background()
	stream := "test:" + uuid.NewString()

	_, err := l.Publish(ctx, stream, map[string]any{"k": "before-group"})
	require.NoError(t, err)
	require.NoError(t, l.EnsureGroup(ctx, stream, "g"))

	msgs, err := l.Read(ctx, stream, "g", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "before-group", msgs[0].Values["k"])
}

func TestConsumer_Redis_EndToEnd(t *testing.T) {
	l := newRedisLog(t)
	ctx := context.Background()
	stream := "test:" + uuid.NewString()
	responses := stream + ":responses"

	store, handler := newPipeline(t, execution.RunnableFunc(func(_ context.Context, input string, _ execution.RunOptions) (any, error) {
		return "ok: " + input, nil
	}))
	c := NewConsumer(l, handler, Config{
		Stream:         stream,
		Group:          "workers",
		Consumer:       "c1",
		ResponseStream: responses,
		Block:          50 * time.Millisecond,
	}, testutil.TestLogger())

	require.NoError(t, l.EnsureGroup(ctx, stream, "workers"))
	_, err := l.Publish(ctx, stream, map[string]any{
		"event": fmt.Sprintf(`{"agent_id":%q,"payload":{"content":"hi"}}`, uuid.New()),
	})
	require.NoError(t, err)
	_, err = l.Publish(ctx, stream, map[string]any{"event": "not json"})
	require.NoError(t, err)

	stop := startConsumer(t, c)
	require.Eventually(t, func() bool {
		n, err := l.client.XLen(ctx, responses).Result()
		if err != nil || n != 1 {
			return false
		}
		d, err := l.client.XLen(ctx, stream+DLQSuffix).Result()
		return err == nil && d == 1
	}, 5*time.Second, 20*time.Millisecond)
	stop()

	assert.Equal(t, 1, store.Len())
	pending, err := l.client.XPending(ctx, stream, "workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count, "both messages acknowledged")

	dlq, err := l.client.XRange(ctx, stream+DLQSuffix, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)
	assert.Equal(t, stream, dlq[0].Values["stream"])
	assert.Contains(t, dlq[0].Values["error"], "deserialization failed")
}
