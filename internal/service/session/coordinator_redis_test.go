package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/site-safety/backend/internal/metrics"
	"github.com/zhouzirui/site-safety/backend/internal/model/session"
)

func sharedRedisStore(t *testing.T) *session.RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return session.NewRedisStore(client, session.WithLockTTL(10*time.Second))
}

// unlockedStore hides TurnLocker so turns on two replicas can race all the way to Append.
type unlockedStore struct {
	session.Store
}

func activeSessions(t *testing.T) float64 {
	t.Helper()
	families, err := metrics.NewRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "sitesafety_sessions_active" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("sessions_active gauge not registered")
	return 0
}

func TestReplicasSerializeTurnsOnSharedStore(t *testing.T) {
	store := sharedRedisStore(t)
	vision := &fakeVision{description: "d"}
	responder := &echoResponder{delay: 50 * time.Millisecond}
	first := New(store, vision, responder, Config{})
	second := New(store, vision, responder, Config{})
	ctx := context.Background()

	res, err := first.CreateAnalysis(ctx, pngBytes(t), "no helmet")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Coordinator{first, second} {
		wg.Add(1)
		go func(i int, c *Coordinator, msg string) {
			defer wg.Done()
			_, errs[i] = c.Converse(ctx, res.SessionID, msg)
		}(i, c, []string{"first", "second"}[i])
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, responder.maxSeen, "replicas must not generate for one session at the same time")

	sess, err := store.Get(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Conversation, 4)

	// 后一轮必须基于前一轮写入后的历史生成
	assert.Equal(t, "[d|0] "+sess.Conversation[0].Content, sess.Conversation[1].Content)
	assert.Equal(t, "[d|2] "+sess.Conversation[2].Content, sess.Conversation[3].Content)
}

func TestStaleTurnIsRejectedOnSharedStore(t *testing.T) {
	store := unlockedStore{Store: sharedRedisStore(t)}
	vision := &fakeVision{description: "d"}
	responder := &echoResponder{delay: 50 * time.Millisecond}
	first := New(store, vision, responder, Config{})
	second := New(store, vision, responder, Config{})
	ctx := context.Background()

	res, err := first.CreateAnalysis(ctx, pngBytes(t), "no helmet")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*Coordinator{first, second} {
		wg.Add(1)
		go func(i int, c *Coordinator) {
			defer wg.Done()
			_, errs[i] = c.Converse(ctx, res.SessionID, "question")
		}(i, c)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, session.ErrConflict)
			assert.Equal(t, session.CodeConflict, session.Code(err))
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts)

	sess, err := store.Get(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Conversation, 2, "the losing turn must not be stored")

	// 冲突之后重试成功，并基于最新历史
	_, err = second.Converse(ctx, res.SessionID, "retry")
	require.NoError(t, err)
	sess, err = store.Get(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, sess.Conversation, 4)
	assert.Equal(t, "[d|2] retry", sess.Conversation[3].Content)
}

func TestSharedStoreLeavesActiveGaugeAlone(t *testing.T) {
	store := sharedRedisStore(t)
	vision := &fakeVision{description: "d"}
	creator := New(store, vision, &echoResponder{}, Config{})
	ender := New(store, vision, &echoResponder{}, Config{})
	ctx := context.Background()

	before := activeSessions(t)

	res, err := creator.CreateAnalysis(ctx, pngBytes(t), "no helmet")
	require.NoError(t, err)
	require.NoError(t, ender.EndSession(ctx, res.SessionID))

	assert.Equal(t, before, activeSessions(t))
}
