package persistence

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/BaSui01/wayflow/config"
	"github.com/BaSui01/wayflow/internal/database"
	"github.com/BaSui01/wayflow/workflow"
)

// ============================================================
// Shared conformance suite, run against every backend
// ============================================================

type storeSuite struct {
	suite.Suite
	newStore func(t *testing.T, opts Options) Store
	expire   func()
	store    Store
	ctx      context.Context
}

func (s *storeSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T(), Options{})
}

func (s *storeSuite) TearDownTest() {
	_ = s.store.Close()
}

func snapshotOf(id, flowID string, updated time.Time, kind workflow.StatusKind) *workflow.ConversationSnapshot {
	snap := &workflow.ConversationSnapshot{
		Version:   workflow.SnapshotVersion,
		ID:        id,
		FlowID:    flowID,
		FlowName:  "flow-" + flowID,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
	if kind != "" {
		snap.Pending = &workflow.StatusRecord{Kind: kind}
	}
	return snap
}

func askFlow(t *testing.T) *workflow.Flow {
	t.Helper()
	ask, err := workflow.NewInputMessageStep("ask", "What is your name?")
	require.NoError(t, err)
	greet, err := workflow.NewOutputMessageStep("greet", "Hello {{user_provided_input}}")
	require.NoError(t, err)
	f, err := workflow.FlowFromSteps("ask_name", ask, greet)
	require.NoError(t, err)
	return f
}

func ids(items []Summary) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func (s *storeSuite) TestSaveLoad_ResumesConversation() {
	t := s.T()
	conv, err := askFlow(t).StartConversation(nil)
	s.Require().NoError(err)
	st, err := conv.Execute(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal(workflow.StatusUserMessageRequest, st.Kind())

	snap, err := conv.Snapshot()
	s.Require().NoError(err)
	s.Require().NoError(s.store.Save(s.ctx, snap))

	loaded, err := s.store.Load(s.ctx, conv.ID())
	s.Require().NoError(err)
	s.Equal(snap.FlowID, loaded.FlowID)

	restored, err := workflow.RestoreConversation(loaded, nil, nil)
	s.Require().NoError(err)
	restored.AppendUserMessage("Ada")
	st, err = restored.Execute(s.ctx)
	s.Require().NoError(err)
	fin, ok := st.(*workflow.FinishedStatus)
	s.Require().True(ok)
	s.Equal("Hello Ada", fin.OutputValues[workflow.OutputMessageOutput])

	items, err := s.store.List(s.ctx, ListFilter{})
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(workflow.StatusUserMessageRequest, items[0].Status)
	s.Equal("ask_name", items[0].FlowName)
}

func (s *storeSuite) TestSave_Replaces() {
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.Save(s.ctx, snapshotOf("c1", "f1", at, workflow.StatusUserMessageRequest)))
	s.Require().NoError(s.store.Save(s.ctx, snapshotOf("c1", "f1", at.Add(time.Minute), workflow.StatusFinished)))

	items, err := s.store.List(s.ctx, ListFilter{})
	s.Require().NoError(err)
	s.Require().Len(items, 1)
	s.Equal(workflow.StatusFinished, items[0].Status)

	loaded, err := s.store.Load(s.ctx, "c1")
	s.Require().NoError(err)
	s.Require().NotNil(loaded.Pending)
	s.Equal(workflow.StatusFinished, loaded.Pending.Kind)
}

func (s *storeSuite) TestMissingAndDelete() {
	_, err := s.store.Load(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
	s.ErrorIs(s.store.Delete(s.ctx, "missing"), ErrNotFound)

	s.Require().NoError(s.store.Save(s.ctx, snapshotOf("c1", "f1", time.Now(), "")))
	s.Require().NoError(s.store.Delete(s.ctx, "c1"))
	_, err = s.store.Load(s.ctx, "c1")
	s.ErrorIs(err, ErrNotFound)

	items, err := s.store.List(s.ctx, ListFilter{})
	s.Require().NoError(err)
	s.Empty(items)
}

func (s *storeSuite) TestInvalidInput() {
	s.ErrorIs(s.store.Save(s.ctx, nil), ErrInvalidInput)
	s.ErrorIs(s.store.Save(s.ctx, snapshotOf("", "f1", time.Now(), "")), ErrInvalidInput)
	s.ErrorIs(s.store.Save(s.ctx, snapshotOf("../escape", "f1", time.Now(), "")), ErrInvalidInput)
}

func (s *storeSuite) TestList_OrderFilterAndPage() {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	for _, snap := range []*workflow.ConversationSnapshot{
		snapshotOf("a", "f1", base, workflow.StatusFinished),
		snapshotOf("b", "f2", base.Add(2*time.Minute), workflow.StatusUserMessageRequest),
		snapshotOf("c", "f1", base.Add(time.Minute), workflow.StatusUserMessageRequest),
		snapshotOf("d", "f1", base.Add(3*time.Minute), workflow.StatusToolRequest),
	} {
		s.Require().NoError(s.store.Save(s.ctx, snap))
	}

	all, err := s.store.List(s.ctx, ListFilter{})
	s.Require().NoError(err)
	s.Equal([]string{"d", "b", "c", "a"}, ids(all))

	byFlow, err := s.store.List(s.ctx, ListFilter{FlowID: "f1"})
	s.Require().NoError(err)
	s.Equal([]string{"d", "c", "a"}, ids(byFlow))

	byStatus, err := s.store.List(s.ctx, ListFilter{Status: workflow.StatusUserMessageRequest})
	s.Require().NoError(err)
	s.Equal([]string{"b", "c"}, ids(byStatus))

	page, err := s.store.List(s.ctx, ListFilter{Limit: 2, Offset: 1})
	s.Require().NoError(err)
	s.Equal([]string{"b", "c"}, ids(page))

	beyond, err := s.store.List(s.ctx, ListFilter{Limit: 2, Offset: 10})
	s.Require().NoError(err)
	s.Empty(beyond)
}

func (s *storeSuite) TestTTL() {
	store := s.newStore(s.T(), Options{TTL: 250 * time.Millisecond})
	defer store.Close()

	s.Require().NoError(store.Save(s.ctx, snapshotOf("short", "f1", time.Now(), "")))
	_, err := store.Load(s.ctx, "short")
	s.Require().NoError(err)

	s.expire()
	_, err = store.Load(s.ctx, "short")
	s.ErrorIs(err, ErrNotFound)
	items, err := store.List(s.ctx, ListFilter{})
	s.Require().NoError(err)
	s.Empty(items)
}

func (s *storeSuite) TestPing() {
	s.NoError(s.store.Ping(s.ctx))
}

func sleepPastTTL() { time.Sleep(400 * time.Millisecond) }

func TestMemoryStore(t *testing.T) {
	suite.Run(t, &storeSuite{
		newStore: func(t *testing.T, opts Options) Store { return NewMemoryStore(opts) },
		expire:   sleepPastTTL,
	})
}

func TestFileStore(t *testing.T) {
	suite.Run(t, &storeSuite{
		newStore: func(t *testing.T, opts Options) Store {
			store, err := NewFileStore(t.TempDir(), opts, zap.NewNop())
			require.NoError(t, err)
			return store
		},
		expire: sleepPastTTL,
	})
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := &storeSuite{
		newStore: func(t *testing.T, opts Options) Store {
			mr.FlushAll()
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStore(client, opts, zap.NewNop())
		},
		expire: func() { mr.FastForward(time.Second) },
	}
	suite.Run(t, s)
}

func TestSQLStore(t *testing.T) {
	suite.Run(t, &storeSuite{
		newStore: func(t *testing.T, opts Options) Store {
			pool, err := database.Open("sqlite", filepath.Join(t.TempDir(), "wayflow.db"),
				database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
			require.NoError(t, err)
			store, err := NewSQLStore(context.Background(), pool, opts, zap.NewNop())
			require.NoError(t, err)
			return store
		},
		expire: sleepPastTTL,
	})
}

// ============================================================
// Backend specifics
// ============================================================

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, store.Save(ctx, snapshotOf("c1", "f1", time.Now(), "")), ErrStoreClosed)
	_, err := store.Load(ctx, "c1")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestMemoryStore_SaveCopiesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{})
	snap := snapshotOf("c1", "f1", time.Now(), "")
	require.NoError(t, store.Save(ctx, snap))

	snap.FlowID = "changed"
	loaded, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "f1", loaded.FlowID)
}

func TestFileStore_SurvivesReopenAndSkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, snapshotOf("c1", "f1", time.Now(), "")))
	require.NoError(t, store.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))

	reopened, err := NewFileStore(dir, Options{}, zap.NewNop())
	require.NoError(t, err)
	items, err := reopened.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids(items))

	_, err = reopened.Load(ctx, "broken")
	assert.Error(t, err)
	_, err = reopened.Load(ctx, "../c1")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewFileStore("", Options{}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	store := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), Options{KeyPrefix: "test:", TTL: time.Hour}, nil)
	defer store.Close()

	require.NoError(t, store.Save(ctx, snapshotOf("c1", "f1", time.Now(), "")))
	assert.True(t, mr.Exists("test:conv:c1"))
	assert.Equal(t, time.Hour, mr.TTL("test:conv:c1"))
	members, err := mr.ZMembers("test:conv:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)

	// An expired data key is pruned from the index on List.
	mr.Del("test:conv:c1")
	items, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
	members, _ = mr.ZMembers("test:conv:index")
	assert.Empty(t, members)
}

func TestSQLStore_Purge(t *testing.T) {
	ctx := context.Background()
	pool, err := database.Open("sqlite", filepath.Join(t.TempDir(), "purge.db"),
		database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, nil)
	require.NoError(t, err)
	store, err := NewSQLStore(ctx, pool, Options{TTL: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, snapshotOf("c1", "f1", time.Now(), "")))
	require.NoError(t, store.Save(ctx, snapshotOf("c2", "f1", time.Now(), "")))
	time.Sleep(50 * time.Millisecond)

	n, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var count int64
	require.NoError(t, pool.DB().Model(&ConversationRecord{}).Count(&count).Error)
	assert.Zero(t, count)

	_, err = NewSQLStore(ctx, nil, Options{}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// ============================================================
// Factory
// ============================================================

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory by default", func(t *testing.T) {
		store, err := NewStore(ctx, nil, nil)
		require.NoError(t, err)
		assert.IsType(t, &MemoryStore{}, store)
	})

	t.Run("file", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Store.Type = "file"
		cfg.Store.BaseDir = t.TempDir()
		store, err := NewStore(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &FileStore{}, store)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.DefaultConfig()
		cfg.Store.Type = "redis"
		cfg.Redis.Addr = mr.Addr()
		store, err := NewStore(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &RedisStore{}, store)
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		cfg := config.DefaultConfig()
		cfg.Store.Type = "redis"
		cfg.Redis.Addr = addr
		_, err := NewStore(ctx, cfg, nil)
		assert.Error(t, err)
	})

	t.Run("sqlite database", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Store.Type = "database"
		cfg.Database.Driver = "sqlite"
		cfg.Database.Name = filepath.Join(t.TempDir(), "factory.db")
		store, err := NewStore(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &SQLStore{}, store)
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Store.Type = "etcd"
		_, err := NewStore(ctx, cfg, nil)
		assert.Error(t, err)
		assert.Panics(t, func() { MustNewStore(ctx, cfg, nil) })
	})
}
