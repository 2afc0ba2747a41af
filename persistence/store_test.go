package persistence

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/orchestra/internal/database"
	"github.com/BaSui01/orchestra/types"
)

func sampleState() *types.OrchestrationState {
	s := types.NewOrchestrationState()
	s.StepStates["research"] = types.StepState{Status: types.StepCompleted}
	s.StepStates["review"] = types.StepState{
		Status:  types.StepPausedForApproval,
		Message: "approve the outline?",
		Payload: map[string]any{"outline": []any{"intro", "body"}},
	}
	s.StepStates["publish"] = types.Pending()
	s.Context["notes"] = "go is fun"
	s.Context["score"] = 0.75
	s.LoopCounters["refine"] = 2
	s.TotalLoopIterations = 2
	return s
}

// ---------------------------------------------------------------------------
// Backend contract
// ---------------------------------------------------------------------------

func newMiniredisStore(t *testing.T) *RedisStateStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStateStoreWithClient(client, RedisConfig{KeyPrefix: "test:", HistorySize: 2}, zap.NewNop())
}

func newSQLiteStore(t *testing.T) *SQLStateStore {
	t.Helper()
	pool, err := database.Open(database.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "state.db"),
		Pool:   database.PoolConfig{MaxOpenConns: 1},
	}, zap.NewNop())
	require.NoError(t, err)
	store, err := NewSQLStateStore(context.Background(), pool, zap.NewNop())
	require.NoError(t, err)
	return store
}

func backends(t *testing.T) map[string]StateStore {
	return map[string]StateStore{
		"memory": NewMemoryStateStore(),
		"file":   NewFileStateStore(t.TempDir(), zap.NewNop()),
		"redis":  newMiniredisStore(t),
		"sql":    newSQLiteStore(t),
	}
}

func TestStateStore_Contract(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer store.Close()

			_, err := store.Load(ctx, "run-1.json")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrNotFound)

			want := sampleState()
			require.NoError(t, store.Save(ctx, "run-1.json", want))

			got, err := store.Load(ctx, "run-1.json")
			require.NoError(t, err)
			assert.Equal(t, want.StepStates["research"], got.StepStates["research"])
			assert.Equal(t, "approve the outline?", got.StepStates["review"].Message)
			assert.Equal(t, want.Context, got.Context)
			assert.Equal(t, 2, got.LoopCounters["refine"])
			assert.Equal(t, 2, got.TotalLoopIterations)

			// overwrite
			want.StepStates["review"] = types.StepState{Status: types.StepCompleted}
			require.NoError(t, store.Save(ctx, "run-1.json", want))
			got, err = store.Load(ctx, "run-1.json")
			require.NoError(t, err)
			assert.Equal(t, types.StepCompleted, got.StepStates["review"].Status)

			assert.Error(t, store.Save(ctx, "", want))
		})
	}
}

// ---------------------------------------------------------------------------
// Backend specifics
// ---------------------------------------------------------------------------

func TestFileStateStore_HumanEdit(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStateStore("", nil)
	path := filepath.Join(dir, "nested", "state.json")
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, path, sampleState()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"step_states\"", "file is indented for editing")

	// operator approves the paused step and injects its output
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	doc["step_states"].(map[string]any)["review"] = map[string]any{"status": "completed"}
	doc["context"].(map[string]any)["outline"] = "approved outline"
	edited, err := json.MarshalIndent(doc, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, edited, 0o644))

	got, err := store.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, types.StepCompleted, got.StepStates["review"].Status)
	assert.Equal(t, "approved outline", got.Context["outline"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestDecode_RejectsBadDocuments(t *testing.T) {
	_, err := Decode([]byte(`{"version":1,"step_states":{"a":{"status":"approved"}}}`))
	assert.True(t, types.IsErrorCode(err, types.ErrStateStore))

	_, err = Decode([]byte(`{"version":1,"step_state":{}}`))
	assert.Error(t, err, "unknown fields are reported")

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)

	st, err := Decode([]byte(`{"step_states":{}}`))
	require.NoError(t, err)
	assert.Equal(t, types.StateVersion, st.Version)
	assert.NotNil(t, st.Context)
}

func TestRedisStateStore_History(t *testing.T) {
	store := newMiniredisStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		s := sampleState()
		s.TotalLoopIterations = i
		require.NoError(t, store.Save(ctx, "run", s))
	}

	hist, err := store.History(ctx, "run", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2, "history is capped")
	assert.Equal(t, 3, hist[0].TotalLoopIterations)
	assert.Equal(t, 2, hist[1].TotalLoopIterations)
	assert.NoError(t, store.Ping(ctx))
}

func TestSQLStateStore_History(t *testing.T) {
	store := newSQLiteStore(t)
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "run", sampleState()))
	require.NoError(t, store.Save(ctx, "run", sampleState()))

	n, err := store.HistoryCount(ctx, "run")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestMemoryStateStore_Closed(t *testing.T) {
	store := NewMemoryStateStore()
	require.NoError(t, store.Close())
	assert.ErrorIs(t, store.Save(context.Background(), "x", sampleState()), ErrStoreClosed)
}

func TestNewStateStore(t *testing.T) {
	ctx := context.Background()

	s, err := NewStateStore(ctx, StoreConfig{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStateStore{}, s)

	s, err = NewStateStore(ctx, StoreConfig{Type: StoreTypeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStateStore{}, s)

	mr := miniredis.RunT(t)
	s, err = NewStateStore(ctx, StoreConfig{Type: StoreTypeRedis, Redis: RedisConfig{Addr: mr.Addr()}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisStateStore{}, s)
	s.Close()

	s, err = NewStateStore(ctx, StoreConfig{Type: StoreTypeSQL, Database: database.Config{
		Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "f.db"),
	}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLStateStore{}, s)
	s.Close()

	_, err = NewStateStore(ctx, StoreConfig{Type: "s3"}, nil)
	assert.Error(t, err)
}
