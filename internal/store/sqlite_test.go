package store

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"odyssey/internal/research"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSaveLoadRoundtrip(t *testing.T) {
	st := newTestStore(t)

	s := research.NewSession("what is raft consensus")
	require.NoError(t, s.CompleteStage(research.StageIntent,
		&research.Intent{QueryType: "analysis", Confidence: 80},
		&research.StageConfidence{Score: 80, Level: "High"}))
	require.NoError(t, st.Save(s))

	loaded, err := st.Load(s.ID)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(s, loaded))
}

func TestSaveIsUpsert(t *testing.T) {
	st := newTestStore(t)

	s := research.NewSession("q")
	require.NoError(t, st.Save(s))

	s.Status = research.StatusNeedsClarification
	s.ClarifyingQuestions = []research.ClarifyingQuestion{{Question: "which?"}}
	require.NoError(t, st.Save(s))

	loaded, err := st.Load(s.ID)
	require.NoError(t, err)
	assert.Equal(t, research.StatusNeedsClarification, loaded.Status)
	require.Len(t, loaded.ClarifyingQuestions, 1)

	summaries, err := st.List(10)
	require.NoError(t, err)
	assert.Len(t, summaries, 1, "upsert must not duplicate rows")
}

func TestLoadUnknownID(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Load("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListNewestFirstAndTruncated(t *testing.T) {
	st := newTestStore(t)

	older := research.NewSession("old query")
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.Save(older))

	newer := research.NewSession(strings.Repeat("long query ", 20))
	require.NoError(t, st.Save(newer))

	summaries, err := st.List(10)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, newer.ID, summaries[0].ID)
	assert.Equal(t, older.ID, summaries[1].ID)
	assert.True(t, strings.HasSuffix(summaries[0].InitialQuery, "..."))
	assert.LessOrEqual(t, len([]rune(summaries[0].InitialQuery)), 103)
}

func TestDelete(t *testing.T) {
	st := newTestStore(t)

	s := research.NewSession("q")
	require.NoError(t, st.Save(s))
	require.NoError(t, st.Delete(s.ID))

	_, err := st.Load(s.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = st.Delete(s.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStats(t *testing.T) {
	st := newTestStore(t)

	a := research.NewSession("a")
	require.NoError(t, st.Save(a))

	b := research.NewSession("b")
	b.MarkError("boom")
	require.NoError(t, st.Save(b))

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByStatus["started"])
	assert.Equal(t, 1, stats.ByStatus["error"])
}

func TestCleanupRemovesOnlyOldFinished(t *testing.T) {
	st := newTestStore(t)

	finished := research.NewSession("done long ago")
	finished.MarkCompleted(&research.Report{Title: "T"}, nil)
	require.NoError(t, st.Save(finished))

	active := research.NewSession("still running")
	require.NoError(t, st.Save(active))

	// Backdate the finished session past the cutoff.
	_, err := st.db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?",
		time.Now().UTC().Add(-48*time.Hour), finished.ID)
	require.NoError(t, err)

	n, err := st.Cleanup(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.Load(finished.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = st.Load(active.ID)
	assert.NoError(t, err)
}
