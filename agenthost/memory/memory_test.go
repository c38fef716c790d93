package memory

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestNormalizeWhere(t *testing.T) {
	tests := []struct {
		name  string
		where map[string]any
		want  map[string]any
	}{
		{"empty", nil, nil},
		{"single field", map[string]any{"date": map[string]any{"$gt": 20250901}}, map[string]any{"date": map[string]any{"$gt": 20250901}}},
		{"multi field", map[string]any{"type": "preference", "tag": "food"}, map[string]any{"$and": []any{
			map[string]any{"tag": "food"},
			map[string]any{"type": "preference"},
		}}},
		{"already logical", map[string]any{"$or": []any{map[string]any{"tag": "a"}}}, map[string]any{"$or": []any{map[string]any{"tag": "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, NormalizeWhere(tt.where)); diff != "" {
				t.Errorf("NormalizeWhere mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompileWhere(t *testing.T) {
	clause, args, err := compileWhere(NormalizeWhere(map[string]any{
		"tag":  "food",
		"date": map[string]any{"$gte": 20250101.0, "$lt": 20260101.0},
	}), "m")
	require.NoError(t, err)
	assert.Equal(t, "((json_extract(m, '$.date') >= ? AND json_extract(m, '$.date') < ?) AND json_extract(m, '$.tag') = ?)", clause)
	assert.Equal(t, []any{20250101.0, 20260101.0, "food"}, args)

	clause, args, err = compileWhere(map[string]any{
		"$or": []any{
			map[string]any{"type": map[string]any{"$in": []any{"fact", "event"}}},
			map[string]any{"salience": map[string]any{"$ne": nil}},
		},
	}, "m")
	require.NoError(t, err)
	assert.Equal(t, "(json_extract(m, '$.type') IN (?, ?) OR json_extract(m, '$.salience') IS NOT NULL)", clause)
	assert.Equal(t, []any{"fact", "event"}, args)

	_, args, err = compileWhere(map[string]any{"tag": true}, "m")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1)}, args)
}

func TestCompileWhereRejects(t *testing.T) {
	bad := []map[string]any{
		{"color": "red"},
		{"tag": map[string]any{"$regex": "x"}},
		{"$and": "not a list"},
		{"$or": []any{}},
		{"tag": map[string]any{"$in": "x"}},
		{"tag": []any{"a"}},
		{"date": map[string]any{"$gt": nil}},
	}
	for _, w := range bad {
		_, _, err := compileWhere(w, "m")
		assert.ErrorIs(t, err, ErrInvalidFilter, "where %v", w)
	}
}

func TestFlattenMetadataAndItemFromMap(t *testing.T) {
	meta := FlattenMetadata(map[string]any{
		"type":     "fact",
		"tags":     []any{"a", "b"},
		"tag":      "a",
		"salience": 0.9,
		"extra":    "dropped",
		"date":     map[string]any{"nested": true},
	})
	assert.Equal(t, map[string]any{"type": "fact", "tag": "a", "salience": 0.9}, meta)

	it := ItemFromMap(map[string]any{
		"memory_id": "m1",
		"text":      "likes tea",
		"type":      "preference",
		"metadata":  map[string]any{"tag": "drink"},
	})
	assert.Equal(t, "m1", it.ID)
	assert.Equal(t, "likes tea", it.Text)
	assert.Equal(t, map[string]any{"type": "preference", "tag": "drink"}, it.Metadata)
}

func TestFTSQueryAndDistance(t *testing.T) {
	assert.Equal(t, `"green" OR "tea" OR "or" OR "o"`, ftsQuery(`Green tea "OR" o' tea`))
	assert.Equal(t, "", ftsQuery(" ?! "))
	assert.Equal(t, 1.0, distance(0))
	assert.InDelta(t, 0.5, distance(-1), 1e-9)
	assert.Less(t, distance(-3), distance(-1))
}

// LibSQLStoreSuite exercises the store against real embedded databases.
type LibSQLStoreSuite struct {
	suite.Suite
	store *LibSQLStore
	ctx   context.Context
	clock time.Time
}

func TestLibSQLStoreSuite(t *testing.T) {
	suite.Run(t, new(LibSQLStoreSuite))
}

func (s *LibSQLStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.store = NewLibSQLStore(s.T().TempDir(), zerolog.Nop(), WithClock(func() time.Time {
		s.clock = s.clock.Add(time.Second)
		return s.clock
	}))
}

func (s *LibSQLStoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *LibSQLStoreSuite) TestUpsertCreatesDatabaseAndIDs() {
	ids, err := s.store.Upsert(s.ctx, "a1", []Item{
		{Text: "The user likes green tea", Metadata: map[string]any{"type": "preference", "tag": "drink"}},
		{ID: "fixed", Text: "The user lives in Lisbon", Metadata: map[string]any{"type": "fact"}},
	})
	s.Require().NoError(err)
	s.Require().Len(ids, 2)
	s.NotEmpty(ids[0])
	s.Equal("fixed", ids[1])

	_, err = os.Stat(s.store.Path("a1"))
	s.NoError(err)

	got, ok, err := s.store.Get(s.ctx, "a1", "fixed")
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Equal("The user lives in Lisbon", got.Text)
	s.Equal("fact", got.Metadata["type"])
	s.Equal("fixed", got.Metadata["memory_id"])
}

func (s *LibSQLStoreSuite) TestUpsertRejectsEmptyText() {
	_, err := s.store.Upsert(s.ctx, "a1", []Item{{Text: "  "}})
	s.ErrorIs(err, ErrInvalidItem)
}

func (s *LibSQLStoreSuite) TestQueryRanksByRelevance() {
	_, err := s.store.Upsert(s.ctx, "a1", []Item{
		{ID: "tea", Text: "The user drinks green tea every morning"},
		{ID: "city", Text: "The user lives in Lisbon"},
		{ID: "both", Text: "Tea tastes better in Lisbon, tea tea"},
	})
	s.Require().NoError(err)

	res, err := s.store.Query(s.ctx, "a1", "tea", 5, nil)
	s.Require().NoError(err)
	s.Require().Len(res, 2)
	s.Equal("both", res[0].MemoryID)
	s.Equal("tea", res[1].MemoryID)
	s.LessOrEqual(res[0].Distance, res[1].Distance)
	for _, r := range res {
		s.Greater(r.Distance, 0.0)
		s.LessOrEqual(r.Distance, 1.0)
	}
}

func (s *LibSQLStoreSuite) TestQueryEmptyTextReturnsRecent() {
	_, err := s.store.Upsert(s.ctx, "a1", []Item{{ID: "old", Text: "first"}})
	s.Require().NoError(err)
	_, err = s.store.Upsert(s.ctx, "a1", []Item{{ID: "new", Text: "second"}})
	s.Require().NoError(err)

	res, err := s.store.Query(s.ctx, "a1", "", 1, nil)
	s.Require().NoError(err)
	s.Require().Len(res, 1)
	s.Equal("new", res[0].MemoryID)
	s.Equal(1.0, res[0].Distance)
}

func (s *LibSQLStoreSuite) TestQueryWhereFilters() {
	_, err := s.store.Upsert(s.ctx, "a1", []Item{
		{ID: "a", Text: "pizza night", Metadata: map[string]any{"tag": "food", "type": "event", "date": 20250910}},
		{ID: "b", Text: "pizza is great", Metadata: map[string]any{"tag": "food", "type": "preference", "date": 20250801}},
		{ID: "c", Text: "pizza in Rome", Metadata: map[string]any{"tag": "travel", "type": "event", "date": 20250915}},
	})
	s.Require().NoError(err)

	ids := func(where map[string]any) []string {
		res, err := s.store.Query(s.ctx, "a1", "pizza", 10, where)
		s.Require().NoError(err)
		var out []string
		for _, r := range res {
			out = append(out, r.MemoryID)
		}
		return out
	}

	s.ElementsMatch([]string{"a"}, ids(map[string]any{"tag": "food", "type": "event"}))
	s.ElementsMatch([]string{"a", "c"}, ids(map[string]any{"date": map[string]any{"$gt": 20250901}}))
	s.ElementsMatch([]string{"b", "c"}, ids(map[string]any{"$or": []any{
		map[string]any{"type": "preference"},
		map[string]any{"tag": "travel"},
	}}))

	_, err = s.store.Query(s.ctx, "a1", "pizza", 10, map[string]any{"color": "red"})
	s.ErrorIs(err, ErrInvalidFilter)
}

func (s *LibSQLStoreSuite) TestUpdateMergesAndReindexes() {
	_, err := s.store.Upsert(s.ctx, "a1", []Item{{ID: "m", Text: "likes coffee", Metadata: map[string]any{"type": "preference", "tag": "drink"}}})
	s.Require().NoError(err)

	ok, err := s.store.Update(s.ctx, "a1", "m", map[string]any{"text": "likes tea now", "salience": 0.8, "bogus": 1})
	s.Require().NoError(err)
	s.True(ok)

	got, _, err := s.store.Get(s.ctx, "a1", "m")
	s.Require().NoError(err)
	s.Equal("likes tea now", got.Text)
	s.Equal("drink", got.Metadata["tag"])
	s.Equal(0.8, got.Metadata["salience"])
	s.NotContains(got.Metadata, "bogus")

	res, err := s.store.Query(s.ctx, "a1", "coffee", 5, nil)
	s.Require().NoError(err)
	s.Empty(res)
	res, err = s.store.Query(s.ctx, "a1", "tea", 5, nil)
	s.Require().NoError(err)
	s.Len(res, 1)

	ok, err = s.store.Update(s.ctx, "a1", "missing", map[string]any{"text": "x"})
	s.NoError(err)
	s.False(ok)
}

func (s *LibSQLStoreSuite) TestDelete() {
	_, err := s.store.Upsert(s.ctx, "a1", []Item{{ID: "m", Text: "temporary fact"}})
	s.Require().NoError(err)

	s.Require().NoError(s.store.Delete(s.ctx, "a1", "m"))
	_, ok, err := s.store.Get(s.ctx, "a1", "m")
	s.NoError(err)
	s.False(ok)

	res, err := s.store.Query(s.ctx, "a1", "temporary", 5, nil)
	s.NoError(err)
	s.Empty(res)

	s.NoError(s.store.Delete(s.ctx, "a1", "never-existed"))
}

func (s *LibSQLStoreSuite) TestAgentsAreIsolated() {
	_, err := s.store.Upsert(s.ctx, "a1", []Item{{ID: "m", Text: "secret of a1"}})
	s.Require().NoError(err)

	res, err := s.store.Query(s.ctx, "a2", "secret", 5, nil)
	s.NoError(err)
	s.Empty(res)

	_, err = s.store.Query(s.ctx, "../a1", "secret", 5, nil)
	s.Error(err)
}
