package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/xjson"
)

func finalState(t *testing.T) runtime.State {
	t.Helper()
	st, err := runtime.NewState("r1", runtime.Seed{Topic: "Earnings-gap Reversal!"})
	require.NoError(t, err)
	st.CurrentStage = runtime.StagePersist
	st.WebResearch = "long notes"
	st.Extensions = map[string]any{"search": map[string]any{"api_key": "secret", "hits": 3}}
	st.FinalDocument = runtime.Document{"title": "x"}
	st.Finalized = true
	return *st
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, xjson.Unmarshal(b, &m))
	return m
}

func TestPersist_WritesDocumentAndSidecar(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFSPersister(dir, []string{"web_research", "extensions/**/api_key"})
	require.NoError(t, err)
	st := finalState(t)

	loc, err := p.Persist(context.Background(), st.FinalDocument, st)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "earnings_gap_reversal.json"), loc.Path)
	assert.Equal(t, filepath.Join(dir, "earnings_gap_reversal_state.json"), loc.StatePath)
	assert.False(t, loc.Degraded)

	body, err := os.ReadFile(loc.Path)
	require.NoError(t, err)
	sum := blake3.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), loc.Digest)

	side := readJSON(t, loc.StatePath)
	assert.NotContains(t, side, "final_document")
	assert.NotContains(t, side, "web_research")
	search := side["extensions"].(map[string]any)["search"].(map[string]any)
	assert.NotContains(t, search, "api_key")
	assert.Contains(t, search, "hits")
	assert.Equal(t, loc.Digest, side["artifact"].(map[string]any)["blake3"])
}

func TestPersist_FallsBackToCandidate(t *testing.T) {
	p, err := NewFSPersister(t.TempDir(), nil)
	require.NoError(t, err)
	st := finalState(t)
	st.FinalDocument, st.Finalized = nil, false
	st.CandidateDocument = runtime.Document{"title": "draft"}

	loc, err := p.Persist(context.Background(), nil, st)
	require.NoError(t, err)
	assert.Equal(t, "draft", readJSON(t, loc.Path)["title"])
}

func TestPersist_DegradedIsMarked(t *testing.T) {
	p, err := NewFSPersister(t.TempDir(), nil)
	require.NoError(t, err)
	st := finalState(t)
	st.ValidationErrors = []runtime.Issue{{Path: "summary", Message: "missing"}}

	loc, err := p.Persist(context.Background(), st.FinalDocument, st)
	require.NoError(t, err)
	assert.True(t, loc.Degraded)
	assert.Equal(t, true, readJSON(t, loc.StatePath)["artifact"].(map[string]any)["degraded"])
}

func TestPersist_NothingToWriteIsIOFault(t *testing.T) {
	p, err := NewFSPersister(t.TempDir(), nil)
	require.NoError(t, err)
	st := finalState(t)
	st.FinalDocument, st.Finalized = nil, false

	_, err = p.Persist(context.Background(), nil, st)
	var fault *IOFault
	assert.True(t, errors.As(err, &fault), "got %v", err)
}

func TestPersist_UnwritableDirIsIOFault(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	p, err := NewFSPersister(filepath.Join(blocker, "sub"), nil)
	require.NoError(t, err)
	st := finalState(t)

	_, err = p.Persist(context.Background(), st.FinalDocument, st)
	var fault *IOFault
	require.True(t, errors.As(err, &fault), "got %v", err)
	assert.Equal(t, "mkdir", fault.Op)
}

func TestNewFSPersister_RejectsBadPattern(t *testing.T) {
	_, err := NewFSPersister(t.TempDir(), []string{"[unclosed"})
	assert.Error(t, err)
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"  Momentum & Mean Reversion  ": "momentum_mean_reversion",
		"!!!":                           "research_proposal",
		"":                              "research_proposal",
		"A very long research topic that goes on well beyond fifty characters": "a_very_long_research_topic_that_goes_on_well_beyon",
	}
	for in, want := range cases {
		assert.Equal(t, want, Slug(in), "Slug(%q)", in)
	}
}
