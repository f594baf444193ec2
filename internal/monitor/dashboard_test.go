package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/quota"
	"github.com/fyrsmithlabs/ragd/internal/rag"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
)

type fakeSource struct {
	status *quota.Status
	stats  *rag.Stats
	err    error
}

func (f *fakeSource) Quota(context.Context) (*quota.Status, error) { return f.status, f.err }
func (f *fakeSource) Stats(context.Context) (*rag.Stats, error)    { return f.stats, f.err }

func testStatus() *quota.Status {
	return &quota.Status{
		TenantID: "alice",
		Plan:     quota.PlanFree,
		Dimensions: map[quota.Dimension]quota.DimensionStatus{
			quota.DimDocuments:    {Current: 15, Max: 20, Percentage: 75},
			quota.DimVectors:      {Current: 120, Max: 1000, Percentage: 12},
			quota.DimStorageBytes: {Current: 2048, Max: 1024 * 1024, Percentage: 0.2},
			quota.DimUploads:      {Current: 3, Max: 10, Percentage: 30},
			quota.DimQueries:      {Current: 99, Max: 100, Percentage: 99},
		},
		Periods: map[quota.Dimension]string{
			quota.DimUploads: "2026-10-16",
			quota.DimQueries: "2026-10",
		},
	}
}

func newTestModel() (Model, *fakeSource) {
	src := &fakeSource{
		status: testStatus(),
		stats:  &rag.Stats{Stats: vectorstore.Stats{Documents: 15, Vectors: 120}, Plan: quota.PlanFree},
	}
	return NewModel(src, "http://localhost:9090", 5*time.Second), src
}

func TestNewModel(t *testing.T) {
	model, _ := newTestModel()
	assert.Equal(t, "http://localhost:9090", model.server)
	assert.Equal(t, 5*time.Second, model.interval)
	assert.False(t, model.quitting)
	assert.NotNil(t, model.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	model, _ := newTestModel()
	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	m := updated.(Model)
	assert.True(t, m.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestModel_Update_RefreshKey(t *testing.T) {
	model, src := newTestModel()
	updated, cmd := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'r'}})
	assert.False(t, updated.(Model).quitting)
	require.NotNil(t, cmd)

	msg := cmd()
	snap, ok := msg.(snapshotMsg)
	require.True(t, ok)
	assert.Same(t, src.status, snap.Status)
}

func TestModel_Update_TickMsg(t *testing.T) {
	model, _ := newTestModel()
	_, cmd := model.Update(tickMsg(time.Now()))
	assert.NotNil(t, cmd)
}

func TestModel_Update_Snapshot(t *testing.T) {
	model, src := newTestModel()

	updated, cmd := model.Update(snapshotMsg{Status: src.status, Stats: src.stats})
	m := updated.(Model)
	assert.Nil(t, cmd)
	assert.False(t, m.lastUpdate.IsZero())
	assert.Equal(t, []float64{15}, m.history[quota.DimDocuments])

	updated, _ = m.Update(snapshotMsg{Status: src.status, Stats: src.stats})
	m2 := updated.(Model)
	assert.Equal(t, []float64{15, 15}, m2.history[quota.DimDocuments])
	assert.Equal(t, []float64{15}, m.history[quota.DimDocuments], "earlier model is not mutated")
}

func TestModel_Update_Error(t *testing.T) {
	model, src := newTestModel()
	src.err = errors.New("connection refused")

	msg := fetch(src)()
	updated, cmd := model.Update(msg)
	m := updated.(Model)
	assert.Nil(t, cmd)
	require.Error(t, m.err)

	view := m.View()
	assert.Contains(t, view, "Cannot fetch usage from ragd")
	assert.Contains(t, view, "connection refused")
	assert.Contains(t, view, "http://localhost:9090")
	assert.Contains(t, view, "[r] retry")

	src.err = nil
	updated, _ = m.Update(fetch(src)())
	assert.NoError(t, updated.(Model).err, "a successful poll clears the error")
}

func TestModel_View_WithSnapshot(t *testing.T) {
	model, src := newTestModel()
	updated, _ := model.Update(snapshotMsg{Status: src.status, Stats: src.stats})
	m := updated.(Model)
	m.lastUpdate = time.Date(2026, 1, 1, 12, 34, 56, 0, time.UTC)

	view := m.View()
	assert.Contains(t, view, "ragd Quota Monitor")
	assert.Contains(t, view, "12:34:56")
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "free")
	assert.Contains(t, view, "15 / 20")
	assert.Contains(t, view, "2.0 KB / 1.0 MB")
	assert.Contains(t, view, "2026-10-16")
	assert.Contains(t, view, "CRITICAL")
	assert.Contains(t, view, "[q]")
}

func TestModel_View_NoData(t *testing.T) {
	model, _ := newTestModel()
	view := model.View()
	assert.Contains(t, view, "ragd Quota Monitor")
	assert.Contains(t, view, "Waiting for data")
	assert.Contains(t, view, "[q]")
}

func TestHistoryIsBounded(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}

func TestStatusBadge(t *testing.T) {
	assert.Contains(t, statusBadge(10), "OK")
	assert.Contains(t, statusBadge(75), "NEAR LIMIT")
	assert.Contains(t, statusBadge(95), "CRITICAL")
	assert.Contains(t, statusBadge(100), "AT LIMIT")
}
