package resetdetect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-watch/internal/model"
)

type memStore struct {
	samples map[string][]model.Sample
	events  []model.ResetEvent
	err     error
}

func (m *memStore) RecentSamples(_ context.Context, sourceID string, limit int) ([]model.Sample, error) {
	if m.err != nil {
		return nil, m.err
	}
	list := m.samples[sourceID]
	var out []model.Sample
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (m *memStore) InsertResetEvent(_ context.Context, ev model.ResetEvent) error {
	m.events = append(m.events, ev)
	return nil
}

func pct(v float64) model.Sample {
	return model.Sample{Percentage: v, Used: v, Available: 100, IsAvailable: true}
}

func spend(v float64) model.Sample {
	return model.Sample{Used: v, IsAvailable: true}
}

func TestDetect_QuotaDrop(t *testing.T) {
	d := New(nil, Options{}, zerolog.Nop())

	typ, ok := d.Detect(model.KindQuota, pct(90), pct(20))
	assert.True(t, ok)
	assert.Equal(t, model.ResetQuota, typ)

	_, ok = d.Detect(model.KindQuota, pct(20), pct(30))
	assert.False(t, ok)

	_, ok = d.Detect(model.KindQuota, pct(40), pct(1))
	assert.False(t, ok, "previous usage must be above the high-water mark")
}

func TestDetect_UsageDrop(t *testing.T) {
	d := New(nil, Options{}, zerolog.Nop())

	typ, ok := d.Detect(model.KindUsageBased, spend(100), spend(70))
	assert.True(t, ok)
	assert.Equal(t, model.ResetUsage, typ)

	_, ok = d.Detect(model.KindUsageBased, spend(100), spend(95))
	assert.False(t, ok)

	_, ok = d.Detect(model.KindUsageBased, spend(0), spend(0))
	assert.False(t, ok)
}

func TestDetect_ExplicitScheduleWins(t *testing.T) {
	d := New(nil, Options{}, zerolog.Nop())
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	next := base.Add(24 * time.Hour)
	later := next.Add(24 * time.Hour)
	jitter := next.Add(30 * time.Second)

	prev := pct(30)
	prev.NextResetAt = &next
	cur := pct(35)
	cur.NextResetAt = &later

	typ, ok := d.Detect(model.KindQuota, prev, cur)
	assert.True(t, ok)
	assert.Equal(t, model.ResetQuota, typ)

	cur.NextResetAt = &jitter
	_, ok = d.Detect(model.KindQuota, prev, cur)
	assert.False(t, ok, "schedule moves within the slack are ignored")
}

func TestDetect_OverriddenThresholds(t *testing.T) {
	d := New(nil, Options{QuotaHighPct: 10, QuotaDropRatio: 0.9}, zerolog.Nop())
	_, ok := d.Detect(model.KindQuota, pct(20), pct(15))
	assert.True(t, ok)
}

func TestCheck_PersistsEvent(t *testing.T) {
	store := &memStore{samples: map[string][]model.Sample{
		"a": {pct(90), pct(20)},
		"b": {pct(20)},
	}}
	d := New(store, Options{}, zerolog.Nop())
	d.newID = func() string { return "fixed" }

	events, err := d.CheckAll(context.Background(), []model.Source{
		{ID: "a", DisplayName: "Alpha", Kind: model.KindQuota},
		{ID: "b", Kind: model.KindQuota},
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "fixed", events[0].ID)
	assert.Equal(t, "Alpha", events[0].SourceName)
	assert.Equal(t, 90.0, events[0].PreviousUsed)
	assert.Equal(t, 20.0, events[0].NewUsed)
	assert.Len(t, store.events, 1)
}

func TestCheck_StoreErrorPropagates(t *testing.T) {
	store := &memStore{err: errors.New("disk gone")}
	d := New(store, Options{}, zerolog.Nop())
	_, err := d.CheckAll(context.Background(), []model.Source{{ID: "a"}})
	require.Error(t, err)
}
