package observation

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "obs.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db, ids.NewAllocator(0))
	require.NoError(t, err)
	return s
}

func TestAddAllocatesSeriesOnce(t *testing.T) {
	s := openTestStore(t)
	resultTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := resultTime
	t1 := resultTime.Add(time.Minute)

	id1, err := s.Add(1, NoFOI, resultTime, ObsData{PhenomenonTime: t0, ResultBlock: map[string]any{"value": 3.14}})
	require.NoError(t, err)
	id2, err := s.Add(1, NoFOI, resultTime, ObsData{PhenomenonTime: t1, ResultBlock: map[string]any{"value": 2.0}})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	key, err := s.GetSeries(id1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), key.DataStreamID)
	assert.Equal(t, NoFOI, key.FoiID)
}

func TestScanOrdersBySeriesThenPhenomenonTime(t *testing.T) {
	s := openTestStore(t)
	resultTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := resultTime
	t1 := resultTime.Add(time.Minute)

	_, err := s.Add(1, NoFOI, resultTime, ObsData{PhenomenonTime: t1, ResultBlock: nil})
	require.NoError(t, err)
	_, err = s.Add(1, NoFOI, resultTime, ObsData{PhenomenonTime: t0, ResultBlock: nil})
	require.NoError(t, err)

	rows, err := s.Scan(nil, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Data.PhenomenonTime.Equal(t0))
	assert.True(t, rows[1].Data.PhenomenonTime.Equal(t1))
}

func TestScanTimeGlobalOrdersByPhenomenonTime(t *testing.T) {
	s := openTestStore(t)
	resultTime := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := resultTime
	t1 := resultTime.Add(time.Minute)

	_, err := s.Add(1, NoFOI, resultTime, ObsData{PhenomenonTime: t1})
	require.NoError(t, err)
	_, err = s.Add(1, NoFOI, resultTime, ObsData{PhenomenonTime: t0})
	require.NoError(t, err)

	rows, err := s.Scan(nil, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Data.PhenomenonTime.Equal(t0))
	assert.True(t, rows[1].Data.PhenomenonTime.Equal(t1))
}

func TestScanFiltersBySeries(t *testing.T) {
	s := openTestStore(t)
	resultTime := time.Now()
	_, err := s.Add(1, NoFOI, resultTime, ObsData{PhenomenonTime: resultTime, ResultBlock: map[string]any{"v": 1.0}})
	require.NoError(t, err)
	_, err = s.Add(2, NoFOI, resultTime, ObsData{PhenomenonTime: resultTime, ResultBlock: map[string]any{"v": 2.0}})
	require.NoError(t, err)

	rows, err := s.Scan(func(k SeriesKey) bool { return k.DataStreamID == 2 }, nil, false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Series.DataStreamID)
}
