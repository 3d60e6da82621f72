package datastream

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
	db, err := kv.Open(filepath.Join(t.TempDir(), "ds.db"), kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewStore(db, ids.NewAllocator(0))
	require.NoError(t, err)
	return s
}

func temperatureStructure() RecordField {
	return RecordField{Name: "record", Type: "record", Children: []RecordField{
		{Name: "time", Type: "time"},
		{Name: "temperature", Type: "double", Unit: "Cel"},
	}}
}

func TestRegisterCreatesOnFirstSighting(t *testing.T) {
	s := openTestStore(t)
	key, outcome, err := s.Register(1, "temp", temperatureStructure(), "json")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.NotZero(t, key.InternalID)
}

func TestRegisterNoOpOnIdenticalStructure(t *testing.T) {
	s := openTestStore(t)
	key1, _, err := s.Register(1, "temp", temperatureStructure(), "json")
	require.NoError(t, err)

	key2, outcome, err := s.Register(1, "temp", temperatureStructure(), "json")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, outcome)
	assert.Equal(t, key1, key2)
}

func TestRegisterUpdatesInPlaceOnCompatibleChange(t *testing.T) {
	s := openTestStore(t)
	key1, _, err := s.Register(1, "temp", temperatureStructure(), "json")
	require.NoError(t, err)

	relaxed := temperatureStructure()
	relaxed.Children[1].Unit = "degF" // unit differs, tree shape + leaf types unchanged

	key2, outcome, err := s.Register(1, "temp", relaxed, "json")
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdatedInPlace, outcome)
	assert.Equal(t, key1.InternalID, key2.InternalID)
	assert.True(t, key2.ValidTime.After(key1.ValidTime) || key2.ValidTime.Equal(key1.ValidTime))
}

func TestRegisterNewVersionOnIncompatibleChange(t *testing.T) {
	s := openTestStore(t)
	key1, _, err := s.Register(1, "temp", temperatureStructure(), "json")
	require.NoError(t, err)

	incompatible := RecordField{Name: "record", Type: "record", Children: []RecordField{
		{Name: "time", Type: "time"},
		{Name: "temperature", Type: "string"}, // leaf type changed: incompatible
	}}

	key2, outcome, err := s.Register(1, "temp", incompatible, "json")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNewVersion, outcome)
	assert.NotEqual(t, key1.InternalID, key2.InternalID)

	// the old stream id is still addressable.
	old, err := s.Get(key1)
	require.NoError(t, err)
	assert.Equal(t, "Cel", old.RecordStructure.Children[1].Unit)
}

func TestExtendObservedTimeRangeMonotonic(t *testing.T) {
	s := openTestStore(t)
	key, _, err := s.Register(1, "temp", temperatureStructure(), "json")
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	require.NoError(t, s.ExtendObservedTimeRange(key.InternalID, t1, t1))
	require.NoError(t, s.ExtendObservedTimeRange(key.InternalID, t0, t0))

	_, d, err := s.GetLatestByID(key.InternalID)
	require.NoError(t, err)
	assert.True(t, d.ObservedTimeBegin.Equal(t0))
	assert.True(t, d.ObservedTimeEnd.Equal(t1))
}
