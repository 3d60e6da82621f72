package hub

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"obshub.dev/hub/datastream"
	"obshub.dev/hub/feature"
	"obshub.dev/hub/filter"
	"obshub.dev/hub/foi"
	"obshub.dev/hub/observation"
	"obshub.dev/hub/system"
)

func openTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := Open(Config{
		StoragePath:    filepath.Join(t.TempDir(), "hub.db"),
		ExternalIDSalt: "test-salt",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestEndToEndRegisterObserveQuery(t *testing.T) {
	h := openTestHub(t)

	sysKey, err := h.Systems.Add(system.System{UID: "urn:sys:000000000042", Name: "weather-station"}, time.Time{})
	require.NoError(t, err)

	structure := datastream.RecordField{Name: "record", Type: "record", Children: []datastream.RecordField{
		{Name: "time", Type: "time"},
		{Name: "temperature", Type: "double"},
	}}
	dsKey, outcome, err := h.DataStreams.Register(sysKey.InternalID, "temperature", structure, "json")
	require.NoError(t, err)
	assert.Equal(t, datastream.OutcomeCreated, outcome)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = h.Observations.Add(dsKey.InternalID, observation.NoFOI, t0, observation.ObsData{
		PhenomenonTime: t0,
		ResultTime:     t0,
		ResultBlock:    map[string]any{"value": 3.14},
	})
	require.NoError(t, err)
	require.NoError(t, h.DataStreams.ExtendObservedTimeRange(dsKey.InternalID, t0, t0))

	rows, err := h.Observations.Scan(func(k observation.SeriesKey) bool {
		return k.DataStreamID == dsKey.InternalID
	}, nil, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3.14, rows[0].Data.ResultBlock["value"])

	d, err := h.DataStreams.Get(dsKey)
	require.NoError(t, err)
	assert.True(t, d.ObservedTimeBegin.Equal(t0))
}

func TestSystemFilterNestedDataStreamResolution(t *testing.T) {
	h := openTestHub(t)

	sysKey, err := h.Systems.Add(system.System{UID: "urn:sys:000000000001", Name: "sys-with-stream"}, time.Time{})
	require.NoError(t, err)
	_, err = h.Systems.Add(system.System{UID: "urn:sys:000000000002", Name: "sys-without-stream"}, time.Time{})
	require.NoError(t, err)

	structure := datastream.RecordField{Name: "record", Type: "record"}
	_, _, err = h.DataStreams.Register(sysKey.InternalID, "status", structure, "json")
	require.NoError(t, err)

	f := filter.NewSystemFilter().WithDataStreams(filter.NewDataStreamFilter())
	values, _, err := h.SelectSystems(f, time.Now())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "sys-with-stream", values[0].Name)
}

func TestOpenFromEnv(t *testing.T) {
	t.Setenv("TESTHUB_STORAGE_PATH", filepath.Join(t.TempDir(), "env.db"))
	t.Setenv("TESTHUB_ID_SALT", "env-salt")
	defer os.Unsetenv("TESTHUB_STORAGE_PATH")
	defer os.Unsetenv("TESTHUB_ID_SALT")

	h, err := OpenFromEnv("TESTHUB")
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Systems.Add(system.System{UID: "urn:sys:000000000777", Name: "env-configured"}, time.Time{})
	require.NoError(t, err)
}

func TestExternalIDRoundTrip(t *testing.T) {
	h := openTestHub(t)
	key, err := h.Systems.Add(system.System{UID: "urn:sys:000000000099", Name: "n"}, time.Time{})
	require.NoError(t, err)

	token, err := h.Codec.Encode(key.InternalID)
	require.NoError(t, err)
	assert.Equal(t, key.InternalID, h.Codec.Decode(token))
}

func TestDeleteSystemPurgesOnlyWhenUnreferenced(t *testing.T) {
	h := openTestHub(t)

	keep, err := h.Systems.Add(system.System{UID: "urn:sys:000000000201", Name: "keeps-stream"}, time.Time{})
	require.NoError(t, err)
	bare, err := h.Systems.Add(system.System{UID: "urn:sys:000000000202", Name: "no-stream"}, time.Time{})
	require.NoError(t, err)

	structure := datastream.RecordField{Name: "record", Type: "record"}
	_, _, err = h.DataStreams.Register(keep.InternalID, "status", structure, "json")
	require.NoError(t, err)

	// The referenced system tombstones but cannot be purged yet: its
	// data stream still points at it.
	count, err := h.DeleteSystem(keep.InternalID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = h.Systems.GetCurrentVersion(feature.ByID(keep.InternalID))
	assert.Error(t, err, "tombstoned system must not resolve as current")
	deleted, err := h.Systems.IsDeleted(keep.InternalID)
	require.NoError(t, err)
	assert.True(t, deleted, "referenced system stays tombstoned rather than vanishing")

	// The unreferenced system purges immediately.
	_, err = h.DeleteSystem(bare.InternalID)
	require.NoError(t, err)
	deleted, err = h.Systems.IsDeleted(bare.InternalID)
	require.NoError(t, err)
	assert.False(t, deleted, "unreferenced system's tombstone is purged, not left behind")

	// Dropping the data stream (no public removal API exists for it yet,
	// so the test reaches into its bucket directly) and sweeping again
	// reclaims the first system.
	require.NoError(t, h.ExecuteTransaction(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("datastreams"))
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if delErr := b.Delete(k); delErr != nil {
				return delErr
			}
		}
		return nil
	}))
	require.NoError(t, h.SweepTombstones())
	deleted, err = h.Systems.IsDeleted(keep.InternalID)
	require.NoError(t, err)
	assert.False(t, deleted, "sweep purges a tombstone once its data stream is gone")
}

func TestDeleteFoiPurgesOnlyWhenUnreferenced(t *testing.T) {
	h := openTestHub(t)

	sysKey, err := h.Systems.Add(system.System{UID: "urn:sys:000000000301", Name: "gauge-owner"}, time.Time{})
	require.NoError(t, err)
	structure := datastream.RecordField{Name: "record", Type: "record"}
	dsKey, _, err := h.DataStreams.Register(sysKey.InternalID, "level", structure, "json")
	require.NoError(t, err)

	observed, err := h.Fois.Add(foi.FOI{UID: "urn:foi:000000000401", Name: "river-gauge"}, time.Time{})
	require.NoError(t, err)
	unobserved, err := h.Fois.Add(foi.FOI{UID: "urn:foi:000000000402", Name: "spare-gauge"}, time.Time{})
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = h.Observations.Add(dsKey.InternalID, observed.InternalID, t0, observation.ObsData{
		PhenomenonTime: t0,
		ResultTime:     t0,
		ResultBlock:    map[string]any{"level": 1.2},
	})
	require.NoError(t, err)

	_, err = h.DeleteFoi(observed.InternalID)
	require.NoError(t, err)
	deleted, err := h.Fois.IsDeleted(observed.InternalID)
	require.NoError(t, err)
	assert.True(t, deleted, "FOI with a recorded observation stays tombstoned")

	_, err = h.DeleteFoi(unobserved.InternalID)
	require.NoError(t, err)
	deleted, err = h.Fois.IsDeleted(unobserved.InternalID)
	require.NoError(t, err)
	assert.False(t, deleted, "FOI with no observations purges immediately")
}
