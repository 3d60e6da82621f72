package feature

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
)

type testFeature struct {
	UID         string `json:"uid"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (f testFeature) Meta() Meta {
	return Meta{UID: f.UID, Name: f.Name, Description: f.Description}
}

func openTestStore(t *testing.T) *Store[testFeature] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "features.db")
	db, err := kv.Open(path, kv.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewStore[testFeature](db, "systems", ids.NewAllocator(0))
	require.NoError(t, err)
	return s
}

func TestAddRejectsShortUID(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Add(testFeature{UID: "short", Name: "x"}, time.Time{})
	assert.Error(t, err)
}

func TestAddThenGet(t *testing.T) {
	s := openTestStore(t)
	key, err := s.Add(testFeature{UID: "urn:sys:0000001", Name: "sensor-1"}, time.Time{})
	require.NoError(t, err)
	assert.NotZero(t, key.InternalID)

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "sensor-1", got.Name)
}

func TestAddDuplicateUIDFails(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Add(testFeature{UID: "urn:sys:0000001", Name: "sensor-1"}, time.Time{})
	require.NoError(t, err)

	_, err = s.Add(testFeature{UID: "urn:sys:0000001", Name: "sensor-1-dup"}, time.Time{})
	assert.Error(t, err)
}

func TestAddVersionAndCurrentVersionResolution(t *testing.T) {
	s := openTestStore(t)
	t0 := time.Now().Add(-2 * time.Hour)
	key, err := s.Add(testFeature{UID: "urn:sys:0000001", Name: "v0"}, t0)
	require.NoError(t, err)

	t1 := time.Now().Add(-time.Hour)
	_, err = s.AddVersion(testFeature{UID: "urn:sys:0000001", Name: "v1"})
	require.NoError(t, err)
	_ = t1

	current, err := s.GetCurrentVersion(ByUID("urn:sys:0000001"))
	require.NoError(t, err)
	assert.Equal(t, "v1", current.Name)

	first, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "v0", first.Name)
}

func TestPutPreservesUID(t *testing.T) {
	s := openTestStore(t)
	key, err := s.Add(testFeature{UID: "urn:sys:0000001", Name: "v0"}, time.Time{})
	require.NoError(t, err)

	prev, err := s.Put(key, testFeature{UID: "urn:sys:0000001", Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "v0", prev.Name)

	got, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	_, err = s.Put(key, testFeature{UID: "urn:sys:0000002", Name: "wrong-uid"})
	assert.Error(t, err)
}

func TestSelectEntriesOrderAndClose(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := s.Add(testFeature{UID: "urn:sys:000000" + string(rune('1'+i)), Name: "n"}, time.Time{})
		require.NoError(t, err)
	}

	it, err := s.SelectEntries(nil, 0)
	require.NoError(t, err)
	defer it.Close()

	var ids []int64
	for {
		key, _, ok, nextErr := it.Next()
		require.NoError(t, nextErr)
		if !ok {
			break
		}
		ids = append(ids, key.InternalID)
	}
	assert.Len(t, ids, 5)
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}
}

func TestRemoveEntries(t *testing.T) {
	s := openTestStore(t)
	key, err := s.Add(testFeature{UID: "urn:sys:0000001", Name: "n"}, time.Time{})
	require.NoError(t, err)

	n, err := s.RemoveEntries(func(k Key, m Meta) bool { return k.InternalID == key.InternalID })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(key)
	assert.Error(t, err)
}
