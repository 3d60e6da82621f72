package kv

import (
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.db")
	db, err := Open(path, Options{AutoCommitPeriod: time.Hour, AutoCommitBufferBytes: 1 << 20})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureBucket("things"))
	return db
}

func TestUpdateAndView(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("things"))
		return b.Put(BE64(1), []byte("one"))
	})
	require.NoError(t, err)

	var got []byte
	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("things"))
		got = append([]byte(nil), b.Get(BE64(1))...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("things"))
		if putErr := b.Put(BE64(1), []byte("doomed")); putErr != nil {
			return putErr
		}
		return assert.AnError
	})
	require.Error(t, err)

	err = db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("things"))
		assert.Nil(t, b.Get(BE64(1)))
		return nil
	})
	require.NoError(t, err)
}

func TestReadOnlyRejectsUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.db")
	db, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, db.EnsureBucket("things"))
	require.NoError(t, db.Close())

	ro, err := Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	err = ro.Update(func(tx *bolt.Tx) error { return nil })
	assert.Error(t, err)
}

func TestBE64Ordering(t *testing.T) {
	assert.True(t, string(BE64(1)) < string(BE64(2)))
	assert.True(t, string(BE64(255)) < string(BE64(256)))
	assert.Equal(t, int64(12345), DecodeBE64(BE64(12345)))
}

func TestScanPrefixAndRange(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("things"))
		for _, id := range []int64{1, 2, 3, 10} {
			if err := b.Put(Concat([]byte("s1:"), BE64(id)), []byte("v")); err != nil {
				return err
			}
		}
		return b.Put(Concat([]byte("s2:"), BE64(1)), []byte("other-series"))
	}))

	var keys [][]byte
	err := db.View(func(tx *bolt.Tx) error {
		return ScanPrefix(tx, "things", []byte("s1:"), func(k, v []byte) error {
			keys = append(keys, append([]byte(nil), k...))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	var ranged [][]byte
	err = db.View(func(tx *bolt.Tx) error {
		start := Concat([]byte("s1:"), BE64(2))
		end := Concat([]byte("s1:"), BE64(10))
		return ScanRange(tx, "things", start, end, func(k, v []byte) error {
			ranged = append(ranged, append([]byte(nil), k...))
			return nil
		})
	})
	require.NoError(t, err)
	assert.Len(t, ranged, 2) // ids 2 and 3, end exclusive
}

type versionedPayload struct {
	Name string `json:"name"`
}

func TestEncodeDecodeVersioned(t *testing.T) {
	data, err := EncodeVersioned(1, versionedPayload{Name: "sensor-1"})
	require.NoError(t, err)

	var out versionedPayload
	require.NoError(t, DecodeVersioned(data, 1, &out))
	assert.Equal(t, "sensor-1", out.Name)

	require.NoError(t, DecodeVersioned(data, 2, &out)) // reader newer than writer: fine

	err = DecodeVersioned(data, 0, &out) // reader older than writer: rejected
	assert.Error(t, err)
}
