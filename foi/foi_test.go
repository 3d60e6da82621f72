package foi

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obshub.dev/hub/filter"
	"obshub.dev/hub/ids"
	"obshub.dev/hub/kv"
)

func TestAddAndSelectMatching(t *testing.T) {
	db, err := kv.Open(filepath.Join(t.TempDir(), "fois.db"), kv.Options{})
	require.NoError(t, err)
	defer db.Close()

	s, err := NewStore(db, ids.NewAllocator(0))
	require.NoError(t, err)

	_, err = s.Add(FOI{UID: "urn:foi:0000001", Name: "lake-1"}, time.Time{})
	require.NoError(t, err)

	values, _, err := s.SelectMatching(filter.NewFoiFilter().WithUIDs("urn:foi:0000001"), time.Now())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "lake-1", values[0].Name)
}
