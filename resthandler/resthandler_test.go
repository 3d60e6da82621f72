package resthandler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obshub.dev/hub/eventbus"
	"obshub.dev/hub/hub"
)

func decodeJSON(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func newTestServer(t *testing.T) (*echo.Echo, *hub.Hub) {
	t.Helper()
	h, err := hub.Open(hub.Config{
		StoragePath:    filepath.Join(t.TempDir(), "hub.db"),
		ExternalIDSalt: "resthandler-test-salt",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })

	bus := eventbus.New(nil)
	e := echo.New()
	Mount(e, "/api", h, bus, h.Codec)
	return e, h
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, r)
	return w
}

func TestSystemHandlerCreateListGet(t *testing.T) {
	e, _ := newTestServer(t)

	w := do(e, http.MethodPost, "/api/systems", `{"name":"weather-station","uid":"urn:sys:000000000042"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string][]string
	require.NoError(t, decodeJSON(w.Body.Bytes(), &created))
	require.Len(t, created["ids"], 1)
	id := created["ids"][0]
	require.NotEmpty(t, id)

	w = do(e, http.MethodGet, "/api/systems", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page Page[systemDTO]
	require.NoError(t, decodeJSON(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "weather-station", page.Items[0].Name)
	assert.Equal(t, id, page.Items[0].ID)
	assert.False(t, page.HasMore)

	w = do(e, http.MethodGet, "/api/systems/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got systemDTO
	require.NoError(t, decodeJSON(w.Body.Bytes(), &got))
	assert.Equal(t, "urn:sys:000000000042", got.UID)
}

func TestSystemHandlerCreateWithoutUID(t *testing.T) {
	// The handler generates a UID meeting the >=12 char minimum when
	// the caller omits one.
	e, _ := newTestServer(t)

	w := do(e, http.MethodPost, "/api/systems", `{"name":"anonymous-sensor"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(e, http.MethodGet, "/api/systems", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page Page[systemDTO]
	require.NoError(t, decodeJSON(w.Body.Bytes(), &page))
	require.Len(t, page.Items, 1)
	assert.GreaterOrEqual(t, len(page.Items[0].UID), 12)
}

func TestSystemHandlerGetMissingReturns404(t *testing.T) {
	e, _ := newTestServer(t)

	w := do(e, http.MethodGet, "/api/systems/not-a-real-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSystemHandlerUpdateAndDelete(t *testing.T) {
	e, _ := newTestServer(t)

	w := do(e, http.MethodPost, "/api/systems", `{"name":"original"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string][]string
	require.NoError(t, decodeJSON(w.Body.Bytes(), &created))
	id := created["ids"][0]

	w = do(e, http.MethodPut, "/api/systems/"+id, `{"name":"renamed"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(e, http.MethodGet, "/api/systems/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got systemDTO
	require.NoError(t, decodeJSON(w.Body.Bytes(), &got))
	assert.Equal(t, "renamed", got.Name)

	w = do(e, http.MethodDelete, "/api/systems/"+id, "")
	require.Equal(t, http.StatusNoContent, w.Code)

	w = do(e, http.MethodGet, "/api/systems/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSystemHandlerListPaging(t *testing.T) {
	e, _ := newTestServer(t)

	var bodies bytes.Buffer
	bodies.WriteString("[")
	for i := 0; i < 5; i++ {
		if i > 0 {
			bodies.WriteString(",")
		}
		bodies.WriteString(`{"name":"s` + string(rune('a'+i)) + `"}`)
	}
	bodies.WriteString("]")
	w := do(e, http.MethodPost, "/api/systems", bodies.String())
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(e, http.MethodGet, "/api/systems?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page Page[systemDTO]
	require.NoError(t, decodeJSON(w.Body.Bytes(), &page))
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)

	w = do(e, http.MethodGet, "/api/systems/count", "")
	require.Equal(t, http.StatusOK, w.Code)
	var count map[string]int
	require.NoError(t, decodeJSON(w.Body.Bytes(), &count))
	assert.Equal(t, 5, count["count"])
}

func TestFoiHandlerCreateGet(t *testing.T) {
	e, _ := newTestServer(t)

	w := do(e, http.MethodPost, "/api/fois", `{"name":"river-gauge-1"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created map[string][]string
	require.NoError(t, decodeJSON(w.Body.Bytes(), &created))
	id := created["ids"][0]

	w = do(e, http.MethodGet, "/api/fois/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got foiDTO
	require.NoError(t, decodeJSON(w.Body.Bytes(), &got))
	assert.Equal(t, "river-gauge-1", got.Name)
	assert.GreaterOrEqual(t, len(got.UID), 12)
}

func TestDataStreamAndObservationHandlers(t *testing.T) {
	e, h := newTestServer(t)

	w := do(e, http.MethodPost, "/api/systems", `{"name":"weather-station"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var createdSys map[string][]string
	require.NoError(t, decodeJSON(w.Body.Bytes(), &createdSys))
	sysID := createdSys["ids"][0]

	body := `{"systemId":"` + sysID + `","outputName":"temperature","recordStructure":{"name":"record","type":"record","children":[{"name":"time","type":"time"},{"name":"temperature","type":"double"}]},"recordEncoding":"json"}`
	w = do(e, http.MethodPost, "/api/datastreams", body)
	require.Equal(t, http.StatusCreated, w.Code)
	var createdDS map[string]string
	require.NoError(t, decodeJSON(w.Body.Bytes(), &createdDS))
	dsID := createdDS["id"]
	require.NotEmpty(t, dsID)

	obsBody := `{"phenomenonTime":"2026-01-01T00:00:00Z","resultTime":"2026-01-01T00:00:00Z","result":{"value":3.14}}`
	w = do(e, http.MethodPost, "/api/datastreams/"+dsID+"/observations", obsBody)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(e, http.MethodGet, "/api/datastreams/"+dsID+"/observations", "")
	require.Equal(t, http.StatusOK, w.Code)
	var obsPage Page[observationDTO]
	require.NoError(t, decodeJSON(w.Body.Bytes(), &obsPage))
	require.Len(t, obsPage.Items, 1)
	assert.Equal(t, 3.14, obsPage.Items[0].Result["value"])

	w = do(e, http.MethodGet, "/api/datastreams/"+dsID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var dsGot dataStreamDTO
	require.NoError(t, decodeJSON(w.Body.Bytes(), &dsGot))
	assert.Equal(t, "temperature", dsGot.OutputName)

	require.NotNil(t, h)
}
