package resthandler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"obshub.dev/hub/datastream"
	"obshub.dev/hub/eventbus"
	"obshub.dev/hub/feature"
	"obshub.dev/hub/filter"
	"obshub.dev/hub/hub"
	"obshub.dev/hub/observation"
)

// DataStreamHandler wires the hub's data-stream store and the event
// bus's "urn:osh:system:<uid>/<stream>" topic to the REST surface.
type DataStreamHandler struct {
	Deps
	Hub *hub.Hub
	Bus *eventbus.Bus
}

func (h *DataStreamHandler) buildFilter(c echo.Context) (filter.DataStreamFilter, error) {
	q := c.QueryParams()
	f := filter.NewDataStreamFilter()
	temporal, err := ParseTemporal(q.Get("validTime"))
	if err != nil {
		return filter.DataStreamFilter{}, err
	}
	f = f.WithTemporal(temporal)
	if systems := DecodeIDs(q, "system", h.Codec); len(systems) > 0 {
		f = f.WithSystems(systems...)
	}
	if fois := DecodeIDs(q, "foi", h.Codec); len(fois) > 0 {
		f = f.WithFois(filter.NewFoiFilter().WithInternalIDs(fois...))
	}
	return f, nil
}

type dataStreamDTO struct {
	ID                string                `json:"id"`
	SystemID          string                `json:"systemId"`
	OutputName        string                `json:"outputName"`
	RecordStructure   datastream.RecordField `json:"recordStructure"`
	RecordEncoding    string                `json:"recordEncoding"`
	ObservedTimeBegin string                `json:"observedTimeBegin,omitempty"`
	ObservedTimeEnd   string                `json:"observedTimeEnd,omitempty"`
}

func (h *DataStreamHandler) toDTO(key datastream.Key, d datastream.Descriptor) dataStreamDTO {
	dto := dataStreamDTO{
		ID:              EncodeID(h.Codec, key.InternalID),
		SystemID:        EncodeID(h.Codec, d.SystemID),
		OutputName:      d.OutputName,
		RecordStructure: d.RecordStructure,
		RecordEncoding:  d.RecordEncoding,
	}
	if !d.ObservedTimeBegin.IsZero() {
		dto.ObservedTimeBegin = d.ObservedTimeBegin.Format(timeFormat)
		dto.ObservedTimeEnd = d.ObservedTimeEnd.Format(timeFormat)
	}
	return dto
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// List handles GET /datastreams (optionally scoped by ?system=<id>).
func (h *DataStreamHandler) List(c echo.Context) error {
	f, err := h.buildFilter(c)
	if err != nil {
		return WriteError(c, err)
	}
	offset, limit := ParsePage(c.QueryParams())
	f = f.WithLimit(offset + requestLimitPlusOne(limit))

	keys, descs, err := h.Hub.DataStreams.SelectMatching(f, Now(), h.observedFoisOf)
	if err != nil {
		return WriteError(c, err)
	}
	if offset > len(keys) {
		offset = len(keys)
	}
	keys, descs = keys[offset:], descs[offset:]

	dtos := make([]dataStreamDTO, 0, len(keys))
	for i := range keys {
		dtos = append(dtos, h.toDTO(keys[i], descs[i]))
	}
	page, hasMore := Paginate(dtos, limit)
	return c.JSON(http.StatusOK, Page[dataStreamDTO]{Items: page, Offset: offset, Limit: limit, HasMore: hasMore})
}

// observedFoisOf resolves the distinct FOIs a data stream has recorded
// observations for, for DataStreamFilter's nested FOI test — the same
// cross-store resolution hub.Hub.observedFoisOfStream performs, kept
// here too since that one is unexported and this package lists data
// streams independently of any enclosing system.
func (h *DataStreamHandler) observedFoisOf(dataStreamID int64) []filter.Candidate {
	rows, err := h.Hub.Observations.Scan(func(k observation.SeriesKey) bool {
		return k.DataStreamID == dataStreamID
	}, nil, false)
	if err != nil {
		return nil
	}
	seen := make(map[int64]bool)
	var out []filter.Candidate
	for _, r := range rows {
		if r.Series.FoiID == observation.NoFOI || seen[r.Series.FoiID] {
			continue
		}
		seen[r.Series.FoiID] = true
		f, getErr := h.Hub.Fois.GetCurrentVersion(feature.ByID(r.Series.FoiID))
		if getErr != nil {
			continue
		}
		out = append(out, filter.Candidate{InternalID: r.Series.FoiID, UID: f.UID, Properties: f.Properties, Geom: f.Geom})
	}
	return out
}

// Count handles GET /datastreams/count.
func (h *DataStreamHandler) Count(c echo.Context) error {
	f, err := h.buildFilter(c)
	if err != nil {
		return WriteError(c, err)
	}
	keys, _, err := h.Hub.DataStreams.SelectMatching(f, Now(), h.observedFoisOf)
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": len(keys)})
}

// Get handles GET /datastreams/{id} and, with stream=true, a live feed
// of observations on that stream.
func (h *DataStreamHandler) Get(c echo.Context) error {
	id, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	if c.QueryParam("stream") == "true" {
		return h.stream(c, id)
	}
	key, d, err := h.Hub.DataStreams.GetLatestByID(id)
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, h.toDTO(key, d))
}

func (h *DataStreamHandler) stream(c echo.Context, id int64) error {
	_, d, err := h.Hub.DataStreams.GetLatestByID(id)
	if err != nil {
		return WriteError(c, err)
	}
	s, err := h.Hub.Systems.GetCurrentVersion(feature.ByID(d.SystemID))
	if err != nil {
		return WriteError(c, err)
	}
	topic := "urn:osh:system:" + s.UID + "/" + d.OutputName
	return StreamTopic(c, h.Bus, topic, nil)
}

type registerDataStreamBody struct {
	SystemID        string                  `json:"systemId"`
	OutputName      string                  `json:"outputName"`
	RecordStructure datastream.RecordField  `json:"recordStructure"`
	RecordEncoding  string                  `json:"recordEncoding"`
}

// Create handles POST /datastreams, running datastream.Store.Register's
// five-step registration algorithm.
func (h *DataStreamHandler) Create(c echo.Context) error {
	var b registerDataStreamBody
	if err := c.Bind(&b); err != nil {
		return WriteError(c, err)
	}
	systemID := h.Codec.Decode(b.SystemID)
	if systemID <= 0 {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "system not found"})
	}
	key, _, err := h.Hub.DataStreams.Register(systemID, b.OutputName, b.RecordStructure, b.RecordEncoding)
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": EncodeID(h.Codec, key.InternalID)})
}

// RegisterRoutes mounts every data-stream operation under g.
func (h *DataStreamHandler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/count", h.Count)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
}
