package resthandler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"obshub.dev/hub/eventbus"
	"obshub.dev/hub/feature"
	"obshub.dev/hub/filter"
	"obshub.dev/hub/hub"
	"obshub.dev/hub/observation"
)

// ObservationHandler wires the hub's observation store to the REST
// surface. Observations are always listed nested under a data stream,
// since an unscoped global scan across every series would defeat the
// store's per-stream index.
type ObservationHandler struct {
	Deps
	Hub *hub.Hub
	Bus *eventbus.Bus
}

func (h *ObservationHandler) buildFilter(c echo.Context) (filter.ObsFilter, error) {
	q := c.QueryParams()
	f := filter.NewObsFilter()
	phenomenon, err := ParseTemporal(q.Get("phenomenonTime"))
	if err != nil {
		return filter.ObsFilter{}, err
	}
	f = f.WithPhenomenonTime(phenomenon)
	resultTime, err := ParseTemporal(q.Get("resultTime"))
	if err != nil {
		return filter.ObsFilter{}, err
	}
	f = f.WithResultTime(resultTime)
	if fois := DecodeIDs(q, "foi", h.Codec); len(fois) > 0 {
		f = f.WithFois(fois...)
	}
	if streams := DecodeIDs(q, "datastream", h.Codec); len(streams) > 0 {
		f = f.WithDataStreams(streams...)
	}
	if props := Properties(q); len(props) > 0 {
		f = f.WithProperties(props...)
	}
	return f, nil
}

type observationDTO struct {
	PhenomenonTime string         `json:"phenomenonTime"`
	ResultTime     string         `json:"resultTime"`
	FoiID          string         `json:"foiId,omitempty"`
	Result         map[string]any `json:"result"`
}

func (h *ObservationHandler) toDTO(r observation.Row) observationDTO {
	dto := observationDTO{
		PhenomenonTime: r.Data.PhenomenonTime.Format(timeFormat),
		ResultTime:     r.Data.ResultTime.Format(timeFormat),
		Result:         r.Data.ResultBlock,
	}
	if r.Series.FoiID != observation.NoFOI {
		dto.FoiID = EncodeID(h.Codec, r.Series.FoiID)
	}
	return dto
}

// List handles GET /datastreams/{id}/observations.
func (h *ObservationHandler) List(c echo.Context) error {
	streamID, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	f, err := h.buildFilter(c)
	if err != nil {
		return WriteError(c, err)
	}
	f = f.WithDataStreams(streamID)
	offset, limit := ParsePage(c.QueryParams())

	now := Now()
	rows, err := h.Hub.Observations.Scan(
		func(k observation.SeriesKey) bool { return k.DataStreamID == streamID },
		func(r observation.Row) bool {
			return f.Test(toObsCandidate(r), now)
		},
		true,
	)
	if err != nil {
		return WriteError(c, err)
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	rows = rows[offset:]
	fetch := requestLimitPlusOne(limit)
	if fetch > 0 && len(rows) > fetch {
		rows = rows[:fetch]
	}

	dtos := make([]observationDTO, 0, len(rows))
	for _, r := range rows {
		dtos = append(dtos, h.toDTO(r))
	}
	page, hasMore := Paginate(dtos, limit)
	return c.JSON(http.StatusOK, Page[observationDTO]{Items: page, Offset: offset, Limit: limit, HasMore: hasMore})
}

func toObsCandidate(r observation.Row) filter.ObsCandidate {
	return filter.ObsCandidate{
		DataStreamID:   r.Series.DataStreamID,
		FoiID:          r.Series.FoiID,
		PhenomenonTime: r.Data.PhenomenonTime,
		ResultTime:     r.Data.ResultTime,
		ResultFields:   r.Data.ResultBlock,
	}
}

// Count handles GET /datastreams/{id}/observations/count.
func (h *ObservationHandler) Count(c echo.Context) error {
	streamID, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	f, err := h.buildFilter(c)
	if err != nil {
		return WriteError(c, err)
	}
	f = f.WithDataStreams(streamID)
	now := Now()
	count, err := h.Hub.Observations.Count(
		func(k observation.SeriesKey) bool { return k.DataStreamID == streamID },
		func(r observation.Row) bool { return f.Test(toObsCandidate(r), now) },
	)
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": count})
}

// Stream handles GET /datastreams/{id}/observations?stream=true.
func (h *ObservationHandler) Stream(c echo.Context) error {
	streamID, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	_, d, err := h.Hub.DataStreams.GetLatestByID(streamID)
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

type observationBody struct {
	PhenomenonTime *time.Time     `json:"phenomenonTime"`
	ResultTime     *time.Time     `json:"resultTime"`
	FoiID          string         `json:"foiId"`
	Result         map[string]any `json:"result"`
}

// Create handles POST /datastreams/{id}/observations: 1..N observations
// appended directly to the store (bypassing the persistence bridge,
// which exists for producer-event ingestion rather than REST writes).
func (h *ObservationHandler) Create(c echo.Context) error {
	streamID, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	var bodies []observationBody
	if err := bindOneOrMany(c, &bodies); err != nil {
		return WriteError(c, err)
	}

	now := Now()
	for _, b := range bodies {
		foiID := observation.NoFOI
		if b.FoiID != "" {
			foiID = h.Codec.Decode(b.FoiID)
			if foiID <= 0 {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "foi not found"})
			}
		}
		phenomenonTime := now
		if b.PhenomenonTime != nil {
			phenomenonTime = *b.PhenomenonTime
		}
		resultTime := now
		if b.ResultTime != nil {
			resultTime = *b.ResultTime
		}
		if _, err := h.Hub.Observations.Add(streamID, foiID, resultTime, observation.ObsData{
			PhenomenonTime: phenomenonTime,
			ResultTime:     resultTime,
			ResultBlock:    b.Result,
		}); err != nil {
			return WriteError(c, err)
		}
		if err := h.Hub.DataStreams.ExtendObservedTimeRange(streamID, phenomenonTime, resultTime); err != nil {
			return WriteError(c, err)
		}
	}
	return c.NoContent(http.StatusCreated)
}

// RegisterRoutes mounts the observation sub-collection under the given
// data-stream group (e.g. e.Group("/datastreams/:id/observations")).
func (h *ObservationHandler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.dispatch)
	g.GET("/count", h.Count)
	g.POST("", h.Create)
}

func (h *ObservationHandler) dispatch(c echo.Context) error {
	if c.QueryParam("stream") == "true" {
		return h.Stream(c)
	}
	return h.List(c)
}
