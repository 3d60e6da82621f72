package resthandler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"obshub.dev/hub/eventbus"
	"obshub.dev/hub/feature"
	"obshub.dev/hub/filter"
	"obshub.dev/hub/hub"
	"obshub.dev/hub/obserr"
	"obshub.dev/hub/system"
)

// SystemHandler wires the hub's system store and the event bus's
// "urn:osh:system:<uid>" status topic to the REST surface, one echo
// method per operation, in a concrete-handler style rather than a
// class hierarchy.
type SystemHandler struct {
	Deps
	Hub *hub.Hub
	Bus *eventbus.Bus
}

func (h *SystemHandler) buildFilter(c echo.Context) (filter.SystemFilter, error) {
	q := c.QueryParams()
	f := filter.NewSystemFilter()
	if uids := UIDs(q); len(uids) > 0 {
		f = f.WithUIDs(uids...)
	}
	temporal, err := ParseTemporal(q.Get("validTime"))
	if err != nil {
		return filter.SystemFilter{}, err
	}
	f = f.WithTemporal(temporal)
	if bbox, err := ParseBBox(q); err != nil {
		return filter.SystemFilter{}, err
	} else if bbox != nil {
		f = f.WithSpatial(filter.NewSpatial(*bbox, filter.OpIntersects, 0))
	}
	if geom, err := ParseGeom(q); err != nil {
		return filter.SystemFilter{}, err
	} else if geom != nil {
		f = f.WithSpatial(filter.NewSpatial(*geom, filter.OpIntersects, 0))
	}
	if props := Properties(q); len(props) > 0 {
		f = f.WithProperties(props...)
	}
	if fois := DecodeIDs(q, "foi", h.Codec); len(fois) > 0 {
		f = f.WithFois(filter.NewFoiFilter().WithInternalIDs(fois...))
	}
	if streams := DecodeIDs(q, "datastream", h.Codec); len(streams) > 0 {
		f = f.WithDataStreams(filter.NewDataStreamFilter().WithInternalIDs(streams...))
	}
	return f, nil
}

// systemDTO is the wire shape for a system: the internal/parent IDs are
// rendered in scrambled external form.
type systemDTO struct {
	ID          string         `json:"id"`
	UID         string         `json:"uid"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	ParentID    string         `json:"parentId,omitempty"`
	SMLVersion  string         `json:"smlVersion,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func (h *SystemHandler) toDTO(key feature.Key, s system.System) systemDTO {
	dto := systemDTO{
		ID:          EncodeID(h.Codec, key.InternalID),
		UID:         s.UID,
		Name:        s.Name,
		Description: s.Description,
		SMLVersion:  s.SMLVersion,
		Properties:  s.Properties,
	}
	if s.ParentID != 0 {
		dto.ParentID = EncodeID(h.Codec, s.ParentID)
	}
	return dto
}

// List handles GET /systems.
func (h *SystemHandler) List(c echo.Context) error {
	f, err := h.buildFilter(c)
	if err != nil {
		return WriteError(c, err)
	}
	offset, limit := ParsePage(c.QueryParams())
	f = f.WithLimit(offset + requestLimitPlusOne(limit))

	systems, keys, err := h.Hub.SelectSystems(f, Now())
	if err != nil {
		return WriteError(c, err)
	}
	if offset > len(systems) {
		offset = len(systems)
	}
	systems, keys = systems[offset:], keys[offset:]

	dtos := make([]systemDTO, 0, len(systems))
	for i, s := range systems {
		dtos = append(dtos, h.toDTO(keys[i], s))
	}
	page, hasMore := Paginate(dtos, limit)
	return c.JSON(http.StatusOK, Page[systemDTO]{Items: page, Offset: offset, Limit: limit, HasMore: hasMore})
}

// Count handles GET /systems/count.
func (h *SystemHandler) Count(c echo.Context) error {
	f, err := h.buildFilter(c)
	if err != nil {
		return WriteError(c, err)
	}
	_, keys, err := h.Hub.SelectSystems(f, Now())
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": len(keys)})
}

// Get handles GET /systems/{id}, and GET /systems/{id}?stream=true by
// delegating to Stream.
func (h *SystemHandler) Get(c echo.Context) error {
	if c.QueryParam("stream") == "true" {
		return h.Stream(c)
	}
	id, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	s, err := h.Hub.Systems.GetCurrentVersion(feature.ByID(id))
	if err != nil {
		return WriteError(c, err)
	}
	key, err := h.Hub.Systems.GetCurrentVersionKey(feature.ByID(id))
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, h.toDTO(key, s))
}

// Stream upgrades GET /systems/{id}?stream=true to a WebSocket feed of
// the system's "urn:osh:system:<uid>" status topic.
func (h *SystemHandler) Stream(c echo.Context) error {
	id, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	s, err := h.Hub.Systems.GetCurrentVersion(feature.ByID(id))
	if err != nil {
		return WriteError(c, err)
	}
	topic := "urn:osh:system:" + s.UID
	return StreamTopic(c, h.Bus, topic, nil)
}

type systemBody struct {
	UID         string           `json:"uid"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	ParentID    string           `json:"parentId"`
	SMLVersion  string           `json:"smlVersion"`
	Properties  map[string]any   `json:"properties"`
	Geom        *filter.Geometry `json:"geom"`
}

func (h *SystemHandler) decodeBody(b systemBody) system.System {
	uid := b.UID
	if uid == "" {
		uid = GenerateUID("urn:osh:system:")
	}
	s := system.System{
		UID:         uid,
		Name:        b.Name,
		Description: b.Description,
		SMLVersion:  b.SMLVersion,
		Properties:  b.Properties,
		Geom:        b.Geom,
	}
	if b.ParentID != "" {
		s.ParentID = h.Codec.Decode(b.ParentID)
	}
	return s
}

// Create handles POST /systems: one or many system records in the body.
func (h *SystemHandler) Create(c echo.Context) error {
	var bodies []systemBody
	if err := bindOneOrMany(c, &bodies); err != nil {
		return WriteError(c, err)
	}
	ids := make([]string, 0, len(bodies))
	for _, b := range bodies {
		s := h.decodeBody(b)
		key, err := h.Hub.Systems.Add(s, Now())
		if err != nil {
			return WriteError(c, err)
		}
		ids = append(ids, EncodeID(h.Codec, key.InternalID))
	}
	return c.JSON(http.StatusCreated, map[string][]string{"ids": ids})
}

// Update handles PUT /systems/{id}.
func (h *SystemHandler) Update(c echo.Context) error {
	id, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	var b systemBody
	if err := c.Bind(&b); err != nil {
		return WriteError(c, obserr.New(obserr.KindParse, "SystemHandler.Update", err))
	}
	key, err := h.Hub.Systems.GetCurrentVersionKey(feature.ByID(id))
	if err != nil {
		return WriteError(c, err)
	}
	if b.UID == "" {
		current, getErr := h.Hub.Systems.Get(key)
		if getErr != nil {
			return WriteError(c, getErr)
		}
		b.UID = current.UID
	}
	if _, err := h.Hub.Systems.Put(key, h.decodeBody(b)); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Delete handles DELETE /systems/{id}: the system is tombstoned, and
// purged immediately if nothing still references it.
func (h *SystemHandler) Delete(c echo.Context) error {
	id, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	if _, err := h.Hub.DeleteSystem(id); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RegisterRoutes mounts every system operation under g (typically
// e.Group("/systems")).
func (h *SystemHandler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/count", h.Count)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}
