package resthandler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"obshub.dev/hub/eventbus"
	"obshub.dev/hub/feature"
	"obshub.dev/hub/filter"
	"obshub.dev/hub/foi"
	"obshub.dev/hub/hub"
	"obshub.dev/hub/obserr"
)

// FoiHandler wires the hub's feature-of-interest store to the REST
// surface.
type FoiHandler struct {
	Deps
	Hub *hub.Hub
	Bus *eventbus.Bus
}

func (h *FoiHandler) buildFilter(c echo.Context) (filter.FoiFilter, error) {
	q := c.QueryParams()
	f := filter.NewFoiFilter()
	if uids := UIDs(q); len(uids) > 0 {
		f = f.WithUIDs(uids...)
	}
	temporal, err := ParseTemporal(q.Get("validTime"))
	if err != nil {
		return filter.FoiFilter{}, err
	}
	f = f.WithTemporal(temporal)
	if bbox, err := ParseBBox(q); err != nil {
		return filter.FoiFilter{}, err
	} else if bbox != nil {
		f = f.WithSpatial(filter.NewSpatial(*bbox, filter.OpIntersects, 0))
	}
	if geom, err := ParseGeom(q); err != nil {
		return filter.FoiFilter{}, err
	} else if geom != nil {
		f = f.WithSpatial(filter.NewSpatial(*geom, filter.OpIntersects, 0))
	}
	if props := Properties(q); len(props) > 0 {
		f = f.WithProperties(props...)
	}
	return f, nil
}

type foiDTO struct {
	ID          string         `json:"id"`
	UID         string         `json:"uid"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func (h *FoiHandler) toDTO(key feature.Key, f foi.FOI) foiDTO {
	return foiDTO{
		ID:          EncodeID(h.Codec, key.InternalID),
		UID:         f.UID,
		Name:        f.Name,
		Description: f.Description,
		Properties:  f.Properties,
	}
}

// List handles GET /fois.
func (h *FoiHandler) List(c echo.Context) error {
	f, err := h.buildFilter(c)
	if err != nil {
		return WriteError(c, err)
	}
	offset, limit := ParsePage(c.QueryParams())
	f = f.WithLimit(offset + requestLimitPlusOne(limit))

	fois, keys, err := h.Hub.Fois.SelectMatching(f, Now())
	if err != nil {
		return WriteError(c, err)
	}
	if offset > len(fois) {
		offset = len(fois)
	}
	fois, keys = fois[offset:], keys[offset:]

	dtos := make([]foiDTO, 0, len(fois))
	for i, v := range fois {
		dtos = append(dtos, h.toDTO(keys[i], v))
	}
	page, hasMore := Paginate(dtos, limit)
	return c.JSON(http.StatusOK, Page[foiDTO]{Items: page, Offset: offset, Limit: limit, HasMore: hasMore})
}

// Count handles GET /fois/count.
func (h *FoiHandler) Count(c echo.Context) error {
	f, err := h.buildFilter(c)
	if err != nil {
		return WriteError(c, err)
	}
	_, keys, err := h.Hub.Fois.SelectMatching(f, Now())
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"count": len(keys)})
}

// Get handles GET /fois/{id}. FOIs have no dedicated bus topic of
// their own, so streaming is not offered here the way it is for
// systems and data streams.
func (h *FoiHandler) Get(c echo.Context) error {
	id, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	v, err := h.Hub.Fois.GetCurrentVersion(feature.ByID(id))
	if err != nil {
		return WriteError(c, err)
	}
	key, err := h.Hub.Fois.GetCurrentVersionKey(feature.ByID(id))
	if err != nil {
		return WriteError(c, err)
	}
	return c.JSON(http.StatusOK, h.toDTO(key, v))
}

type foiBody struct {
	UID         string           `json:"uid"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Properties  map[string]any   `json:"properties"`
	Geom        *filter.Geometry `json:"geom"`
}

func decodeFoiBody(b foiBody) foi.FOI {
	uid := b.UID
	if uid == "" {
		uid = GenerateUID("urn:osh:foi:")
	}
	return foi.FOI{UID: uid, Name: b.Name, Description: b.Description, Properties: b.Properties, Geom: b.Geom}
}

// Create handles POST /fois.
func (h *FoiHandler) Create(c echo.Context) error {
	var bodies []foiBody
	if err := bindOneOrMany(c, &bodies); err != nil {
		return WriteError(c, err)
	}
	ids := make([]string, 0, len(bodies))
	for _, b := range bodies {
		key, err := h.Hub.Fois.Add(decodeFoiBody(b), Now())
		if err != nil {
			return WriteError(c, err)
		}
		ids = append(ids, EncodeID(h.Codec, key.InternalID))
	}
	return c.JSON(http.StatusCreated, map[string][]string{"ids": ids})
}

// Update handles PUT /fois/{id}.
func (h *FoiHandler) Update(c echo.Context) error {
	id, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	var b foiBody
	if err := c.Bind(&b); err != nil {
		return WriteError(c, obserr.New(obserr.KindParse, "FoiHandler.Update", err))
	}
	key, err := h.Hub.Fois.GetCurrentVersionKey(feature.ByID(id))
	if err != nil {
		return WriteError(c, err)
	}
	if b.UID == "" {
		current, getErr := h.Hub.Fois.Get(key)
		if getErr != nil {
			return WriteError(c, getErr)
		}
		b.UID = current.UID
	}
	if _, err := h.Hub.Fois.Put(key, decodeFoiBody(b)); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Delete handles DELETE /fois/{id}: the feature of interest is
// tombstoned, and purged immediately if no observation still
// references it.
func (h *FoiHandler) Delete(c echo.Context) error {
	id, err := DecodeID(c, h.Codec)
	if err != nil {
		return WriteError(c, err)
	}
	if _, err := h.Hub.DeleteFoi(id); err != nil {
		return WriteError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RegisterRoutes mounts every FOI operation under g.
func (h *FoiHandler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/count", h.Count)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}
