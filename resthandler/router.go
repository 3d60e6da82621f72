package resthandler

import (
	"github.com/labstack/echo/v4"

	"obshub.dev/hub/eventbus"
	"obshub.dev/hub/hub"
	"obshub.dev/hub/ids"
)

// Mount registers every resource's routes on e under prefix, wiring
// each handler to h and bus and nesting /datastreams/{id}/observations
// under the data-stream collection as a sub-collection.
func Mount(e *echo.Echo, prefix string, h *hub.Hub, bus *eventbus.Bus, codec *ids.Codec) {
	deps := Deps{Codec: codec}
	root := e.Group(prefix)

	systems := &SystemHandler{Deps: deps, Hub: h, Bus: bus}
	systems.RegisterRoutes(root.Group("/systems"))

	fois := &FoiHandler{Deps: deps, Hub: h, Bus: bus}
	fois.RegisterRoutes(root.Group("/fois"))

	dataStreams := &DataStreamHandler{Deps: deps, Hub: h, Bus: bus}
	dataStreams.RegisterRoutes(root.Group("/datastreams"))

	observations := &ObservationHandler{Deps: deps, Hub: h, Bus: bus}
	observations.RegisterRoutes(root.Group("/datastreams/:id/observations"))
}
