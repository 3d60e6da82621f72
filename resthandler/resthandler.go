package resthandler

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"obshub.dev/hub/ids"
	"obshub.dev/hub/obserr"
	"obshub.dev/hub/obslog"
)

var log = obslog.Component("resthandler")

// GenerateUID builds a UID for a system or FOI created without a
// caller-supplied one, satisfying the "≥12 chars" unique-UID minimum
// with room to spare.
func GenerateUID(prefix string) string {
	return prefix + uuid.NewString()
}

// Deps are the dependencies every resource handler in this package
// shares: the external-ID codec (every internal ID in a path param or
// body crosses the wire in scrambled form).
type Deps struct {
	Codec *ids.Codec
}

// Now returns the wall-clock instant filters resolve against; the
// handlers in this package read the clock through it rather than
// calling time.Now() inline.
func Now() time.Time { return time.Now() }

// DecodeID decodes the {id} path param through codec, returning a 404
// obserr when the token is empty or decodes to a non-positive ID.
func DecodeID(c echo.Context, codec *ids.Codec) (int64, error) {
	token := c.Param("id")
	id := codec.Decode(token)
	if id <= 0 {
		return 0, obserr.New(obserr.KindNotFound, "resthandler.DecodeID", nil)
	}
	return id, nil
}

// EncodeID renders an internal ID in external form, logging (but not
// failing the request on) a codec error — encoding only fails if the
// codec itself was misconfigured, which is a startup-time concern, not
// a per-request one.
func EncodeID(codec *ids.Codec, id int64) string {
	token, err := codec.Encode(id)
	if err != nil {
		log.WithError(err).Error("encode external id")
		return ""
	}
	return token
}

// Page wraps a list response with its paging state: the handler
// requests limit+1 entries and reports hasMore when that surplus was
// actually returned. The handlers in this package leave NextURI empty;
// no next-page link is built.
type Page[T any] struct {
	Items   []T    `json:"items"`
	Offset  int    `json:"offset"`
	Limit   int    `json:"limit"`
	HasMore bool   `json:"hasMore"`
	NextURI string `json:"nextUri,omitempty"`
}

// Paginate slices a full (offset-applied, limit+1-requested) result set
// down to the page the caller asked for, reporting whether a surplus
// entry proves another page exists.
func Paginate[T any](all []T, limit int) (page []T, hasMore bool) {
	if limit <= 0 {
		return all, false
	}
	if len(all) > limit {
		return all[:limit], true
	}
	return all, false
}

// WriteError classifies err via obserr.HTTPStatus and writes a JSON
// error body, or re-raises an *echo.HTTPError as-is so Echo's own
// error handler keeps its usual behavior.
func WriteError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*echo.HTTPError); ok {
		return err
	}
	code := obserr.HTTPStatus(err)
	return c.JSON(code, map[string]string{
		"error":   http.StatusText(code),
		"message": err.Error(),
	})
}

// requestLimitPlusOne returns the store-side fetch limit: limit+1 when
// limit > 0 so the handler can detect a next page, or 0 (unbounded)
// when the caller asked for everything.
func requestLimitPlusOne(limit int) int {
	if limit <= 0 {
		return 0
	}
	return limit + 1
}

// bindOneOrMany parses a POST body into out (a pointer to a slice)
// whether it carries a single JSON object or a JSON array of them.
// Only application/json bodies are accepted; wire codecs for other
// content types (SensorML, SWE) are out of scope.
func bindOneOrMany(c echo.Context, out any) error {
	if ct := c.Request().Header.Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, "only application/json bodies are accepted")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return obserr.New(obserr.KindParse, "resthandler.bindOneOrMany", err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return obserr.New(obserr.KindParse, "resthandler.bindOneOrMany", nil)
	}
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, out); err != nil {
			return obserr.New(obserr.KindParse, "resthandler.bindOneOrMany", err)
		}
		return nil
	}
	// Single object: unmarshal into a one-element slice by wrapping it
	// in brackets, reusing the same slice-typed destination.
	wrapped := append([]byte{'['}, append(trimmed, ']')...)
	if err := json.Unmarshal(wrapped, out); err != nil {
		return obserr.New(obserr.KindParse, "resthandler.bindOneOrMany", err)
	}
	return nil
}
