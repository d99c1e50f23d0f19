package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/gorilla/schema"
)

var decoder = func() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}()

// Params decodes the request parameters into v. GET and HEAD requests are
// decoded from the query string; POST requests from a JSON or form body, or
// from the query string if they have no body.
func Params(r *http.Request, v any) error {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		return decodeValues(v, r.URL.Query())
	case http.MethodPost:
		switch MediaType(r) {
		case "application/json":
			if err := json.UnmarshalFull(r.Body, v); err != nil {
				return Error(http.StatusBadRequest, err)
			}
			return nil
		case "application/x-www-form-urlencoded":
			if err := r.ParseForm(); err != nil {
				return Error(http.StatusBadRequest, err)
			}
			return decodeValues(v, r.Form)
		case "":
			return decodeValues(v, r.URL.Query())
		default:
			return Error(http.StatusUnsupportedMediaType, fmt.Errorf("unsupported media type: %q", r.Header.Get("Content-Type")))
		}
	default:
		return Error(http.StatusMethodNotAllowed, errors.New("unsupported method: "+r.Method))
	}
}

func decodeValues(v any, values map[string][]string) error {
	if err := decoder.Decode(v, values); err != nil {
		return Error(http.StatusBadRequest, err)
	}
	return nil
}

// MediaType returns the lower case media type of the request without
// parameters.
func MediaType(r *http.Request) string {
	typ, _, _ := strings.Cut(r.Header.Get("Content-Type"), ";")
	return strings.ToLower(strings.TrimSpace(typ))
}
