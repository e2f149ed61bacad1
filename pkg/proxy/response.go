package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"mercator-hq/conduit/pkg/proxy/types"
)

// WriteErrorResponse answers on behalf of the backend with the JSON body of
// errResp. The status comes from the error type. Error answers are never
// cached.
func WriteErrorResponse(w http.ResponseWriter, errResp *types.ErrorResponse) error {
	body, err := json.Marshal(errResp)
	if err != nil {
		return fmt.Errorf("failed to encode error response: %w", err)
	}
	body = append(body, '\n')

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(errResp.Error.HTTPStatusCode())
	_, err = w.Write(body)
	return err
}

// CopyResponseHeader appends the backend header fields to h in their
// original order. Hop-by-hop fields were already removed by the codec.
func CopyResponseHeader(h http.Header, src *types.Header) {
	for _, f := range src.Fields() {
		h.Add(f.Name, f.Value)
	}
}
