package proxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mercator-hq/conduit/pkg/proxy/types"
)

func BenchmarkParseHTTPRequest(b *testing.B) {
	body := strings.Repeat("x", 4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/upload?id=7", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Request-ID", "bench")

		_, q, err := ParseHTTPRequest(req, 0)
		if err != nil {
			b.Fatal(err)
		}
		q.Reset()
	}
}

func BenchmarkRouterSelect(b *testing.B) {
	var routes []*Route
	for i := 0; i < 32; i++ {
		routes = append(routes, &Route{Name: fmt.Sprintf("r%d", i), Prefix: fmt.Sprintf("/svc%d/", i)})
	}
	rt, err := NewRouter(routes, mapResolver{"static.example": "r3"})
	if err != nil {
		b.Fatal(err)
	}
	req := types.NewRequest("GET", "/svc31/items?page=2")
	req.Host = "www.example:8080"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rt.Select(req); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWriteErrorResponse(b *testing.B) {
	errResp := HandleError(&GatewayError{Status: 502, Err: ErrMalformedResponse}, "req-123", "app")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		if err := WriteErrorResponse(w, errResp); err != nil {
			b.Fatal(err)
		}
	}
}
