package protocol

import (
	"strings"

	"mercator-hq/conduit/pkg/rewrite"
)

// BuildRequestHeaders fills ex.Header and ex.URI from the client request.
//
// Client fields are copied in order except Connection, Keep-Alive, empty
// names and empty values. Request rewrites apply to every copied value and
// the "_uri" rule rewrites the request-target. The forwarding fields come
// last: X-Forwarded-For gets the client address appended, X-Host carries the
// client's Host and X-Forwarded-Proto the front-end scheme.
func BuildRequestHeaders(ex *Exchange) {
	req := ex.Request
	opts := ex.Options
	h := ex.Header

	if req.Host != "" && !req.Header.Has("Host") {
		h.Add("Host", req.Host)
	}

	var forwarded []string
	for _, f := range req.Header.Fields() {
		if f.Name == "" || f.Value == "" {
			continue
		}
		switch strings.ToLower(f.Name) {
		case "connection", "keep-alive":
			continue
		case "x-forwarded-for":
			forwarded = append(forwarded, f.Value)
			continue
		}
		h.Add(f.Name, opts.rewriteRequest(f.Name, f.Value))
	}

	if req.RemoteAddr != "" {
		forwarded = append(forwarded, req.RemoteAddr)
	}
	if len(forwarded) > 0 {
		h.Set("X-Forwarded-For", strings.Join(forwarded, ", "))
	}
	if req.Host != "" {
		h.Set("X-Host", req.Host)
	}
	h.Set("X-Forwarded-Proto", req.Scheme())

	ex.URI = opts.rewriteRequest(rewrite.URIKey, req.URI)
}
