package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ApplyResponseHeaders post-processes a parsed head into ex.Response.
//
// Status and hop-by-hop fields never reach the client, including the fields
// the backend names in Connection. Transfer-Encoding
// with "chunked" sets ex.IsChunked and Connection with "close" sets
// ex.IsClosing. X-Sendfile, X-LIGHTTPD-Sendfile, X-Rewrite-URI and
// X-Rewrite-Host turn into an internal redirect when the backend options
// allow it and are dropped either way. Every other field passes through the
// response rewrites.
func ApplyResponseHeaders(ex *Exchange, head *Head) error {
	resp := ex.Response
	opts := ex.Options

	resp.Status = head.Status
	ex.ContentLength = -1
	haveLength := false
	listed := connectionTokens(head)

	for _, f := range head.Header.Fields() {
		name, value := f.Name, f.Value
		lower := strings.ToLower(name)
		if listed[lower] && lower != "connection" {
			continue
		}
		switch lower {
		case "status":
			continue

		case "location":
			if resp.Status == 0 {
				resp.Status = 302
			}

		case "content-length":
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, value)
			}
			ex.ContentLength = n
			haveLength = true

		case "x-sendfile", "x-lighttpd-sendfile":
			if opts != nil && opts.AllowXSendfile && value != "" {
				ex.SendResponseContent = false
				ex.InternalRedirect = &Redirect{Kind: RedirectSendfile, Path: value}
			}
			continue

		case "x-rewrite-uri":
			if opts != nil && opts.AllowXRewrite && value != "" {
				ex.rewriteRedirect().URI = value
			}
			continue

		case "x-rewrite-host":
			if opts != nil && opts.AllowXRewrite && value != "" {
				ex.rewriteRedirect().Host = value
			}
			continue

		case "transfer-encoding":
			if containsToken(value, "chunked") {
				ex.IsChunked = true
			}
			continue

		case "connection":
			if containsToken(value, "close") {
				ex.IsClosing = true
			}
			continue

		case "keep-alive", "upgrade", "trailer", "te", "proxy-authenticate":
			continue
		}

		resp.Header.Add(name, opts.rewriteResponse(name, value))
	}

	if haveLength && !ex.IsChunked {
		resp.ContentLength = ex.ContentLength
	} else {
		ex.ContentLength = -1
		resp.ContentLength = -1
		resp.Header.Del("Content-Length")
	}
	resp.Chunked = resp.ContentLength < 0 && ex.Request.AtLeast11()
	return nil
}

func (ex *Exchange) rewriteRedirect() *Redirect {
	if ex.InternalRedirect == nil || ex.InternalRedirect.Kind != RedirectRewrite {
		// X-Sendfile wins over X-Rewrite-*.
		if ex.InternalRedirect != nil {
			return &Redirect{}
		}
		ex.InternalRedirect = &Redirect{Kind: RedirectRewrite}
	}
	ex.SendResponseContent = false
	return ex.InternalRedirect
}

// connectionTokens returns the lower-cased field names listed in the
// Connection fields of head.
func connectionTokens(head *Head) map[string]bool {
	var listed map[string]bool
	for _, f := range head.Header.Fields() {
		if !strings.EqualFold(f.Name, "connection") {
			continue
		}
		for _, part := range strings.Split(f.Value, ",") {
			if tok := strings.ToLower(strings.TrimSpace(part)); tok != "" {
				if listed == nil {
					listed = make(map[string]bool)
				}
				listed[tok] = true
			}
		}
	}
	return listed
}

func containsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
