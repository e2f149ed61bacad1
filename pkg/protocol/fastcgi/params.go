package fastcgi

import (
	"encoding/binary"
	"path"
	"strconv"
	"strings"

	"mercator-hq/conduit/pkg/protocol"
	"mercator-hq/conduit/pkg/proxy/types"
)

// AppendParam appends one name-value pair. Lengths up to 127 take one byte,
// longer ones four bytes with the high bit set.
func AppendParam(b []byte, name, value string) []byte {
	b = appendLength(b, len(name))
	b = appendLength(b, len(value))
	b = append(b, name...)
	return append(b, value...)
}

func appendLength(b []byte, n int) []byte {
	if n <= 127 {
		return append(b, byte(n))
	}
	return binary.BigEndian.AppendUint32(b, uint32(n)|1<<31)
}

// ReadParams decodes a PARAMS stream into fields.
func ReadParams(b []byte) ([]types.Field, error) {
	var out []types.Field
	for len(b) > 0 {
		nameLen, rest, ok := readLength(b)
		if !ok {
			return nil, protocol.ErrMalformed
		}
		valueLen, rest, ok := readLength(rest)
		if !ok || len(rest) < nameLen+valueLen {
			return nil, protocol.ErrMalformed
		}
		out = append(out, types.Field{
			Name:  string(rest[:nameLen]),
			Value: string(rest[nameLen : nameLen+valueLen]),
		})
		b = rest[nameLen+valueLen:]
	}
	return out, nil
}

func readLength(b []byte) (int, []byte, bool) {
	if len(b) == 0 {
		return 0, nil, false
	}
	if b[0]&0x80 == 0 {
		return int(b[0]), b[1:], true
	}
	if len(b) < 4 {
		return 0, nil, false
	}
	return int(binary.BigEndian.Uint32(b) &^ (1 << 31)), b[4:], true
}

// Env builds the CGI environment of a request: the client header fields as
// HTTP_* variables followed by the CGI meta-variables.
func Env(ex *protocol.Exchange) *types.Header {
	req := ex.Request
	env := &types.Header{}

	for _, f := range ex.Header.Fields() {
		name := cgiName(f.Name)
		switch name {
		case "CONTENT_TYPE", "CONTENT_LENGTH":
		case "PROXY":
			// HTTP_PROXY would leak into outbound clients of the application.
			continue
		default:
			name = "HTTP_" + name
		}
		env.Set(name, f.Value)
	}

	software := "conduit"
	if ex.Options != nil && ex.Options.ServerSoftware != "" {
		software = ex.Options.ServerSoftware
	}
	env.Set("SERVER_SOFTWARE", software)
	env.Set("GATEWAY_INTERFACE", "CGI/1.1")
	env.Set("SERVER_PROTOCOL", req.Proto())
	if req.ServerName != "" {
		env.Set("SERVER_NAME", req.ServerName)
	} else if req.Host != "" {
		host := req.Host
		if h, _, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
			host = h
		}
		env.Set("SERVER_NAME", host)
	}
	if req.ServerAddr != "" {
		env.Set("SERVER_ADDR", req.ServerAddr)
	}
	if req.ServerPort > 0 {
		env.Set("SERVER_PORT", strconv.Itoa(req.ServerPort))
	}
	if req.RemoteAddr != "" {
		env.Set("REMOTE_ADDR", req.RemoteAddr)
	}
	if req.RemotePort > 0 {
		env.Set("REMOTE_PORT", strconv.Itoa(req.RemotePort))
	}
	if req.RemoteUser != "" {
		env.Set("REMOTE_USER", req.RemoteUser)
	}
	env.Set("REQUEST_METHOD", req.Method)

	requestURI := req.URI
	if req.OrigURI != "" {
		requestURI = req.OrigURI
	}
	env.Set("REQUEST_URI", requestURI)
	if ex.URI != requestURI {
		env.Set("REDIRECT_URI", ex.URI)
	}

	uriPath, query, _ := strings.Cut(ex.URI, "?")
	env.Set("QUERY_STRING", query)

	scriptName := req.ScriptName
	if scriptName == "" {
		scriptName = uriPath
	}
	env.Set("SCRIPT_NAME", scriptName)

	if req.DocumentRoot != "" {
		env.Set("DOCUMENT_ROOT", req.DocumentRoot)
		filename := req.PhysicalPath
		if filename == "" {
			filename = path.Join(req.DocumentRoot, scriptName)
		}
		env.Set("SCRIPT_FILENAME", filename)
	} else if req.PhysicalPath != "" {
		env.Set("SCRIPT_FILENAME", req.PhysicalPath)
	}

	if req.PathInfo != "" {
		env.Set("PATH_INFO", req.PathInfo)
		if req.DocumentRoot != "" {
			env.Set("PATH_TRANSLATED", path.Join(req.DocumentRoot, req.PathInfo))
		}
	}

	switch {
	case req.ContentLength > 0:
		env.Set("CONTENT_LENGTH", strconv.FormatInt(req.ContentLength, 10))
	case req.Chunked && ex.Body.IsClosed():
		// A buffered chunked body has a known length by now.
		env.Set("CONTENT_LENGTH", strconv.FormatInt(ex.Body.Length(), 10))
	default:
		env.Del("CONTENT_LENGTH")
	}
	if req.TLS {
		env.Set("HTTPS", "on")
	}
	env.Set("REDIRECT_STATUS", "200")
	return env
}

// cgiName upper-cases name and replaces every byte that is not a letter or
// digit with '_'.
func cgiName(name string) string {
	b := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z':
			b[i] = c - 'a' + 'A'
		case 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			b[i] = c
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
