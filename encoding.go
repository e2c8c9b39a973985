package durablestreams

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/durable-streams/streamd/store"
)

// decodeBody returns a reader over the request body with any Content-Encoding
// removed. The caller closes the returned reader.
func decodeBody(r *http.Request) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))) {
	case "", "identity":
		return r.Body, nil
	case "gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, badRequest(store.CodeBadRequest, "malformed gzip body")
		}
		return zr, nil
	case "deflate":
		zr, err := zlib.NewReader(r.Body)
		if err != nil {
			return nil, badRequest(store.CodeBadRequest, "malformed deflate body")
		}
		return zr, nil
	default:
		return nil, badRequest(store.CodeBadRequest, "unsupported Content-Encoding")
	}
}

// writeBody writes a response body, gzip-compressing it when the client
// accepts gzip and the body clears the configured size threshold.
func (h *Handler) writeBody(w http.ResponseWriter, r *http.Request, body []byte) {
	if len(body) >= h.CompressMinSize && acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.WriteHeader(http.StatusOK)
		zw := gzip.NewWriter(w)
		zw.Write(body)
		zw.Close()
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc := strings.TrimSpace(part)
		if enc == "gzip" || strings.HasPrefix(enc, "gzip;") {
			return true
		}
	}
	return false
}
