package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"lifeline-offline/internal/strategy"
	"lifeline-offline/internal/worker"
	"lifeline-offline/pkg/response"
)

// SourceHeader tells the page where a proxied response came from.
const SourceHeader = "X-Lifeline-Source"

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ProxyHandler serves every request outside the control API through the
// worker's fetch handling against the upstream origin.
type ProxyHandler struct {
	worker *worker.Worker
	origin *url.URL
	logger *slog.Logger
}

func NewProxyHandler(w *worker.Worker, origin string, logger *slog.Logger) (*ProxyHandler, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream origin %q", origin)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyHandler{worker: w, origin: u, logger: logger}, nil
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := *h.origin
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery

	out := r.Clone(r.Context())
	out.URL = &target
	out.Host = target.Host
	out.RequestURI = ""
	stripHopByHop(out.Header)

	resp := h.worker.OnFetch(r.Context(), out)
	if resp == nil || resp.CachedResponse == nil {
		response.ServiceUnavailable(w, "offline")
		return
	}
	h.write(w, resp)
}

func (h *ProxyHandler) write(w http.ResponseWriter, resp *strategy.Response) {
	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	stripHopByHop(header)
	header.Del("Content-Length")
	header.Set(SourceHeader, string(resp.Source))

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("failed to write proxied body", "url", resp.URL, "error", err)
	}
}

func stripHopByHop(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, key := range strings.Split(value, ",") {
			header.Del(strings.TrimSpace(key))
		}
	}
	for _, key := range hopByHopHeaders {
		header.Del(key)
	}
}
