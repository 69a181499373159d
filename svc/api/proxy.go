package api

import (
	"io"
	"net/http"
	"net/url"

	"shotcap/metrics"
	"shotcap/pkg/domain"
	"shotcap/svc/util"

	"github.com/rs/zerolog/hlog"
)

// proxyHeaderWhitelist is the only set of upstream response headers that may
// cross the proxy boundary. Everything else, cookies included, is dropped.
var proxyHeaderWhitelist = []string{
	"Content-Type",
	"Content-Encoding",
	"Content-Length",
	"Last-Modified",
	"Etag",
	"Date",
	"Accept-Ranges",
	"Content-Range",
	"Retry-After",
	"Via",
}

// Proxy fetches a remote resource on behalf of the shot page. Only URLs the
// server itself signed are fetched; a bad or missing signature is a hard 403,
// which keeps this endpoint from becoming an open relay.
func (h *Hdl) Proxy(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	target := r.URL.Query().Get("url")
	sig := r.URL.Query().Get("sig")
	if !h.linker.Verify(target, sig) {
		metrics.SignatureRejections.WithLabelValues("link").Inc()
		log.Warn().Str("ip", util.RedactIP(r.RemoteAddr)).Msg("proxy signature rejected")
		writeErr(w, domain.ErrBadSignature, requestID)
		return
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	client := &http.Client{Timeout: h.cfg.ProxyTimeout}
	resp, err := client.Do(req)
	if err != nil {
		metrics.ProxyFetches.WithLabelValues("upstream_error").Inc()
		log.Warn().Err(err).Msg("proxy upstream fetch failed")
		writeErr(w, domain.ErrUpstream, requestID)
		return
	}
	defer resp.Body.Close()

	for _, name := range proxyHeaderWhitelist {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	// upstream cache policy is not trusted; shots embed immutable resources
	w.Header().Set("Cache-Control", "public, max-age=2592000")
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, io.LimitReader(resp.Body, h.cfg.ProxyMaxBodySize)); err != nil {
		log.Warn().Err(err).Msg("proxy body copy interrupted")
	}
	metrics.ProxyFetches.WithLabelValues("ok").Inc()
}
