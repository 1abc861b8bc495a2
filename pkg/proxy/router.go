package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/modelforge/orchestrator/pkg/apierrors"
)

// Router forwards inbound requests matching /v1/models/{model_id}/...
// to one of that model's registered endpoints, applying rate limiting
// and, on failure, failover across every remaining endpoint.
type Router struct {
	Registry            *Registry
	Balancer            Balancer
	Limiter             *FixedWindowLimiter
	FailoverEnabled     bool
	MaxFailoverAttempts int
	Log                 zerolog.Logger

	mux *mux.Router
}

func NewRouter(registry *Registry, balancer Balancer, limiter *FixedWindowLimiter, failoverEnabled bool, maxFailoverAttempts int, log zerolog.Logger) *Router {
	r := &Router{
		Registry:            registry,
		Balancer:            balancer,
		Limiter:             limiter,
		FailoverEnabled:     failoverEnabled,
		MaxFailoverAttempts: maxFailoverAttempts,
		Log:                 log.With().Str("component", "proxy").Logger(),
		mux:                 mux.NewRouter(),
	}
	r.mux.PathPrefix("/v1/models/{model_id}/").HandlerFunc(r.handle)
	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handle(w http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	modelID := vars["model_id"]

	if r.Limiter != nil && !r.Limiter.Allow(modelID) {
		writeError(w, apierrors.New(apierrors.KindRateLimited, "rate limit exceeded for model %s", modelID))
		return
	}

	endpoints := r.Registry.Endpoints(modelID)
	if len(endpoints) == 0 {
		writeError(w, apierrors.Wrap(apierrors.KindNotFound, apierrors.ErrNotFound, "no endpoints registered for model %s", modelID))
		return
	}

	maxAttempts := 1
	if r.FailoverEnabled {
		maxAttempts = r.MaxFailoverAttempts
		if maxAttempts < 1 {
			maxAttempts = 1
		}
	}

	remaining := append([]*Endpoint{}, endpoints...)
	var lastErr error
	var lastResp *bufferedResponse
	for attempt := 0; attempt < maxAttempts && len(remaining) > 0; attempt++ {
		endpoint := r.Balancer.Pick(remaining)
		if endpoint == nil {
			break
		}
		resp, err := r.forward(endpoint, req)
		if err != nil {
			lastErr = err
			lastResp = nil
			remaining = removeEndpoint(remaining, endpoint)
			r.Log.Warn().Err(err).Str("model_id", modelID).Str("endpoint", endpoint.URL).Int("attempt", attempt+1).
				Msg("proxy attempt failed, trying next endpoint")
			continue
		}
		if resp.status >= 500 {
			lastErr = fmt.Errorf("endpoint %s returned %d", endpoint.URL, resp.status)
			lastResp = resp
			remaining = removeEndpoint(remaining, endpoint)
			r.Log.Warn().Str("model_id", modelID).Str("endpoint", endpoint.URL).Int("status", resp.status).Int("attempt", attempt+1).
				Msg("proxy attempt returned a server error, trying next endpoint")
			continue
		}
		// 2xx/3xx/4xx: returned to the client immediately, no failover.
		resp.flush(w)
		return
	}

	if lastResp != nil {
		lastResp.flush(w)
		return
	}
	if lastErr != nil {
		writeError(w, apierrors.Wrap(apierrors.KindDependencyUnavailable, lastErr, "all endpoints for model %s failed", modelID))
		return
	}
	writeError(w, apierrors.Wrap(apierrors.KindDependencyUnavailable, nil, "no reachable endpoint for model %s", modelID))
}

// forward proxies req to endpoint into an in-memory buffer rather than
// directly to the caller's ResponseWriter, so handle can inspect the
// status code and decide whether to fail over before anything reaches
// the client (§4.7: a transport error or 5xx advances to the next
// endpoint; a 4xx is returned immediately).
func (r *Router) forward(endpoint *Endpoint, req *http.Request) (*bufferedResponse, error) {
	target, err := url.Parse(endpoint.URL)
	if err != nil {
		return nil, err
	}

	endpoint.acquire()
	defer endpoint.release()

	proxyErr := make(chan error, 1)
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(rw http.ResponseWriter, _ *http.Request, err error) {
		proxyErr <- err
	}

	ctx, cancel := context.WithTimeout(req.Context(), 60*time.Second)
	defer cancel()
	buf := newBufferedResponse()
	rp.ServeHTTP(buf, req.WithContext(ctx))

	select {
	case err := <-proxyErr:
		return nil, err
	default:
		return buf, nil
	}
}

// bufferedResponse captures a backend's response instead of writing it
// straight through, so a 5xx can be discarded in favor of failover.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) WriteHeader(status int) { b.status = status }

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, vv := range b.header {
		dst[k] = vv
	}
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body.Bytes())
}

func removeEndpoint(endpoints []*Endpoint, target *Endpoint) []*Endpoint {
	out := make([]*Endpoint, 0, len(endpoints)-1)
	for _, e := range endpoints {
		if e != target {
			out = append(out, e)
		}
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	var status int
	if se, ok := err.(interface{ HTTPStatus() int }); ok {
		status = se.HTTPStatus()
	} else {
		status = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), status)
}
