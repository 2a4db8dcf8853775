// Package gateway fronts the catalog and inventory services behind one listener.
package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"stockmesh/internal/jsonapi"
	"stockmesh/internal/middleware"
)

// Upstream routes every request under Prefix to Target.
type Upstream struct {
	Name   string
	Prefix string
	Target string
}

// Mount registers a reverse proxy for each upstream on r. Paths are forwarded
// unchanged.
func Mount(r chi.Router, upstreams []Upstream, logger *zap.Logger) error {
	for _, up := range upstreams {
		proxy, err := newProxy(up, logger.Named("gateway"))
		if err != nil {
			return err
		}
		r.Handle(up.Prefix, proxy)
		r.Handle(up.Prefix+"/*", proxy)
	}
	return nil
}

func newProxy(up Upstream, logger *zap.Logger) (*httputil.ReverseProxy, error) {
	target, err := url.Parse(up.Target)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid %s upstream URL %q", up.Name, up.Target)
	}

	propagator := otel.GetTextMapPropagator()
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if id := middleware.GetRequestID(pr.In.Context()); id != "" {
				pr.Out.Header.Set(middleware.RequestIDHeader, id)
			}
			propagator.Inject(pr.In.Context(), propagation.HeaderCarrier(pr.Out.Header))
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("upstream request failed",
				zap.String("upstream", up.Name),
				zap.String("path", r.URL.Path),
				zap.String("request_id", middleware.GetRequestID(r.Context())),
				zap.Error(err),
			)
			jsonapi.WriteError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Upstream unavailable",
				fmt.Sprintf("the %s service could not be reached", up.Name))
		},
	}, nil
}
