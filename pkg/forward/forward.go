// Package forward implements the Forwarding Dispatcher: until a live
// migration has cut over, every actor call is proxied to the source
// partition primary rather than served (incorrectly, against stale or
// missing local state) by the destination.
package forward

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"

	"k8s.io/klog/v2"
)

// MigrationStateChecker is the narrow view of the orchestrator the
// dispatcher consults: whether the migration is still in its
// forwarding window at all.
type MigrationStateChecker interface {
	IsForwardingWindow(ctx context.Context) (bool, error)
}

// KeyExtractor pulls the actor key this request addresses out of an
// *http.Request, e.g. from a path segment or header. Used only for
// logging: the forwarding decision itself does not depend on the key.
type KeyExtractor func(r *http.Request) string

// Middleware wraps local with the forwarding predicate: every request
// is proxied to source while the migration has not reached Completed,
// regardless of whether this particular key already has destination
// state, because the source can still accept writes for it right up
// to Downtime; once IsForwardingWindow reports false every request is
// handled locally. The predicate is queried per request so forwarding
// stops on the first request after cutover.
func Middleware(state MigrationStateChecker, extract KeyExtractor, sourceBaseURL string, local http.Handler) (http.Handler, error) {
	target, err := url.Parse(sourceBaseURL)
	if err != nil {
		return nil, err
	}
	proxy := httputil.NewSingleHostReverseProxy(target)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := klog.FromContext(ctx)

		forwarding, err := state.IsForwardingWindow(ctx)
		if err != nil {
			logger.Error(err, "failed to read migration state, serving locally")
			local.ServeHTTP(w, r)
			return
		}
		if !forwarding {
			local.ServeHTTP(w, r)
			return
		}

		logger.V(2).Info("forwarding actor call to source", "key", extract(r))
		proxy.ServeHTTP(w, r)
	}), nil
}
