package http

import (
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// validateRequests checks requests against the API document before they
// reach a handler. Routes the document does not describe pass through.
func (s *Server) validateRequests(doc *openapi3.T) (func(http.Handler) http.Handler, error) {
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to build api router: %w", err)
	}
	opts := &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, params, err := router.FindRoute(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
			// the API only speaks JSON, so an unlabeled body is taken as JSON
			if r.ContentLength != 0 && r.Header.Get("Content-Type") == "" {
				r.Header.Set("Content-Type", "application/json")
			}
			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: params,
				Route:      route,
				Options:    opts,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				s.logger.Debug("request does not match api document", "path", r.URL.Path, "error", err)
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

// uuidParam binds the {uuid} path segment.
func uuidParam(r *http.Request) (string, error) {
	var uuid string
	err := runtime.BindStyledParameterWithOptions("simple", "uuid", chi.URLParam(r, "uuid"), &uuid, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	return uuid, err
}

// recentParams are the query parameters of the recent runs route.
type recentParams struct {
	From string `form:"from" json:"from"`
	To   string `form:"to" json:"to"`
}

func bindRecentParams(r *http.Request) (recentParams, error) {
	var p recentParams
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, true, "from", query, &p.From); err != nil {
		return p, err
	}
	if err := runtime.BindQueryParameter("form", true, true, "to", query, &p.To); err != nil {
		return p, err
	}
	return p, nil
}
