package auth

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/apigrid/portal-auth/internal/bootstrap"
	flow "github.com/apigrid/portal-auth/internal/oauth"
)

// RegisterRoutes builds one Handler per configured auth method and mounts
// them under basePath/{name}, all inside the shared session middleware. The
// root serves the auth method index.
func RegisterRoutes(r chi.Router, rt *bootstrap.Runtime, logger zerolog.Logger) {
	basePath := rt.Config.BasePath
	externalURL := rt.Config.ExternalURL

	type methodInfo struct {
		Name      string   `json:"name"`
		Type      string   `json:"type"`
		URL       string   `json:"url"`
		Endpoints []string `json:"endpoints"`
	}
	index := make([]methodInfo, 0, len(rt.IdPs.Names()))

	r.Group(func(r chi.Router) {
		r.Use(rt.Sessions.Middleware)

		for _, name := range rt.IdPs.Names() {
			provider, _ := rt.IdPs.Get(name)
			mountPath := basePath + "/" + name

			engine := flow.NewFlow(flow.Options{
				AuthMethodID: name,
				IdP:          provider,
				Portal:       rt.Portal,
				Gateway:      rt.Gateway,
				Profiles:     rt.Profiles,
				Scopes:       rt.Scopes,
				Audit:        rt.Audit,
				Logger:       logger,
			})
			handler := New(Options{
				MethodID:  name,
				Flow:      engine,
				Sessions:  rt.Sessions,
				Portal:    rt.Portal,
				Profiles:  rt.Profiles,
				Audit:     rt.Audit,
				MountURL:  externalURL + mountPath,
				MountPath: mountPath,
				Logger:    logger,
			})

			r.Route("/"+name, handler.RegisterRoutes)
			index = append(index, methodInfo{
				Name:      name,
				Type:      provider.Type(),
				URL:       externalURL + mountPath,
				Endpoints: handler.Endpoints(),
			})
		}
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":        rt.Config.ServiceName,
			"authMethods": index,
		})
	})
}
