package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/haggle/internal/api/v1"
	"github.com/gosuda/haggle/internal/api/ws"
)

func registerAPIRoutes(api huma.API, store v1.DataStore, svc v1.NegotiationService) {
	v1.RegisterProductRoutes(api, store)
	v1.RegisterNegotiationRoutes(api, svc)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/negotiations", hub.ServeNegotiations)
}
