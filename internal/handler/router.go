package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/cbbpay-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.ListOrders)

			r.Route("/{orderID}", func(r chi.Router) {
				r.Get("/", h.GetOrder)
				r.Post("/pay", h.Pay)
				r.Get("/pay/redirect", h.PayRedirect)
				r.Post("/refund", h.Refund)
				r.Get("/refund/status", h.RefundStatus)
				r.Get("/sync", h.Sync)
				r.Get("/qrcode", h.QRCode)
			})
		})

		r.Get("/channels/{environment}", h.Channels)
	})

	r.Route("/callback", func(r chi.Router) {
		r.Post("/pay", h.PayCallback)
		r.Post("/refund", h.RefundCallback)
	})

	r.Get("/health", h.Health)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
