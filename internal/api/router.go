package api

import (
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// NewRouter mounts the handler's routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))

	r.Get("/listings", h.HandleListings)
	r.Get("/listings/{id}", h.HandleListing)
	r.Get("/listings/{id}/bids", h.HandleListBids)
	r.Post("/listings/{id}/bids", h.HandleSubmitBid)
	r.Get("/listings/{id}/events", h.HandleListingEvents)
	r.Get("/auctions", h.HandleAuctions)
	r.Post("/bids/{id}/accept", h.HandleAcceptBid)
	r.Get("/status", h.HandleStatus)
	r.Get("/events", h.HandleEvents)
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func sortByEnd(views []listingView) {
	slices.SortStableFunc(views, func(a, b listingView) int {
		return a.SaleEndTime.Compare(*b.SaleEndTime)
	})
}
