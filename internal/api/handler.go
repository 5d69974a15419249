package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"marketsync/internal/auction"
	"marketsync/internal/bidding"
	"marketsync/internal/catalog"
	"marketsync/internal/clients"
	"marketsync/internal/engine"
	"marketsync/internal/feed"
	"marketsync/internal/journal"
)

// StatusReporter reports engine health.
type StatusReporter interface {
	Status() engine.Status
}

type Handler struct {
	catalog catalog.Reader
	bids    bidding.Service
	status  StatusReporter
	journal journal.Journal
	clock   auction.Clock
	logger  *zap.Logger
}

func NewHandler(logger *zap.Logger, reader catalog.Reader, bids bidding.Service, status StatusReporter, j journal.Journal, clock auction.Clock) *Handler {
	if clock == nil {
		clock = auction.SystemClock{}
	}
	return &Handler{
		catalog: reader,
		bids:    bids,
		status:  status,
		journal: j,
		clock:   clock,
		logger:  logger.Named("api"),
	}
}

func (h *Handler) HandleListings(w http.ResponseWriter, r *http.Request) {
	listings := h.catalog.Snapshot()
	if source := r.URL.Query().Get("source"); source != "" {
		listings = filterSource(listings, source)
	}
	if seller := r.URL.Query().Get("seller"); seller != "" {
		listings = feed.FilterSeller(listings, seller)
	}
	respondWithJSON(w, http.StatusOK, newListingViews(listings, h.clock.Now()))
}

func filterSource(listings []catalog.Listing, source string) []catalog.Listing {
	var out []catalog.Listing
	for _, l := range listings {
		if l.Source == source {
			out = append(out, l)
		}
	}
	return out
}

// HandleAuctions lists tenders that are pending or running, soonest ending
// first.
func (h *Handler) HandleAuctions(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	var views []listingView
	for _, l := range feed.Auctions(h.catalog.Snapshot()) {
		v := newListingView(l, now)
		if v.Phase == auction.PhaseActive || v.Phase == auction.PhasePending {
			views = append(views, v)
		}
	}
	sortByEnd(views)
	if views == nil {
		views = []listingView{}
	}
	respondWithJSON(w, http.StatusOK, views)
}

func (h *Handler) HandleListing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	l, ok := h.catalog.Lookup(id)
	if !ok {
		respondWithError(w, http.StatusNotFound, errorView{Error: "listing not found"})
		return
	}
	respondWithJSON(w, http.StatusOK, newListingView(l, h.clock.Now()))
}

func (h *Handler) HandleSubmitBid(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, errorView{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Amount <= 0 {
		respondWithError(w, http.StatusBadRequest, errorView{Error: "amount must be positive"})
		return
	}

	bid, err := h.bids.Submit(r.Context(), id, req.Amount)
	if err != nil {
		h.handleBidError(w, bid, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, newBidView(bid))
}

func (h *Handler) handleBidError(w http.ResponseWriter, bid *bidding.Bid, err error) {
	var rej *bidding.RejectedError
	switch {
	case errors.Is(err, bidding.ErrConfirmationTimeout) && bid != nil:
		// Accepted by the server but not yet seen on the push channel.
		respondWithJSON(w, http.StatusAccepted, newBidView(bid))
	case errors.As(err, &rej):
		view := errorView{Error: rej.Error(), Reason: string(rej.Reason), Limit: rej.Limit}
		switch rej.Reason {
		case bidding.ReasonListingNotFound:
			respondWithError(w, http.StatusNotFound, view)
		case bidding.ReasonServerRejected:
			respondWithError(w, http.StatusConflict, view)
		default:
			respondWithError(w, http.StatusUnprocessableEntity, view)
		}
	case errors.Is(err, clients.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, errorView{Error: err.Error()})
	default:
		h.logger.Error("bid submission failed", zap.Error(err))
		respondWithError(w, http.StatusBadGateway, errorView{Error: err.Error()})
	}
}

func newBidView(b *bidding.Bid) bidView {
	return bidView{
		ID:          b.ID,
		ServerID:    b.ServerID,
		ListingID:   b.ListingID,
		Amount:      b.Amount,
		Display:     FormatNaira(b.Amount),
		SubmittedAt: b.SubmittedAt,
		Confirmed:   b.Confirmed,
	}
}

func (h *Handler) HandleListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.bids.BidsFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}
	if bids == nil {
		bids = []clients.BidRecord{}
	}
	respondWithJSON(w, http.StatusOK, bids)
}

func (h *Handler) HandleAcceptBid(w http.ResponseWriter, r *http.Request) {
	if err := h.bids.AcceptBid(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeUpstreamError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	var se *clients.StatusError
	switch {
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		respondWithError(w, http.StatusNotFound, errorView{Error: err.Error()})
	case clients.IsClientError(err):
		respondWithError(w, http.StatusConflict, errorView{Error: err.Error()})
	case errors.Is(err, clients.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, errorView{Error: err.Error()})
	default:
		h.logger.Error("bid service call failed", zap.Error(err))
		respondWithError(w, http.StatusBadGateway, errorView{Error: err.Error()})
	}
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.status.Status())
}

// HandleEvents pages through the push event journal.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from", 0)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, errorView{Error: err.Error()})
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 || limit > 1000 {
		respondWithError(w, http.StatusBadRequest, errorView{Error: "limit must be between 1 and 1000"})
		return
	}
	entries, err := h.journal.Stream(r.Context(), from, int(limit))
	if err != nil {
		h.logger.Error("journal stream failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, errorView{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) HandleListingEvents(w http.ResponseWriter, r *http.Request) {
	entries, err := h.journal.ForListing(r.Context(), chi.URLParam(r, "id"), 100)
	if err != nil {
		h.logger.Error("journal lookup failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, errorView{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("invalid " + key + ": " + raw)
	}
	return v, nil
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func respondWithError(w http.ResponseWriter, code int, v errorView) {
	respondWithJSON(w, code, v)
}
