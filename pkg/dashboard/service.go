// Package dashboard serves the read side of the price store: JSON endpoints
// for the dashboard plus a websocket feed that pushes the current interval
// when it changes. This process only ever reads; price_collector is the one
// writer.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/nemwatch/amber_collector/pkg/nemutils"
	"github.com/nemwatch/amber_collector/pkg/pricedb"
	"github.com/nemwatch/amber_collector/pkg/types"
)

// How often the store is checked for a new current interval.
const defaultPollInterval = 30 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type Server struct {
	store pricedb.Store
	state string
	hub   *Hub

	mu          sync.RWMutex
	lastCurrent []types.PriceInterval
}

func NewServer(store pricedb.Store, state string) *Server {
	if state == "" {
		state = "nsw"
	}
	return &Server{store: store, state: state, hub: NewHub()}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/prices/current", s.handleCurrentPrices)
	mux.HandleFunc("/prices/today", s.handleTodayPrices)
	mux.HandleFunc("/usage", s.handleUsage)
	mux.HandleFunc("/summary", s.handleSummary)
	mux.HandleFunc("/forecasts", s.handleForecasts)
	mux.HandleFunc("/renewables", s.handleRenewables)
	mux.HandleFunc("/runs", s.handleRuns)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Serve blocks serving the API until the listener fails.
func (s *Server) Serve(listener string) error {
	log.Infof("Starting dashboard API on %s", listener)
	return http.ListenAndServe(listener, s.Routes())
}

// StartPolling watches the store in the background and broadcasts to
// websocket clients whenever a new current interval lands.
func (s *Server) StartPolling(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = defaultPollInterval
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			s.refreshCurrent(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Server) refreshCurrent(ctx context.Context) {
	sites, err := s.store.Sites(ctx)
	if err != nil {
		log.Errorf("Error listing sites for broadcast: %v", err)
		return
	}
	if len(sites) == 0 {
		return
	}
	current, err := s.store.CurrentPrices(ctx, sites[0].ID)
	if err != nil {
		log.Errorf("Error reading current prices: %v", err)
		return
	}
	if len(current) == 0 {
		return
	}

	s.mu.Lock()
	changed := len(s.lastCurrent) == 0 || !current[0].NemTime.Equal(s.lastCurrent[0].NemTime)
	s.lastCurrent = current
	s.mu.Unlock()

	if changed {
		s.hub.Broadcast(current)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Amber Price Collector API",
		"status":  "running",
	})
}

func (s *Server) handleCurrentPrices(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.siteFor(w, r)
	if !ok {
		return
	}
	prices, err := s.store.CurrentPrices(r.Context(), siteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(prices) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "No prices stored yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func (s *Server) handleTodayPrices(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.siteFor(w, r)
	if !ok {
		return
	}
	prices, err := s.store.PricesForDay(r.Context(), siteID, nemutils.NowMarket())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, prices)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.siteFor(w, r)
	if !ok {
		return
	}
	since := nemutils.NowMarket().Add(-time.Duration(daysParam(r, 1)) * 24 * time.Hour)
	usage, err := s.store.UsageSince(r.Context(), siteID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.siteFor(w, r)
	if !ok {
		return
	}
	since := nemutils.NowMarket().Add(-time.Duration(daysParam(r, 7)) * 24 * time.Hour)
	summary, err := s.store.CostSummary(r.Context(), siteID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleForecasts(w http.ResponseWriter, r *http.Request) {
	siteID, ok := s.siteFor(w, r)
	if !ok {
		return
	}
	forecasts, err := s.store.LatestForecasts(r.Context(), siteID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, forecasts)
}

func (s *Server) handleRenewables(w http.ResponseWriter, r *http.Request) {
	reading, found, err := s.store.LatestRenewables(r.Context(), s.state)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "No renewables readings available yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.RecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Errorf("WebSocket upgrade error: %v", err)
		return
	}
	s.hub.Add(conn)

	// Send the current interval immediately if available
	s.mu.RLock()
	current := s.lastCurrent
	s.mu.RUnlock()
	if len(current) > 0 {
		if data, err := json.Marshal(current); err == nil {
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}

	// Keep connection alive; clients are not expected to send anything
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.Remove(conn)
			break
		}
	}
}

// siteFor resolves the site to query: the explicit ?site= parameter, or the
// first site known to the store. Writes the error response itself when no
// site can be resolved.
func (s *Server) siteFor(w http.ResponseWriter, r *http.Request) (string, bool) {
	if site := r.URL.Query().Get("site"); site != "" {
		return site, true
	}
	sites, err := s.store.Sites(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return "", false
	}
	if len(sites) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "No sites collected yet",
		})
		return "", false
	}
	return sites[0].ID, true
}

func daysParam(r *http.Request, fallback int) int {
	v := r.URL.Query().Get("days")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
