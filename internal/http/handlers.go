package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-feeds/internal/dispatch"
	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/reconcile"
	"github.com/example/ride-feeds/internal/rideapi"
	"github.com/example/ride-feeds/internal/session"
	"github.com/example/ride-feeds/internal/storage"
)

type Server struct {
	Sessions  *session.Manager
	Rides     *rideapi.Service
	Store     storage.Backend
	Publisher storage.ChangePublisher
	WSReg     *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

// Deps are the collaborators a Server routes to.
type Deps struct {
	Sessions  *session.Manager
	Rides     *rideapi.Service
	Store     storage.Backend
	Publisher storage.ChangePublisher
	WSReg     *dispatch.WSRegistry
	Logger    *slog.Logger
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Sessions:  d.Sessions,
		Rides:     d.Rides,
		Store:     d.Store,
		Publisher: d.Publisher,
		WSReg:     d.WSReg,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/{actor}/{user_id}/feed", s.handleFeed).Methods("GET")
	api.HandleFunc("/{actor}/{user_id}/feed", s.handleCloseFeed).Methods("DELETE")
	api.HandleFunc("/{actor}/{user_id}/feed/refresh", s.handleRefresh).Methods("POST")
	api.HandleFunc("/{actor}/{user_id}/feed/tab", s.handleSetTab).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/bids/{offer_id}/accept", s.handleAcceptBid).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/transition", s.handleTransition).Methods("POST")

	s.mux.HandleFunc("/internal/changes", s.handleChange).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{actor}/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func actorVars(r *http.Request) (models.ActorType, string) {
	vars := mux.Vars(r)
	return models.ActorType(vars["actor"]), vars["user_id"]
}

// session opens (or finds) the caller's session and reports request errors.
func (s *Server) session(w http.ResponseWriter, r *http.Request, opts session.Options) (*session.Session, bool) {
	actor, userID := actorVars(r)
	sess, err := s.Sessions.Open(r.Context(), actor, userID, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tab := models.FeedCategory(q.Get("tab"))
	sess, ok := s.session(w, r, session.Options{
		Tab:         tab,
		ServiceType: q.Get("service_type"),
		RideTiming:  models.RideTiming(q.Get("ride_timing")),
		Filters:     q.Has("service_type") || q.Has("ride_timing"),
	})
	if !ok {
		return
	}
	if tab != models.CategoryNone && sess.Engine.State().Tab != tab {
		if err := sess.Engine.SetTab(r.Context(), tab); err != nil && errors.Is(err, reconcile.ErrInvalidTab) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, sess.Engine.State())
}

func (s *Server) handleCloseFeed(w http.ResponseWriter, r *http.Request) {
	actor, userID := actorVars(r)
	if !s.Sessions.Close(actor, userID) {
		writeError(w, http.StatusNotFound, "no open feed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r, session.Options{})
	if !ok {
		return
	}
	if err := sess.Engine.ManualRefresh(r.Context()); err != nil {
		s.logger.Warn("manual_refresh_failed", "actor", sess.Actor, "user_id", sess.UserID, "error", err)
	}
	writeJSON(w, http.StatusOK, sess.Engine.State())
}

func (s *Server) handleSetTab(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tab models.FeedCategory `json:"tab"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.session(w, r, session.Options{})
	if !ok {
		return
	}
	if err := sess.Engine.SetTab(r.Context(), body.Tab); err != nil {
		if errors.Is(err, reconcile.ErrInvalidTab) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Warn("tab_fetch_failed", "actor", sess.Actor, "user_id", sess.UserID, "tab", body.Tab, "error", err)
	}
	writeJSON(w, http.StatusOK, sess.Engine.State())
}

func (s *Server) handleAcceptBid(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		DriverID    string `json:"driver_id"`
		PassengerID string `json:"passenger_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.DriverID == "" || body.PassengerID == "" {
		writeError(w, http.StatusBadRequest, "driver_id and passenger_id are required")
		return
	}
	res := s.Rides.AcceptDriverBid(r.Context(), vars["ride_id"], vars["offer_id"], body.DriverID, body.PassengerID)
	writeJSON(w, http.StatusOK, res)
}

// handleTransition applies the new state optimistically to the actor's open
// feed, calls the RPC, and refreshes the feed if the backend refused.
func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	var body struct {
		NewState    models.RideState `json:"new_state"`
		NewSubState string           `json:"new_sub_state"`
		Actor       models.ActorType `json:"actor_type"`
		ActorID     string           `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	state, ok := models.ParseRideState(string(body.NewState))
	if !ok || !body.Actor.Valid() || body.ActorID == "" {
		writeError(w, http.StatusBadRequest, "new_state, actor_type and actor_id are required")
		return
	}

	sess, open := s.Sessions.Get(body.Actor, body.ActorID)
	if open {
		ride, err := s.Store.Ride(r.Context(), rideID)
		switch {
		case errors.Is(err, storage.ErrRideNotFound):
			writeError(w, http.StatusNotFound, "ride not found")
			return
		case err != nil:
			s.logger.Warn("optimistic_lookup_failed", "ride_id", rideID, "error", err)
		default:
			ride.State, ride.ExecutionSubState = state, body.NewSubState
			if state == models.StateCancelled {
				ride.Status = "cancelled"
			}
			sess.Engine.ApplyOptimistic(ride)
		}
	}

	res := s.Rides.TransitionRideStatus(r.Context(), rideID, state, body.NewSubState, body.Actor, body.ActorID)
	if !res.Success && open {
		if err := sess.Engine.Refresh(r.Context()); err != nil {
			s.logger.Warn("rollback_refresh_failed", "ride_id", rideID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var p models.ChangePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.Table != models.TableRides && p.Table != models.TableOffers {
		writeError(w, http.StatusBadRequest, "unknown table")
		return
	}
	switch p.EventType {
	case models.EventInsert, models.EventUpdate, models.EventDelete:
	default:
		writeError(w, http.StatusBadRequest, "unknown eventType")
		return
	}
	if p.Schema == "" {
		p.Schema = "public"
	}
	if err := s.Publisher.PublishChange(r.Context(), p); err != nil {
		s.logger.Error("change_publish_failed", "table", p.Table, "error", err)
		writeError(w, http.StatusBadGateway, "publish failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var upgrader = websocket.Upgrader{}

// handleWS registers the client for effects and opens its feed session.
// The connection stays registered until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, userID := actorVars(r)
	sess, err := s.Sessions.Open(r.Context(), actor, userID, session.Options{
		Tab: models.FeedCategory(r.URL.Query().Get("tab")),
	})
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	key := dispatch.Key(actor, userID)
	id := s.WSReg.Add(key, conn)
	_ = s.WSReg.Send(key, dispatch.Message{Type: dispatch.TypeFeed, Data: sess.Engine.State()})

	go func() {
		defer func() {
			s.WSReg.Remove(key, id)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func newID() string { return uuid.NewString() }
