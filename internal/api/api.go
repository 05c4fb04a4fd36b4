// Package api is the HTTP surface of the watcher: health, catalog snapshot,
// update trigger and status, and instance deletion.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/internal/catalog"
)

// UpdateJob is the scheduler job triggered by /update.
const UpdateJob = "update_db"

// Catalog is the read side of the catalog.
type Catalog interface {
	List(f catalog.Filter) ([]catalog.Row, error)
}

// Trigger reschedules a job to fire now.
type Trigger interface {
	TriggerNow(name string) error
}

// Deleter deletes one catalog instance.
type Deleter interface {
	DeleteByID(ctx context.Context, id uint64) (catalog.Row, error)
}

// Status reports the reconciler state.
type Status interface {
	Running() bool
	LastUpdate() (time.Time, bool)
}

// Server routes the HTTP endpoints.
type Server struct {
	catalog     Catalog
	trigger     Trigger
	deleter     Deleter
	status      Status
	deleteToken string
	metrics     http.Handler
	started     time.Time
	now         func() time.Time
}

// Deps are the collaborators of a Server. An empty DeleteToken disables
// POST /delete/{id}.
type Deps struct {
	Catalog     Catalog
	Trigger     Trigger
	Deleter     Deleter
	Status      Status
	DeleteToken string
	// Metrics defaults to the Prometheus default gatherer.
	Metrics http.Handler
	// Now defaults to time.Now; Started defaults to the first Now.
	Now     func() time.Time
	Started time.Time
}

// New creates a server.
func New(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Started.IsZero() {
		d.Started = d.Now()
	}
	return &Server{
		catalog:     d.Catalog,
		trigger:     d.Trigger,
		deleter:     d.Deleter,
		status:      d.Status,
		deleteToken: d.DeleteToken,
		metrics:     d.Metrics,
		started:     d.Started,
		now:         d.Now,
	}
}

// Handler returns the routed handler wrapped in recovery and access
// logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/instances.json", s.instances).Methods(http.MethodGet)
	r.HandleFunc("/update", s.update).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/update/status", s.updateStatus).Methods(http.MethodGet)
	r.Handle("/delete/{id:[0-9]+}", s.authenticated(http.HandlerFunc(s.delete))).Methods(http.MethodPost)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}), handlers.PrintRecoveryStack(true))(h)
	h = handlers.CombinedLoggingHandler(accessLog{}, h)
	return h
}

// NewHTTPServer binds the handler to addr.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	log.Error().Interface("panic", v).Msg("http handler panicked")
}

// accessLog forwards combined log lines to zerolog at debug level.
type accessLog struct{}

func (accessLog) Write(p []byte) (int, error) {
	log.Debug().Str("access", strings.TrimRight(string(p), "\n")).Msg("http request")
	return len(p), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health is the body of GET /health. Uptime is in seconds.
type Health struct {
	Status     string     `json:"status"`
	Uptime     int64      `json:"uptime"`
	Running    bool       `json:"running"`
	LastUpdate *time.Time `json:"last_update,omitempty"`
}

// Health reports uptime and the reconciler state.
func (s *Server) Health() Health {
	h := Health{
		Status:  "ok",
		Uptime:  int64(s.now().Sub(s.started).Seconds()),
		Running: s.status.Running(),
	}
	if t, ok := s.status.LastUpdate(); ok {
		h.LastUpdate = &t
	}
	return h
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Health())
}

// instanceView is a catalog row as served by /instances.json. Age and TTL
// are in seconds.
type instanceView struct {
	ID         uint64    `json:"id"`
	Provider   string    `json:"provider"`
	State      string    `json:"state"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Age        int64     `json:"age"`
	TTL        int64     `json:"ttl"`
	InstanceID string    `json:"instance_id"`
	Region     string    `json:"region"`
	Namespace  string    `json:"namespace"`
}

func newInstanceView(r catalog.Row) instanceView {
	return instanceView{
		ID:         r.ID,
		Provider:   string(r.Provider),
		State:      string(r.State),
		FirstSeen:  r.FirstSeen,
		LastSeen:   r.LastSeen,
		Age:        int64(r.Age / time.Second),
		TTL:        int64(r.TTL / time.Second),
		InstanceID: r.InstanceID,
		Region:     r.Region,
		Namespace:  r.Namespace,
	}
}

func (s *Server) instances(w http.ResponseWriter, _ *http.Request) {
	rows, err := s.catalog.List(catalog.Filter{ActiveOnly: true})
	if err != nil {
		log.Error().Err(err).Msg("failed to list catalog")
		writeError(w, http.StatusInternalServerError, "catalog unavailable")
		return
	}
	views := make([]instanceView, 0, len(rows))
	for _, r := range rows {
		views = append(views, newInstanceView(r))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) update(w http.ResponseWriter, r *http.Request) {
	if err := s.trigger.TriggerNow(UpdateJob); err != nil {
		log.Error().Err(err).Msg("failed to trigger update")
	}
	http.Redirect(w, r, "/instances.json", http.StatusSeeOther)
}

type statusView struct {
	Status     string `json:"status"`
	LastUpdate string `json:"last_update"`
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request) {
	if !wantsJSON(r) {
		http.Redirect(w, r, "/instances.json", http.StatusSeeOther)
		return
	}
	view := statusView{Status: "idle"}
	if s.status.Running() {
		view.Status = "running"
	}
	if t, ok := s.status.LastUpdate(); ok {
		view.LastUpdate = t.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deleteToken == "" {
			writeError(w, http.StatusForbidden, "deletion disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deleteToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	row, err := s.deleter.DeleteByID(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, newInstanceView(row))
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "instance not found")
	case errors.Is(err, catalog.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "instance is not active")
	default:
		log.Error().Err(err).Uint64("id", id).Msg("delete failed")
		writeError(w, http.StatusBadGateway, "delete failed")
	}
}
