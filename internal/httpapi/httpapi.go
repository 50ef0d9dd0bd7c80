// Package httpapi is the dashboard/debug JSON API. It reads bridge state
// through read-only accessors and submits login, 2FA, command, and config
// actions into the core.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/trymwestin/blinkd/internal/config"
	"github.com/trymwestin/blinkd/internal/core/auth"
	"github.com/trymwestin/blinkd/internal/core/dispatcher"
	"github.com/trymwestin/blinkd/internal/core/state"
)

// Server is the HTTP API server.
type Server struct {
	authMgr   *auth.Manager
	store     state.Reader
	disp      *dispatcher.Dispatcher
	cfg       config.Config
	cfgPath   string
	imagesDir string
	debug     bool
	corsAll   bool
	log       *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a new HTTP API server.
func NewServer(
	authMgr *auth.Manager,
	store state.Reader,
	disp *dispatcher.Dispatcher,
	cfg config.Config,
	cfgPath string,
	log *slog.Logger,
) *Server {
	s := &Server{
		authMgr:   authMgr,
		store:     store,
		disp:      disp,
		cfg:       cfg,
		cfgPath:   cfgPath,
		imagesDir: cfg.Images.Dir,
		debug:     cfg.HTTP.Debug,
		corsAll:   cfg.HTTP.CORSAll,
		log:       log,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if !s.corsAll {
		return s.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.mux.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleGetStatus)
	s.mux.HandleFunc("GET /api/raw", s.handleGetRaw)
	s.mux.HandleFunc("GET /api/jobs", s.handleGetJobs)
	s.mux.HandleFunc("GET /api/config", s.handleGetConfig)

	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/verify_2fa", s.handleVerify2FA)
	s.mux.HandleFunc("POST /api/arm", s.handleArm)
	s.mux.HandleFunc("POST /api/snap/{name}", s.handleSnap)
	s.mux.HandleFunc("POST /api/config", s.handleSaveConfig)

	// Serve stored snapshot images.
	if s.imagesDir != "" {
		s.mux.Handle("/images/", http.StripPrefix("/images/", http.FileServer(http.Dir(s.imagesDir))))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Handlers ---

type statusResponse struct {
	AuthState string                `json:"auth_state"`
	Challenge *auth.Challenge       `json:"challenge,omitempty"`
	State     *state.CanonicalState `json:"state,omitempty"`
	Seq       uint64                `json:"seq"`
}

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		AuthState: string(s.authMgr.State()),
		Seq:       s.store.Seq(),
	}
	if ch, ok := s.authMgr.Challenge(); ok {
		resp.Challenge = &ch
	}
	if cs, ok := s.store.Canonical(); ok {
		resp.State = &cs
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleGetRaw(w http.ResponseWriter, _ *http.Request) {
	if !s.debug {
		s.writeError(w, http.StatusForbidden, "debug mode is disabled")
		return
	}
	raw, seq := s.store.Raw()
	s.writeJSON(w, map[string]interface{}{"seq": seq, "homescreen": raw})
}

func (s *Server) handleGetJobs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]interface{}{"jobs": s.disp.Jobs()})
}

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Email == "" || body.Password == "" {
		s.writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	if err := s.authMgr.Login(r.Context(), body.Email, body.Password); err != nil {
		s.writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"auth_state": string(s.authMgr.State())})
}

type verifyBody struct {
	Code string `json:"code"`
}

func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	var body verifyBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Code == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	err := s.authMgr.SubmitCode(r.Context(), body.Code)
	switch {
	case err == nil:
		s.writeJSON(w, map[string]string{"auth_state": string(s.authMgr.State())})
	case errors.Is(err, auth.ErrNoChallenge):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrCodeRejected), errors.Is(err, auth.ErrTooManyAttempts):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.writeError(w, http.StatusBadGateway, err.Error())
	}
}

type armBody struct {
	Action string `json:"action"` // "ARM" or "DISARM"
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	var body armBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	var armed bool
	switch body.Action {
	case "ARM", "ARM_AWAY":
		armed = true
	case "DISARM":
		armed = false
	default:
		s.writeError(w, http.StatusBadRequest, "action must be ARM or DISARM")
		return
	}

	if err := s.disp.Arm(r.Context(), armed); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSnap(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "camera name is required")
		return
	}

	jobID, err := s.disp.Snap(r.Context(), name)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if jobID == "" {
		s.writeError(w, http.StatusConflict, "not authenticated")
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok", "job_id": jobID})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	// Never leak secrets to the dashboard.
	cfg := s.cfg
	cfg.Blink.Password = ""
	cfg.MQTT.Password = ""
	s.writeJSON(w, cfg)
}

type saveConfigBody struct {
	MQTTBroker    string `json:"mqtt_broker"`
	MQTTPort      int    `json:"mqtt_port"`
	MQTTUsername  string `json:"mqtt_username"`
	MQTTPassword  string `json:"mqtt_password"`
	PollInterval  int    `json:"poll_interval"`
	BlinkEmail    string `json:"blink_email"`
	BlinkPassword string `json:"blink_password"`
}

// handleSaveConfig persists config changes to the YAML file. They take effect
// on the next restart.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfgPath == "" {
		s.writeError(w, http.StatusServiceUnavailable, "no config file path configured")
		return
	}

	var body saveConfigBody
	if err := s.readJSON(r, &body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}

	if body.MQTTBroker != "" {
		s.cfg.MQTT.Broker = body.MQTTBroker
	}
	if body.MQTTPort != 0 {
		s.cfg.MQTT.Port = body.MQTTPort
	}
	if body.MQTTUsername != "" {
		s.cfg.MQTT.Username = body.MQTTUsername
	}
	if body.MQTTPassword != "" {
		s.cfg.MQTT.Password = body.MQTTPassword
	}
	if body.PollInterval > 0 {
		s.cfg.Poll.IntervalSeconds = body.PollInterval
	}
	if body.BlinkEmail != "" {
		s.cfg.Blink.Email = body.BlinkEmail
	}
	if body.BlinkPassword != "" {
		s.cfg.Blink.Password = body.BlinkPassword
	}

	if err := config.Save(s.cfgPath, s.cfg); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]string{"status": "saved", "note": "restart required to apply"})
}
