package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/auth/remote"
	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/auth/session"
	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/realtime"
	"github.com/Longtran2404/knowledge-base-sub000/cmd/internal/storage"

	"github.com/sony/gobreaker"
)

const maxBodyBytes = 64 << 10

type userView struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

type sessionView struct {
	State        session.State `json:"state"`
	User         *userView     `json:"user,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	LastActivity *time.Time    `json:"last_activity,omitempty"`
	Device       string        `json:"device,omitempty"`

	LastKnownUser *lastKnownView `json:"last_known_user,omitempty"`
	Tiers         []tierView     `json:"tiers"`
}

// tierView reports what one storage tier currently holds: ok, miss or unavailable.
type tierView struct {
	Tier   string `json:"tier"`
	Status string `json:"status"`
}

type lastKnownView struct {
	userView
	LastSeen time.Time `json:"last_seen"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type restoreView struct {
	State session.State `json:"state"`
	Error string        `json:"error,omitempty"`
}

type broadcastRequest struct {
	Scope   string          `json:"scope"`
	Filter  string          `json:"filter,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscriptionView struct {
	Scope   string `json:"scope"`
	Filter  string `json:"filter,omitempty"`
	Channel string `json:"channel"`
}

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", a.handleReady)
	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("GET /session", a.handleSession)
	mux.HandleFunc("POST /session/restore", a.handleRestore)
	mux.HandleFunc("POST /session/signin", a.handleSignIn)
	mux.HandleFunc("POST /session/activity", a.handleActivity)
	mux.HandleFunc("POST /session/signout", a.handleSignOut)

	mux.HandleFunc("GET /realtime/subscriptions", a.handleSubscriptions)
	mux.HandleFunc("POST /realtime/broadcast", a.handleBroadcast)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.fast != nil {
		st := a.fast.BreakerState()
		a.metrics.SetBreakerState("redis", breakerGauge(st))
		if a.cfg.ReadinessRequireRedis && st == gobreaker.StateOpen {
			http.Error(w, "redis breaker open", http.StatusServiceUnavailable)
			return
		}
	} else if a.cfg.ReadinessRequireRedis {
		http.Error(w, "redis not configured", http.StatusServiceUnavailable)
		return
	}

	if a.dbPool != nil {
		if err := pingPool(r.Context(), a.dbPool, 2*time.Second); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			a.log.Info("readyz.db.not_ready", "err", err)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func breakerGauge(st gobreaker.State) int {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	v := sessionView{State: a.coord.State()}

	results := a.store.ReadAll(r.Context())
	v.Tiers = make([]tierView, 0, len(results))
	for _, res := range results {
		v.Tiers = append(v.Tiers, tierView{Tier: res.Tier, Status: tierStatus(res)})
	}

	if v.State == session.StateActive {
		if rec, ok := storage.FirstOK(results); ok {
			v.User = &userView{ID: rec.User.ID, Email: rec.User.Email, FullName: rec.User.FullName}
			exp := rec.Credentials.ExpiresAt
			last := rec.LastActivity
			v.ExpiresAt = &exp
			v.LastActivity = &last
			v.Device = rec.Device.Fingerprint
		}
	}
	if u, ok := a.store.LastKnownUser(r.Context()); ok {
		v.LastKnownUser = &lastKnownView{
			userView: userView{ID: u.ID, Email: u.Email, FullName: u.FullName},
			LastSeen: u.LastSeen,
		}
	}
	respond(w, http.StatusOK, v)
}

func tierStatus(res storage.Result) string {
	switch {
	case res.OK():
		return "ok"
	case errors.Is(res.Err, storage.ErrNotFound):
		return "miss"
	default:
		return "unavailable"
	}
}

func (a *App) handleRestore(w http.ResponseWriter, r *http.Request) {
	out := a.Restore(r.Context())
	v := restoreView{State: out.State}
	if out.Err != nil {
		v.Error = out.Err.Error()
	}
	respond(w, http.StatusOK, v)
}

func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := readBody(w, r, &req); err != nil {
		respondBodyError(w, err)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		respondProblem(w, http.StatusBadRequest, "bad_request", "email and password are required")
		return
	}

	out, err := a.SignIn(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, ErrSignInUnavailable):
		respondProblem(w, http.StatusServiceUnavailable, "signin_unavailable", "no backend configured")
		return
	case errors.Is(err, remote.ErrUnauthorized):
		respondProblem(w, http.StatusUnauthorized, "invalid_credentials", "email or password rejected")
		return
	case err != nil:
		respondProblem(w, http.StatusBadGateway, "backend_error", "sign-in failed")
		return
	}
	respond(w, http.StatusOK, restoreView{State: out.State})
}

func (a *App) handleActivity(w http.ResponseWriter, r *http.Request) {
	if !a.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		respondProblem(w, http.StatusTooManyRequests, "rate_limited", "too many activity signals")
		return
	}
	a.tracker.Tick(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	a.SignOut(context.WithoutCancel(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	keys := a.registry.Keys()
	out := make([]subscriptionView, 0, len(keys))
	for _, k := range keys {
		out = append(out, subscriptionView{Scope: k.Scope, Filter: k.Filter, Channel: k.ChannelName()})
	}
	respond(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (a *App) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := readBody(w, r, &req); err != nil {
		respondBodyError(w, err)
		return
	}
	req.Scope = strings.TrimSpace(req.Scope)
	req.Event = strings.TrimSpace(req.Event)
	if req.Scope == "" || req.Event == "" {
		respondProblem(w, http.StatusBadRequest, "bad_request", "scope and event are required")
		return
	}

	key := realtime.Key{Scope: req.Scope, Filter: strings.TrimSpace(req.Filter)}
	if !a.registry.Broadcast(r.Context(), key, req.Event, req.Payload) {
		respondProblem(w, http.StatusNotFound, "channel_not_found", "no live channel for key")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
