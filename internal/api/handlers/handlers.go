// Package handlers implements camofy's HTTP surface: one method per
// route, each replying through internal/apierr's uniform envelope.
// Grounded on every *_handler function in original_source/src/*.rs,
// adapted from the teacher's internal/api/handlers package layout.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camofy/camofy/internal/apierr"
	"github.com/camofy/camofy/internal/appconfig"
	"github.com/camofy/camofy/internal/auth"
	"github.com/camofy/camofy/internal/core"
	"github.com/camofy/camofy/internal/events"
	"github.com/camofy/camofy/internal/profiles"
	"github.com/camofy/camofy/internal/scheduler"
	"github.com/camofy/camofy/internal/selection"
	"github.com/camofy/camofy/internal/wshub"
)

// Handlers bundles every component a route needs. Constructed once in
// cmd/camofyd/main.go and wired into the router.
type Handlers struct {
	Cfg       *appconfig.Store
	Profiles  *profiles.Store
	Core      *core.Controller
	Selection *selection.Memory
	Scheduler *scheduler.Scheduler
	Auth      *auth.Service
	Bus       *events.Bus
	Hub       *wshub.Hub
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// ── Profiles ─────────────────────────────────────────────────────

func (h *Handlers) ListProfiles(w http.ResponseWriter, r *http.Request) {
	apierr.WriteOK(w, h.Profiles.List())
}

func (h *Handlers) CreateRemoteProfile(w http.ResponseWriter, r *http.Request) {
	var req struct{ Name, URL string }
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteCode(w, apierr.CodeBadRequest, "invalid request body")
		return
	}
	meta, err := h.Profiles.CreateRemote(req.Name, req.URL)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, meta)
}

func (h *Handlers) CreateUserProfile(w http.ResponseWriter, r *http.Request) {
	var req struct{ Name, Content string }
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteCode(w, apierr.CodeBadRequest, "invalid request body")
		return
	}
	meta, err := h.Profiles.CreateUser(req.Name, req.Content)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, meta)
}

func (h *Handlers) UpdateUserProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct{ Content string }
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteCode(w, apierr.CodeBadRequest, "invalid request body")
		return
	}
	if err := h.Profiles.UpdateUser(r.Context(), id, req.Content); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) DeleteRemoteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.Profiles.DeleteRemote(chi.URLParam(r, "id")); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) DeleteUserProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.Profiles.DeleteUser(chi.URLParam(r, "id")); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) ActivateRemoteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.Profiles.ActivateRemote(r.Context(), chi.URLParam(r, "id")); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) ActivateUserProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.Profiles.ActivateUser(r.Context(), chi.URLParam(r, "id")); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) FetchRemoteProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.Profiles.FetchRemote(r.Context(), chi.URLParam(r, "id")); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

// ── Core ─────────────────────────────────────────────────────────

func (h *Handlers) CoreInfo(w http.ResponseWriter, r *http.Request) {
	apierr.WriteOK(w, h.Core.GetInfo())
}

func (h *Handlers) CoreStatus(w http.ResponseWriter, r *http.Request) {
	running, pid := h.Core.RunningStatus()
	resp := struct {
		Running bool `json:"running"`
		PID     int  `json:"pid,omitempty"`
	}{Running: running, PID: pid}
	apierr.WriteOK(w, resp)
}

func (h *Handlers) CoreOperation(w http.ResponseWriter, r *http.Request) {
	apierr.WriteOK(w, h.Core.OperationSnapshot())
}

// CoreDownload reserves the download operation synchronously (so a
// second request made while one is in flight gets core_operation_in_progress
// right away) and runs the download itself in the background; the caller
// follows progress via the operation tracker and the event bus.
func (h *Handlers) CoreDownload(w http.ResponseWriter, r *http.Request) {
	var req struct{ URL string }
	_ = decodeJSON(r, &req)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	if err := h.Core.DownloadAsync(ctx, cancel, req.URL); err != nil {
		cancel()
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) CoreStart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := h.Core.StartAsync(ctx, cancel); err != nil {
		cancel()
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) CoreRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := h.Core.RestartAsync(ctx, cancel); err != nil {
		cancel()
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) CoreStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := h.Core.StopAsync(ctx, cancel); err != nil {
		cancel()
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

// ── Proxies (engine passthrough) ────────────────────────────────

func (h *Handlers) ListProxies(w http.ResponseWriter, r *http.Request) {
	client, err := h.Core.EngineClient()
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	view, err := client.FetchProxies(r.Context())
	if err != nil {
		apierr.WriteCode(w, "mihomo_proxies_failed", err.Error())
		return
	}
	apierr.WriteOK(w, view)
}

func (h *Handlers) SelectProxy(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	var req struct{ Name string }
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteCode(w, apierr.CodeBadRequest, "invalid request body")
		return
	}

	client, err := h.Core.EngineClient()
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	if err := client.SelectNode(r.Context(), group, req.Name); err != nil {
		apierr.WriteCode(w, "mihomo_select_failed", err.Error())
		return
	}
	if err := h.Selection.Record(group, req.Name); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) GroupDelay(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	testURL, timeoutMs := delayParams(r)

	client, err := h.Core.EngineClient()
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	delays, err := client.GroupDelay(r.Context(), group, testURL, timeoutMs)
	if err != nil {
		apierr.WriteCode(w, "mihomo_delay_proxy_failed", err.Error())
		return
	}
	apierr.WriteOK(w, delays)
}

func (h *Handlers) ProxyDelay(w http.ResponseWriter, r *http.Request) {
	proxy := chi.URLParam(r, "proxy")
	testURL, timeoutMs := delayParams(r)

	client, err := h.Core.EngineClient()
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	delay, err := client.ProxyDelay(r.Context(), proxy, testURL, timeoutMs)
	if err != nil {
		apierr.WriteCode(w, "mihomo_delay_proxy_failed", err.Error())
		return
	}
	apierr.WriteOK(w, struct {
		Delay int `json:"delay"`
	}{Delay: delay})
}

func delayParams(r *http.Request) (testURL string, timeoutMs int) {
	testURL = r.URL.Query().Get("url")
	if testURL == "" {
		testURL = "https://www.gstatic.com/generate_204"
	}
	timeoutMs = 5000
	if v := r.URL.Query().Get("timeout"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			timeoutMs = parsed
		}
	}
	return testURL, timeoutMs
}

// ── Selection memory ─────────────────────────────────────────────

func (h *Handlers) ListSelections(w http.ResponseWriter, r *http.Request) {
	apierr.WriteOK(w, h.Selection.LoadCurrent())
}

// ── Auth ─────────────────────────────────────────────────────────

func (h *Handlers) AuthStatus(w http.ResponseWriter, r *http.Request) {
	apierr.WriteOK(w, struct {
		PasswordSet bool `json:"password_set"`
	}{PasswordSet: h.Auth.PasswordSet()})
}

func (h *Handlers) SetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct{ Password string }
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteCode(w, apierr.CodeBadRequest, "invalid request body")
		return
	}
	if err := h.Auth.SetPassword(req.Password); err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req struct{ Password string }
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteCode(w, apierr.CodeBadRequest, "invalid request body")
		return
	}
	token, expiresAt, err := h.Auth.Login(req.Password)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}{Token: token, ExpiresAt: expiresAt})
}

// ── Scheduled tasks ──────────────────────────────────────────────

func (h *Handlers) GetTasks(w http.ResponseWriter, r *http.Request) {
	snap := h.Cfg.Snapshot()
	apierr.WriteOK(w, struct {
		SubscriptionAutoUpdate *appconfig.ScheduledTaskConfig `json:"subscription_auto_update"`
		GeoIPAutoUpdate        *appconfig.ScheduledTaskConfig `json:"geoip_auto_update"`
	}{SubscriptionAutoUpdate: snap.SubscriptionAutoUpdate, GeoIPAutoUpdate: snap.GeoIPAutoUpdate})
}

func (h *Handlers) UpdateSubscriptionTask(w http.ResponseWriter, r *http.Request) {
	h.updateTask(w, r, func(cfg *appconfig.AppConfig) **appconfig.ScheduledTaskConfig { return &cfg.SubscriptionAutoUpdate })
}

func (h *Handlers) UpdateGeoIPTask(w http.ResponseWriter, r *http.Request) {
	h.updateTask(w, r, func(cfg *appconfig.AppConfig) **appconfig.ScheduledTaskConfig { return &cfg.GeoIPAutoUpdate })
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request, field func(*appconfig.AppConfig) **appconfig.ScheduledTaskConfig) {
	var req struct {
		Cron    string
		Enabled bool
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteCode(w, apierr.CodeBadRequest, "invalid request body")
		return
	}

	// A malformed cron expression is not rejected here: it's persisted
	// as-is and surfaces as last_run_status=error from the scheduler
	// loop on its next tick, matching the original's save-then-report
	// behavior instead of a pre-flight API-level validation code.
	_, err := appconfig.Mutate(h.Cfg, func(cfg *appconfig.AppConfig) struct{} {
		slot := field(cfg)
		*slot = &appconfig.ScheduledTaskConfig{Cron: req.Cron, Enabled: req.Enabled}
		return struct{}{}
	})
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	apierr.WriteOK(w, nil)
}

// ── WebSocket events ─────────────────────────────────────────────

func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeHTTP(w, r)
}
