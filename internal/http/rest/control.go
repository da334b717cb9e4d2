package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/obb_downloader/internal/downloader"
	"github.com/italolelis/obb_downloader/internal/logctx"
	"github.com/italolelis/obb_downloader/internal/netgate"
	"github.com/italolelis/obb_downloader/internal/notifier"
	"github.com/italolelis/obb_downloader/internal/storage"
	"github.com/italolelis/obb_downloader/internal/telemetry"
)

const maxBodySize = 64 << 10

// Scheduler wakes the downloader.
type Scheduler interface {
	Trigger()
	NetworkChanged()
	WakeAt() time.Time
}

// StatusSource exposes the latest batch state.
type StatusSource interface {
	Latest() (notifier.State, notifier.Progress)
}

// ControlHandler serves the status and control API.
type ControlHandler struct {
	username  string
	password  string
	store     storage.DownloadRepository
	control   *downloader.Control
	monitor   *netgate.Monitor
	scheduler Scheduler
	status    StatusSource
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

// NewControlHandler creates the API handler. Basic auth is enforced when username is set.
func NewControlHandler(
	username, password string,
	store storage.DownloadRepository,
	control *downloader.Control,
	monitor *netgate.Monitor,
	scheduler Scheduler,
	status StatusSource,
	t *telemetry.Telemetry,
) *ControlHandler {
	return &ControlHandler{
		username:  username,
		password:  password,
		store:     store,
		control:   control,
		monitor:   monitor,
		scheduler: scheduler,
		status:    status,
		telemetry: t,
		now:       time.Now,
	}
}

// Routes returns the API router.
func (h *ControlHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(h.telemetry).Middleware)

	r.Method(http.MethodGet, "/metrics", h.telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if h.username != "" {
			r.Use(h.basicAuthMiddleware)
		}

		r.Get("/status", h.HandleStatus)
		r.Get("/downloads", h.HandleDownloads)
		r.Post("/pause", h.HandlePause)
		r.Post("/resume", h.HandleResume)
		r.Post("/cancel", h.HandleCancel)
		r.Put("/network", h.HandleNetwork)
		r.Put("/settings/cellular", h.HandleCellular)
	})

	return r
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	State           notifier.State    `json:"state"`
	Progress        notifier.Progress `json:"progress"`
	Paused          bool              `json:"paused"`
	WakeAt          *time.Time        `json:"wake_at,omitempty"`
	Network         netgate.Snapshot  `json:"network"`
	CellularAllowed bool              `json:"cellular_allowed"`
}

// DownloadResponse describes one record in GET /v1/downloads.
type DownloadResponse struct {
	Index        int        `json:"index"`
	FileName     string     `json:"file_name"`
	Status       string     `json:"status"`
	StatusCode   int        `json:"status_code"`
	CurrentBytes int64      `json:"current_bytes"`
	TotalBytes   int64      `json:"total_bytes"`
	FailedCount  int        `json:"failed_count"`
	RestartAt    *time.Time `json:"restart_at,omitempty"`
}

// HandleStatus reports the latest batch state and progress.
func (h *ControlHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	state, progress := h.status.Latest()

	resp := StatusResponse{
		State:           state,
		Progress:        progress,
		Paused:          h.control.Paused(),
		Network:         h.monitor.Snapshot(),
		CellularAllowed: h.monitor.CellularAllowed(),
	}

	if wake := h.scheduler.WakeAt(); !wake.IsZero() {
		resp.WakeAt = &wake
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleDownloads lists the stored download records.
func (h *ControlHandler) HandleDownloads(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	records, err := h.store.ListAll(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list downloads", "err", err)
		http.Error(w, "failed to list downloads", http.StatusInternalServerError)

		return
	}

	now := h.now()
	resp := make([]DownloadResponse, 0, len(records))

	for _, rec := range records {
		d := DownloadResponse{
			Index:        rec.Index,
			FileName:     rec.FileName,
			Status:       rec.Status.String(),
			StatusCode:   int(rec.Status),
			CurrentBytes: rec.CurrentBytes,
			TotalBytes:   rec.TotalBytes,
			FailedCount:  rec.FailedCount,
		}

		if restart := rec.RestartTime(now); rec.FailedCount > 0 && restart.After(now) {
			d.RestartAt = &restart
		}

		resp = append(resp, d)
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandlePause stops the running transfer at the next chunk and keeps its partial file.
func (h *ControlHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control.Pause()
	logctx.LoggerFromContext(r.Context()).InfoContext(r.Context(), "download paused by request")

	w.WriteHeader(http.StatusAccepted)
}

// HandleResume clears a pause or cancel request and starts a batch.
func (h *ControlHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control.Resume()
	h.scheduler.Trigger()
	logctx.LoggerFromContext(r.Context()).InfoContext(r.Context(), "download resumed by request")

	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel stops the running transfer and discards its partial file.
func (h *ControlHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control.Cancel()
	logctx.LoggerFromContext(r.Context()).InfoContext(r.Context(), "download canceled by request")

	w.WriteHeader(http.StatusAccepted)
}

// HandleNetwork accepts a connectivity snapshot from the host.
func (h *ControlHandler) HandleNetwork(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var snapshot netgate.Snapshot
	if err := decodeJSON(r, &snapshot); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to decode network snapshot", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	changed := h.monitor.Update(snapshot)
	if changed {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "network changed",
			"connected", snapshot.Connected, "cellular", snapshot.Cellular, "roaming", snapshot.Roaming)
		h.scheduler.NetworkChanged()
	}

	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

type cellularRequest struct {
	Allowed *bool `json:"allowed"`
}

// HandleCellular stores the user's permission to download over cellular.
func (h *ControlHandler) HandleCellular(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req cellularRequest
	if err := decodeJSON(r, &req); err != nil || req.Allowed == nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	md, err := h.store.Metadata(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to read metadata", "err", err)
		http.Error(w, "failed to update settings", http.StatusInternalServerError)

		return
	}

	if *req.Allowed {
		md.Flags |= storage.FlagDownloadOverCellular
	} else {
		md.Flags &^= storage.FlagDownloadOverCellular
	}

	if err := h.store.UpdateMetadata(ctx, md); err != nil {
		logger.ErrorContext(ctx, "failed to update metadata", "err", err)
		http.Error(w, "failed to update settings", http.StatusInternalServerError)

		return
	}

	h.monitor.SetCellularAllowed(*req.Allowed)

	if *req.Allowed {
		h.scheduler.Trigger()
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ControlHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="obb_downloader"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty request body")
		}

		return err
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
