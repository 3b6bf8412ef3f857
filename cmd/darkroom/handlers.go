package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/halation/darkroom/internal/connectivity"
	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/film"
	"github.com/halation/darkroom/internal/ledger"
	"github.com/halation/darkroom/internal/models"
	syncengine "github.com/halation/darkroom/internal/sync"
)

// apiServer exposes the film service over localhost REST for UI clients.
type apiServer struct {
	userID  string
	service *film.Service
	ledger  *ledger.Service
	engine  *syncengine.Engine
	monitor *connectivity.Monitor
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/connectivity", s.handleConnectivity)

	mux.HandleFunc("GET /v1/stocks", s.handleStocks)
	mux.HandleFunc("GET /v1/profile", s.handleProfile)

	mux.HandleFunc("GET /v1/rolls", s.handleListRolls)
	mux.HandleFunc("POST /v1/rolls", s.handleStartRoll)
	mux.HandleFunc("GET /v1/rolls/active", s.handleActiveRoll)
	mux.HandleFunc("POST /v1/rolls/active/capture", s.handleCapture)
	mux.HandleFunc("POST /v1/rolls/active/finish", s.handleFinish)
	mux.HandleFunc("GET /v1/rolls/{id}/photos", s.handleDevelop)
	mux.HandleFunc("POST /v1/rolls/{id}/speedup", s.handleSpeedUp)
	mux.HandleFunc("POST /v1/rolls/{id}/archive", s.handleArchive)
	mux.HandleFunc("POST /v1/rolls/{id}/title", s.handleRename)
	mux.HandleFunc("POST /v1/rolls/{id}/unlock", s.handleUnlock)
	mux.HandleFunc("POST /v1/rolls/{id}/post", s.handleCreatePost)
	mux.HandleFunc("POST /v1/rolls/{id}/prints", s.handlePrintOrder)
	mux.HandleFunc("DELETE /v1/rolls/{id}", s.handleDeleteRoll)

	mux.HandleFunc("GET /v1/operations", s.handleOperations)
	mux.HandleFunc("POST /v1/operations/{id}/retry", s.handleRetryOperation)
	mux.HandleFunc("DELETE /v1/operations/{id}", s.handleDiscardOperation)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound, apperrors.ErrNoActiveRoll:
		return http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrDuplicateTitle:
		return http.StatusBadRequest
	case apperrors.ErrInsufficientCredits:
		return http.StatusPaymentRequired
	case apperrors.ErrRollFull, apperrors.ErrRollCompleted, apperrors.ErrRollDeveloped, apperrors.ErrRollLocked:
		return http.StatusConflict
	case apperrors.ErrNetworkUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"code":  string(apperrors.CodeOf(err)),
		"error": err.Error(),
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed request body", err)
	}
	return nil
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleConnectivity receives the platform's reachability signal. An
// offline-to-online flip wakes the drain loop.
func (s *apiServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	s.monitor.SetOnline(req.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": req.Online})
}

func (s *apiServer) handleStocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, film.Stocks())
}

func (s *apiServer) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		profile, err := s.ledger.RefreshProfile(r.Context(), s.userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profile)
		return
	}

	balance, err := s.ledger.Balance(s.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits": balance})
}

func (s *apiServer) handleListRolls(w http.ResponseWriter, r *http.Request) {
	grouped, err := s.service.RollsByStage(s.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grouped)
}

func (s *apiServer) handleStartRoll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stock string `json:"stock"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	roll, err := s.service.StartRoll(r.Context(), s.userID, req.Stock)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roll)
}

func (s *apiServer) handleActiveRoll(w http.ResponseWriter, r *http.Request) {
	roll, err := s.service.ActiveRoll(s.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roll)
}

func (s *apiServer) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Image    string          `json:"image"` // base64
		Metadata json.RawMessage `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "image must be base64", err))
		return
	}

	// Capture must not block on a cancelled UI request; it is a local
	// durable write.
	photo, roll, err := s.service.CapturePhoto(context.WithoutCancel(r.Context()), s.userID, data, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"photo": photo, "roll": roll})
}

func (s *apiServer) handleFinish(w http.ResponseWriter, r *http.Request) {
	roll, err := s.service.FinishRoll(r.Context(), s.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roll)
}

func (s *apiServer) handleDevelop(w http.ResponseWriter, r *http.Request) {
	roll, photos, err := s.service.DevelopRoll(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"roll": roll, "photos": photos})
}

func (s *apiServer) handleSpeedUp(w http.ResponseWriter, r *http.Request) {
	roll, err := s.service.SpeedUpDevelopment(r.Context(), s.userID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roll)
}

func (s *apiServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Archived bool `json:"archived"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	roll, err := s.service.SetArchived(r.PathValue("id"), req.Archived)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roll)
}

func (s *apiServer) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	roll, err := s.service.RenameRoll(r.PathValue("id"), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roll)
}

func (s *apiServer) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	roll, err := s.service.ConfirmUnlockCode(r.Context(), r.PathValue("id"), req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roll)
}

func (s *apiServer) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caption string `json:"caption"`
		AlbumID string `json:"album_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	op, err := s.service.EnqueueCreatePost(s.userID, r.PathValue("id"), req.Caption, req.AlbumID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *apiServer) handlePrintOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PhotoIDs []models.UUID `json:"photo_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	op, err := s.service.EnqueuePrintOrder(s.userID, r.PathValue("id"), req.PhotoIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, op)
}

func (s *apiServer) handleDeleteRoll(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRoll(s.userID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleOperations(w http.ResponseWriter, r *http.Request) {
	pending, err := s.service.PendingOperations(s.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	failed, err := s.service.FailedOperations(s.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": pending, "failed": failed})
}

func operationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInvalid, "operation id must be numeric", err)
	}
	return id, nil
}

func (s *apiServer) handleRetryOperation(w http.ResponseWriter, r *http.Request) {
	id, err := operationID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.service.RetryFailedOperation(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleDiscardOperation(w http.ResponseWriter, r *http.Request) {
	id, err := operationID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.service.DiscardFailedOperation(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
