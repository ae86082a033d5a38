package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/akiranaka1984/sns-orchestrator/pkg/errors"
	"github.com/akiranaka1984/sns-orchestrator/pkg/storage"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type postRequest struct {
	Content   string   `json:"content"`
	MediaURLs []string `json:"mediaUrls,omitempty"`
}

type accountRequest struct {
	Platform string `json:"platform"`
	DeviceID string `json:"deviceId"`
	Username string `json:"username,omitempty"`
}

type schedulePostRequest struct {
	Content     string    `json:"content"`
	MediaURLs   []string  `json:"mediaUrls,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Password == "" {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "password is required"))
		return
	}

	res, err := s.orch.Login(r.Context(), accountID, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req postRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" && len(req.MediaURLs) == 0 {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "post needs content or media"))
		return
	}

	res, err := s.orch.Post(r.Context(), accountID, req.Content, req.MediaURLs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCheckHealth(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	res, err := s.orch.CheckHealth(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTestPreview(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if err := s.orch.TestPreview(r.Context(), accountID, s.cfg.PreviewHold); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "previewing"})
}

func (s *Server) handleStopPreview(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	stopped := s.orch.StopPreview(accountID)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	res, err := s.orch.DeleteSession(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	session, err := s.orch.Store().GetSession(accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeError(w, errors.New(errors.ErrCodeSessionMissing, "no session recorded for account"))
		return
	}

	payload := struct {
		*storage.Session
		RunningOperation string `json:"runningOperation,omitempty"`
		CurrentStep      string `json:"currentStep,omitempty"`
	}{Session: session}
	if op, busy := s.orch.ActiveOperation(accountID); busy {
		payload.RunningOperation = string(op.Type)
		payload.CurrentStep = string(op.Step())
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleUpsertAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req accountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Platform == "" || req.DeviceID == "" {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "platform and deviceId are required"))
		return
	}

	account := &storage.Account{
		AccountID: accountID,
		Platform:  req.Platform,
		DeviceID:  req.DeviceID,
		Username:  req.Username,
	}
	if err := s.orch.Store().UpsertAccount(account); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.orch.Store().ListAccounts()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleSchedulePost(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var req schedulePostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" && len(req.MediaURLs) == 0 {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "post needs content or media"))
		return
	}
	if req.ScheduledAt.IsZero() {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "scheduledAt is required"))
		return
	}

	scheduledAt := req.ScheduledAt.UTC()
	post := &storage.Post{
		PostID:      ulid.Make().String(),
		AccountID:   accountID,
		Content:     req.Content,
		MediaURLs:   req.MediaURLs,
		ScheduledAt: &scheduledAt,
		Status:      storage.PostStatusScheduled,
	}
	if err := s.orch.Store().CreatePost(post); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	posts, err := s.orch.Store().ListPostsByAccount(accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, posts)
}

func (s *Server) handleRetryPost(w http.ResponseWriter, r *http.Request) {
	postID := chi.URLParam(r, "postID")
	requeued, err := s.orch.Store().RequeuePost(postID, time.Now().UTC())
	if err != nil {
		writeError(w, err)
		return
	}
	if !requeued {
		writeError(w, errors.New(errors.ErrCodeInvalidInput, "only failed posts can be retried"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"requeued": true})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "malformed request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	message := err.Error()
	if e, ok := err.(*errors.Error); ok {
		if e.UserMessage != "" {
			message = e.UserMessage
		} else {
			message = e.Message
		}
	}

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = message
	writeJSON(w, httpStatus(code), body)
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeSessionMissing:
		return http.StatusNotFound
	case errors.ErrCodeAlreadyRunning:
		return http.StatusConflict
	case errors.ErrCodeSessionExpired:
		return http.StatusConflict
	case errors.ErrCodeDeviceUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrCodeStepTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrCodeDriver, errors.ErrCodeDeviceAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
