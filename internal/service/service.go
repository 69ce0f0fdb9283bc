package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/onexay/docvs/internal/config"
	"github.com/onexay/docvs/internal/history"
	"github.com/onexay/docvs/internal/identity"
	"github.com/onexay/docvs/internal/session"
	"github.com/onexay/docvs/internal/storage"
	"github.com/onexay/docvs/internal/types"
)

// Service holds business logic and storage dependencies.
type Service struct {
	store    storage.Store
	history  *history.Service
	sessions *session.Registry
	logger   *slog.Logger
}

// New constructs the service wiring for the configured backend.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	var (
		store storage.Store
		err   error
	)

	switch cfg.Storage.Backend {
	case config.StorageBackendKeyDB:
		store, err = storage.NewKeyDBStore(cfg.Storage.KeyDB, storage.Options{})
	case config.StorageBackendBolt:
		store, err = storage.NewBoltStore(cfg.Storage.BoltPath, storage.Options{})
	case config.StorageBackendPostgres:
		store, err = storage.NewPostgresStore(ctx, cfg.Storage.Postgres, storage.Options{}, logger)
	default:
		store = storage.NewMemoryStore(storage.Options{})
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	return NewWithStore(store, logger), nil
}

// NewWithStore wires a Service around an already opened store.
func NewWithStore(store storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		history:  history.NewService(store, logger),
		sessions: session.NewRegistry(store, logger, nil),
		logger:   logger,
	}
}

// Close flushes open sessions and releases the store.
func (s *Service) Close(ctx context.Context) error {
	sessErr := s.sessions.CloseAll(ctx)
	return errors.Join(sessErr, s.store.Close())
}

// Handler builds the REST routes for the service.
func Handler(svc *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/swagger") {
			svc.handleSwagger(w, r, strings.TrimPrefix(r.URL.Path, "/swagger"))
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/api/v1")
		if path == "" || path == "/" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown endpoint"})
			return
		}

		user, err := identity.CurrentUser(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}

		resource, tail, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
		switch resource {
		case "documents":
			svc.handleDocuments(w, r, user, tail)
		case "branches":
			svc.handleBranches(w, r, user, tail)
		case "commits":
			svc.handleCommits(w, r, user, tail)
		case "sessions":
			svc.handleSessions(w, r, user, tail)
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown resource"})
		}
	})
}

// ShareHandler serves the public, history-free view of a document.
func ShareHandler(svc *Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/share/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document"})
			return
		}
		doc, err := svc.store.GetDocument(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.SnapshotOf(doc))
	})
}

func (s *Service) handleDocuments(w http.ResponseWriter, r *http.Request, user types.UserID, tail string) {
	tail = strings.Trim(tail, "/")
	if tail == "" {
		switch r.Method {
		case http.MethodGet:
			docs, err := s.store.ListDocuments(r.Context(), user)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, docs)
		case http.MethodPost:
			s.handleCreateDocument(w, r, user)
		default:
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		}
		return
	}

	id, action, _ := strings.Cut(tail, "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		overview, err := s.history.GetOverview(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, overview)

	case action == "branches" && r.Method == http.MethodGet:
		branches, err := s.store.ListBranches(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, branches)

	case action == "branches" && r.Method == http.MethodPost:
		var req storage.BranchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		req.DocumentID = id
		req.OwnerID = user
		branch, err := s.store.CreateBranch(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, branch)

	case action == "reconcile" && r.Method == http.MethodPost:
		doc, err := s.history.ReconcileSnapshot(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)

	case action == "" || action == "branches" || action == "reconcile":
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown document action"})
	}
}

type createDocumentRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

func (req createDocumentRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Title, validation.Length(0, storage.MaxTitleLength)),
		validation.Field(&req.Description, validation.Length(0, storage.MaxDescriptionLength)),
	)
}

func (s *Service) handleCreateDocument(w http.ResponseWriter, r *http.Request, user types.UserID) {
	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, &storage.ValidationError{Message: err.Error()})
		return
	}

	res, err := s.history.CreateDocument(r.Context(), req.Title, req.Description, types.Content(req.Content), user)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Service) handleBranches(w http.ResponseWriter, r *http.Request, user types.UserID, tail string) {
	id, action, _ := strings.Cut(strings.Trim(tail, "/"), "/")
	if id == "" || action != "commits" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown branch action"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		commits, err := s.store.ListCommits(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commits)
	case http.MethodPost:
		type request struct {
			Content json.RawMessage `json:"content"`
			Message string          `json:"message,omitempty"`
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		commit, err := s.history.Commit(r.Context(), id, types.Content(req.Content), req.Message, user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, commit)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (s *Service) handleCommits(w http.ResponseWriter, r *http.Request, user types.UserID, tail string) {
	id, action, _ := strings.Cut(strings.Trim(tail, "/"), "/")
	if id == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "commit id required"})
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		commit, err := s.store.GetCommit(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commit)

	case action == "diff" && r.Method == http.MethodGet:
		s.handleDiff(w, r, id)

	case action == "revert" && r.Method == http.MethodPost:
		type request struct {
			DocumentID string `json:"documentId,omitempty"`
		}
		var req request
		if err := decodeOptional(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		if req.DocumentID == "" {
			documentID, err := s.history.DocumentOfCommit(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			req.DocumentID = documentID
		}
		commit, err := s.history.RevertToCommit(r.Context(), id, req.DocumentID, user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, commit)

	case action == "fork" && r.Method == http.MethodPost:
		type request struct {
			Title string `json:"title,omitempty"`
		}
		var req request
		if err := decodeOptional(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		res, err := s.history.CreateDocumentFromCommit(r.Context(), id, req.Title, user)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)

	case action == "" || action == "diff" || action == "revert" || action == "fork":
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown commit action"})
	}
}

func (s *Service) handleDiff(w http.ResponseWriter, r *http.Request, commitID string) {
	query := r.URL.Query()
	format := query.Get("format")
	if format != "" && format != "lines" && format != "unified" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "format must be lines or unified"})
		return
	}

	var (
		cmp history.Comparison
		err error
	)
	if against := query.Get("against"); against != "" {
		cmp, err = s.history.CompareCommits(r.Context(), against, commitID)
	} else {
		cmp, err = s.history.CompareWithBranchHead(r.Context(), commitID, query.Get("branch"))
	}
	if err == nil && format == "unified" {
		cmp, err = s.history.WithUnified(r.Context(), cmp)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request, user types.UserID, tail string) {
	tail = strings.Trim(tail, "/")
	if tail == "" {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		var req session.OpenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		req.UserID = user
		sess, err := s.sessions.Open(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess.Status())
		return
	}

	id, action, _ := strings.Cut(tail, "/")
	sess, err := s.sessions.Get(id)
	if err == nil && sess.UserID != user {
		// Sessions of other users are not visible.
		err = &storage.NotFoundError{Resource: "session", Key: id}
	}
	if err != nil {
		writeError(w, err)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, sess.Status())

	case action == "" && r.Method == http.MethodDelete:
		if err := s.sessions.Close(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case action == "edit" && r.Method == http.MethodPost:
		type request struct {
			Content json.RawMessage `json:"content"`
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Content) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content required"})
			return
		}
		sess.Buffer.SetContent(types.Content(req.Content), true)
		writeJSON(w, http.StatusOK, sess.Status())

	case action == "blur" && r.Method == http.MethodPost:
		if err := sess.Coordinator.Blur(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Status())

	case action == "save" && r.Method == http.MethodPost:
		type request struct {
			Message string `json:"message,omitempty"`
		}
		var req request
		if err := decodeOptional(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		commit, err := sess.Coordinator.Save(r.Context(), req.Message)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"commit":  commit,
			"session": sess.Status(),
		})

	case action == "replace" && r.Method == http.MethodPost:
		type request struct {
			Content  json.RawMessage `json:"content,omitempty"`
			CommitID string          `json:"commitId,omitempty"`
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
			return
		}
		content := types.Content(req.Content)
		if req.CommitID != "" {
			commit, err := s.store.GetCommit(r.Context(), req.CommitID)
			if err != nil {
				writeError(w, err)
				return
			}
			content = commit.Content
		}
		if len(content) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content or commitId required"})
			return
		}
		sess.Coordinator.Replace(content)
		writeJSON(w, http.StatusOK, sess.Status())

	case action == "" || action == "edit" || action == "blur" || action == "save" || action == "replace":
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session action"})
	}
}

// decodeOptional accepts an empty body as the zero request.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeError(w http.ResponseWriter, err error) {
	var authErr *storage.AuthError
	if errors.As(err, &authErr) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErr.Error()})
		return
	}

	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFound.Error()})
		return
	}

	var conflict *storage.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": conflict.Error()})
		return
	}

	if errors.Is(err, session.ErrSaveInProgress) {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}

	var valErr *storage.ValidationError
	if errors.As(err, &valErr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": valErr.Error()})
		return
	}

	var setup *storage.SetupIncompleteError
	if errors.As(err, &setup) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":      setup.Error(),
			"documentId": setup.DocumentID,
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
