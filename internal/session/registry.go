package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onexay/docvs/internal/metrics"
	"github.com/onexay/docvs/internal/storage"
	"github.com/onexay/docvs/internal/types"
)

// OpenRequest starts a server-hosted editing session.
type OpenRequest struct {
	DocumentID string       `json:"documentId"`
	BranchID   string       `json:"branchId,omitempty"`
	UserID     types.UserID `json:"-"`
}

// Session is a live coordinator plus the buffer it saves from.
type Session struct {
	ID          string
	DocumentID  string
	BranchID    string
	UserID      types.UserID
	Buffer      *Buffer
	Coordinator *Coordinator
	status      *statusListener
}

// Status is the externally visible view of a session.
type Status struct {
	ID         string        `json:"id"`
	DocumentID string        `json:"documentId"`
	BranchID   string        `json:"branchId,omitempty"`
	State      State         `json:"state"`
	Dirty      bool          `json:"dirty"`
	LastError  string        `json:"lastError,omitempty"`
	Content    types.Content `json:"content,omitempty"`
}

// Status snapshots the session.
func (s *Session) Status() Status {
	return Status{
		ID:         s.ID,
		DocumentID: s.DocumentID,
		BranchID:   s.BranchID,
		State:      s.Coordinator.State(),
		Dirty:      s.Coordinator.Dirty(),
		LastError:  s.status.lastError(),
		Content:    s.Buffer.GetContent(),
	}
}

// Registry tracks open sessions by ID.
type Registry struct {
	store  storage.Store
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry over store.
func NewRegistry(store storage.Store, logger *slog.Logger, clock func() time.Time) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		store:    store,
		logger:   logger,
		clock:    clock,
		sessions: make(map[string]*Session),
	}
}

// Open loads the head of the requested branch, or the default branch when
// none is given, into a new session.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.UserID == "" {
		return nil, &storage.AuthError{Message: "user id is required"}
	}
	if req.DocumentID == "" {
		return nil, &storage.ValidationError{Message: "documentId is required"}
	}

	content, err := r.initialContent(ctx, req.DocumentID, req.BranchID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:         uuid.NewString(),
		DocumentID: req.DocumentID,
		BranchID:   req.BranchID,
		UserID:     req.UserID,
		Buffer:     NewBuffer(content),
		status:     &statusListener{},
	}
	sess.Coordinator = NewCoordinator(Config{
		DocumentID: req.DocumentID,
		BranchID:   req.BranchID,
		UserID:     req.UserID,
		Store:      r.store,
		Surface:    sess.Buffer,
		Listener:   sess.status,
		Logger:     r.logger.With("session_id", sess.ID),
		Clock:      r.clock,
	})
	sess.Buffer.OnEdit(sess.Coordinator.Edit)

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()

	return sess, nil
}

func (r *Registry) initialContent(ctx context.Context, documentID, branchID string) (types.Content, error) {
	doc, err := r.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	if branchID == "" {
		def, err := r.store.ResolveDefaultBranch(ctx, documentID)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, &storage.SetupIncompleteError{DocumentID: documentID, Stage: "default branch", Err: err}
			}
			return nil, err
		}
		branchID = def.ID
	} else {
		branch, err := r.store.GetBranch(ctx, branchID)
		if err != nil {
			return nil, err
		}
		if branch.DocumentID != documentID {
			return nil, &storage.NotFoundError{Resource: "branch", Key: branchID}
		}
	}

	commits, err := r.store.ListCommits(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if len(commits) > 0 {
		return commits[0].Content, nil
	}
	return doc.CurrentContent, nil
}

// Get returns an open session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, &storage.NotFoundError{Resource: "session", Key: id}
	}
	return sess, nil
}

// Close detaches and forgets a session.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return &storage.NotFoundError{Resource: "session", Key: id}
	}
	sess.Coordinator.Close()
	metrics.ActiveSessions.Dec()
	return nil
}

// CloseAll closes every open session, saving dirty ones first.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		sessions = append(sessions, sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Coordinator.Blur(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", sess.ID, err))
		}
		sess.Coordinator.Close()
		metrics.ActiveSessions.Dec()
	}
	return errors.Join(errs...)
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// statusListener keeps the last save error for status reads.
type statusListener struct {
	mu  sync.Mutex
	err error
}

func (l *statusListener) DirtyChanged(bool) {}

func (l *statusListener) SaveStateChanged(state State) {
	if state == Clean {
		l.mu.Lock()
		l.err = nil
		l.mu.Unlock()
	}
}

func (l *statusListener) SaveError(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

func (l *statusListener) lastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		return ""
	}
	return l.err.Error()
}
