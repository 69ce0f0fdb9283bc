// Package session coordinates autosave and manual save for an open document.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onexay/docvs/internal/metrics"
	"github.com/onexay/docvs/internal/storage"
	"github.com/onexay/docvs/internal/types"
)

// Store is the slice of storage.Store a coordinator needs.
type Store interface {
	ResolveDefaultBranch(ctx context.Context, documentID string) (types.Branch, error)
	CreateCommit(ctx context.Context, req storage.CommitRequest) (types.Commit, error)
	RefreshDocumentSnapshot(ctx context.Context, documentID string, content types.Content) error
}

// Surface is the editor holding the live content.
type Surface interface {
	GetContent() types.Content
	// SetContent replaces the content. emitDirty controls whether the change
	// is reported back as an edit.
	SetContent(content types.Content, emitDirty bool)
}

// Listener receives save notifications.
type Listener interface {
	DirtyChanged(dirty bool)
	SaveStateChanged(state State)
	SaveError(err error)
}

// Config wires a coordinator to its collaborators.
type Config struct {
	DocumentID string
	// BranchID pins the session to a branch. Empty means the document's
	// default branch, resolved on every save.
	BranchID string
	UserID   types.UserID
	Store    Store
	Surface  Surface
	Listener Listener
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Coordinator serializes saves for one editing session.
type Coordinator struct {
	documentID string
	branchID   string
	userID     types.UserID
	store      Store
	surface    Surface
	logger     *slog.Logger
	clock      func() time.Time

	mu       sync.Mutex
	state    State
	dirty    bool
	edited   bool   // edits seen while Saving
	gen      uint64 // bumped by ExternalReplace to orphan in-flight saves
	inflight bool   // a CreateCommit is running, stale or not
	listener Listener
	closed   bool
}

// NewCoordinator returns a coordinator in the Clean state.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		documentID: cfg.DocumentID,
		branchID:   cfg.BranchID,
		userID:     cfg.UserID,
		store:      cfg.Store,
		surface:    cfg.Surface,
		listener:   cfg.Listener,
		logger:     logger.With("document_id", cfg.DocumentID),
		clock:      clock,
	}
}

// State reports the current save state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dirty reports whether the surface holds uncommitted changes.
func (c *Coordinator) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Edit records a content change made through the surface.
func (c *Coordinator) Edit() {
	c.mu.Lock()
	prev := c.state
	next, effect := Transition(c.state, Edit)
	c.state = next
	if effect == EffectRecordEdit {
		c.edited = true
	}
	becameDirty := !c.dirty
	c.dirty = true
	n := c.notifier()
	c.mu.Unlock()

	if becameDirty {
		n.dirty(true)
	}
	if next != prev {
		n.state(next)
	}
}

// Blur autosaves when there is something to save. It does nothing while a
// save is running or when the session is clean.
func (c *Coordinator) Blur(ctx context.Context) error {
	gen, ok, err := c.begin(Blur)
	if err != nil || !ok {
		return err
	}
	message := "Auto-save at " + c.clock().UTC().Format(time.RFC3339)
	_, err = c.save(ctx, gen, metrics.TriggerAutosave, message)
	return err
}

// Save commits the current content on explicit request. An empty message is
// replaced with a timestamped default.
func (c *Coordinator) Save(ctx context.Context, message string) (types.Commit, error) {
	gen, ok, err := c.begin(ManualSave)
	if err != nil || !ok {
		return types.Commit{}, err
	}
	if message == "" {
		message = "Manual save at " + c.clock().UTC().Format(time.RFC3339)
	}
	return c.save(ctx, gen, metrics.TriggerManual, message)
}

// Replace loads content that did not come from the user, such as a revert
// or a branch switch. Any in-flight save is left to finish without effect.
func (c *Coordinator) Replace(content types.Content) {
	c.mu.Lock()
	prev := c.state
	next, _ := Transition(c.state, ExternalReplace)
	c.state = next
	c.dirty = false
	c.edited = false
	c.gen++
	n := c.notifier()
	c.mu.Unlock()

	c.surface.SetContent(content, false)
	if next != prev {
		n.state(next)
	}
}

// Close detaches the listener. A save already running may still land in the
// store but no further notifications are sent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.listener = nil
	c.mu.Unlock()
}

func (c *Coordinator) begin(event Event) (uint64, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, false, nil
	}
	if c.inflight {
		// A save orphaned by Replace still occupies the store.
		c.mu.Unlock()
		if event == ManualSave {
			return 0, false, ErrSaveInProgress
		}
		return 0, false, nil
	}
	next, effect := Transition(c.state, event)
	switch effect {
	case EffectReject:
		c.mu.Unlock()
		return 0, false, ErrSaveInProgress
	case EffectCommit:
	default:
		c.mu.Unlock()
		return 0, false, nil
	}
	c.state = next
	c.edited = false
	c.inflight = true
	gen := c.gen
	n := c.notifier()
	c.mu.Unlock()

	n.state(next)
	return gen, true, nil
}

func (c *Coordinator) save(ctx context.Context, gen uint64, trigger, message string) (types.Commit, error) {
	content := c.surface.GetContent()

	commit, isDefault, err := c.commit(ctx, content, message)
	if err != nil {
		metrics.SaveFailures.WithLabelValues(trigger).Inc()
		c.finish(gen, SaveFailed, err)
		return types.Commit{}, err
	}
	metrics.CommitsCreated.WithLabelValues(trigger).Inc()

	if isDefault {
		if err := c.store.RefreshDocumentSnapshot(ctx, c.documentID, content); err != nil {
			metrics.SnapshotRefreshFailures.Inc()
			c.logger.Warn("snapshot refresh failed", "commit_id", commit.ID, "error", err)
		}
	}

	c.finish(gen, SaveSucceeded, nil)
	return commit, nil
}

// commit appends content to the session branch and reports whether that
// branch is the document's default.
func (c *Coordinator) commit(ctx context.Context, content types.Content, message string) (types.Commit, bool, error) {
	def, resolveErr := c.store.ResolveDefaultBranch(ctx, c.documentID)
	target := c.branchID
	if target == "" {
		if resolveErr != nil {
			return types.Commit{}, false, resolveErr
		}
		target = def.ID
	} else if resolveErr != nil {
		c.logger.Warn("default branch lookup failed", "branch_id", target, "error", resolveErr)
	}

	commit, err := c.store.CreateCommit(ctx, storage.CommitRequest{
		BranchID: target,
		Content:  content,
		Message:  message,
		AuthorID: c.userID,
	})
	if err != nil {
		return types.Commit{}, false, fmt.Errorf("commit to branch %s: %w", target, err)
	}
	return commit, resolveErr == nil && def.ID == target, nil
}

func (c *Coordinator) finish(gen uint64, event Event, saveErr error) {
	c.mu.Lock()
	c.inflight = false
	if gen != c.gen {
		// Content was replaced while saving; the result no longer describes the surface.
		c.mu.Unlock()
		return
	}
	next, _ := Transition(c.state, event)
	wasDirty := c.dirty
	if event == SaveSucceeded {
		c.dirty = c.edited
		if c.edited {
			next, _ = Transition(next, Edit)
		}
	}
	c.edited = false
	c.state = next
	n := c.notifier()
	nowDirty := c.dirty
	c.mu.Unlock()

	if saveErr != nil {
		n.saveError(saveErr)
	}
	if wasDirty != nowDirty {
		n.dirty(nowDirty)
	}
	n.state(next)
}

// notifier snapshots the listener so callbacks run without the mutex held.
func (c *Coordinator) notifier() notifier {
	return notifier{l: c.listener}
}

type notifier struct {
	l Listener
}

func (n notifier) dirty(d bool) {
	if n.l != nil {
		n.l.DirtyChanged(d)
	}
}

func (n notifier) state(s State) {
	if n.l != nil {
		n.l.SaveStateChanged(s)
	}
}

func (n notifier) saveError(err error) {
	if n.l != nil {
		n.l.SaveError(err)
	}
}
