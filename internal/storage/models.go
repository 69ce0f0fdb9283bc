package storage

import (
	"encoding/json"
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/onexay/docvs/internal/types"
)

// DefaultBranchName is the conventional fallback identifier for the default branch.
const DefaultBranchName = "main"

const (
	MaxTitleLength       = 255
	MaxDescriptionLength = 2000
	MaxMessageLength     = 500
	MaxBranchNameLength  = 100
)

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)

// CreateDocumentRequest describes a new document lineage.
type CreateDocumentRequest struct {
	Title          string
	Description    string
	Content        types.Content
	OwnerID        types.UserID
	InitialMessage string
}

// DocumentResult identifies the rows written by CreateDocument.
type DocumentResult struct {
	DocumentID string `json:"documentId"`
	BranchID   string `json:"branchId"`
	CommitID   string `json:"commitId"`
	Title      string `json:"title"`
}

// CommitRequest appends a snapshot to a branch.
type CommitRequest struct {
	BranchID string
	Content  types.Content
	Message  string
	AuthorID types.UserID
}

// BranchRequest creates a non-default branch, optionally seeded from a commit.
type BranchRequest struct {
	DocumentID   string       `json:"-"`
	Name         string       `json:"name"`
	FromCommitID string       `json:"fromCommit,omitempty"`
	OwnerID      types.UserID `json:"-"`
}

func (r CreateDocumentRequest) validate() error {
	if strings.TrimSpace(string(r.OwnerID)) == "" {
		return &AuthError{Message: "owner id is required"}
	}
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required, validation.Length(1, MaxTitleLength)),
		validation.Field(&r.Description, validation.Length(0, MaxDescriptionLength)),
		validation.Field(&r.Content, validation.Required, validation.By(validJSON)),
		validation.Field(&r.InitialMessage, validation.Length(0, MaxMessageLength)),
	)
	return asValidationError(err)
}

func (r CommitRequest) validate() error {
	if strings.TrimSpace(string(r.AuthorID)) == "" {
		return &AuthError{Message: "author id is required"}
	}
	err := validation.ValidateStruct(&r,
		validation.Field(&r.BranchID, validation.Required),
		validation.Field(&r.Content, validation.Required, validation.By(validJSON)),
		validation.Field(&r.Message, validation.Length(0, MaxMessageLength)),
	)
	return asValidationError(err)
}

func (r BranchRequest) validate() error {
	if strings.TrimSpace(string(r.OwnerID)) == "" {
		return &AuthError{Message: "owner id is required"}
	}
	err := validation.ValidateStruct(&r,
		validation.Field(&r.DocumentID, validation.Required),
		validation.Field(&r.Name,
			validation.Required,
			validation.Length(1, MaxBranchNameLength),
			validation.Match(branchNamePattern).Error("branch name may only contain letters, digits, '.', '_', '/' and '-'"),
		),
	)
	if err != nil {
		return asValidationError(err)
	}
	if r.Name == DefaultBranchName {
		return &ConflictError{Resource: "branch", Key: r.Name}
	}
	return nil
}

func validJSON(value interface{}) error {
	raw, _ := value.(types.Content)
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return errors.New("must be valid JSON")
	}
	return nil
}

func asValidationError(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Message: err.Error()}
}

// commitTimestamp keeps a branch's history strictly ordered even when the
// wall clock stalls or steps backwards.
func commitTimestamp(now, latest time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !latest.IsZero() && !t.After(latest) {
		t = latest.Add(time.Microsecond)
	}
	return t
}

func sortBranches(branches []types.Branch) {
	slices.SortFunc(branches, func(a, b types.Branch) int {
		if a.IsDefault != b.IsDefault {
			if a.IsDefault {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Name, b.Name)
	})
}

func sortCommitsDesc(commits []types.Commit) {
	slices.SortFunc(commits, func(a, b types.Commit) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

// pickDefault applies the default-branch policy: the flagged branch wins,
// otherwise the one named "main".
func pickDefault(branches []types.Branch) (types.Branch, bool) {
	var fallback *types.Branch
	for i := range branches {
		if branches[i].IsDefault {
			return branches[i], true
		}
		if branches[i].Name == DefaultBranchName && fallback == nil {
			fallback = &branches[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return types.Branch{}, false
}

func cloneContent(c types.Content) types.Content {
	if c == nil {
		return nil
	}
	return append(types.Content(nil), c...)
}
