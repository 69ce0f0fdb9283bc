package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onexay/docvs/internal/types"
)

// PostgresConfig defines relational backend settings.
type PostgresConfig struct {
	URL         string
	TablePrefix string
	MaxConns    int32
	MinConns    int32
}

// tableNames holds prefixed table names so dev/test/prod can share a database.
type tableNames struct {
	Documents string
	Branches  string
	Commits   string
}

func newTableNames(prefix string) tableNames {
	return tableNames{
		Documents: prefix + "documents",
		Branches:  prefix + "branches",
		Commits:   prefix + "commits",
	}
}

type postgresStore struct {
	pool   *pgxpool.Pool
	tables tableNames
	logger *slog.Logger
	clock  func() time.Time
	newID  func() string
}

// NewPostgresStore connects to Postgres and bootstraps the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, opts Options, logger *slog.Logger) (Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := CreateConnectionPool(ctx, cfg.URL, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, err
	}

	s := &postgresStore{
		pool:   pool,
		tables: newTableNames(cfg.TablePrefix),
		logger: logger,
		clock:  opts.clock(),
		newID:  opts.ids(),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	t := s.tables
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			current_content JSONB NOT NULL,
			owner_id        TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_owner_idx ON %[1]s (owner_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS %[2]s (
			id          TEXT PRIMARY KEY,
			document_id TEXT NOT NULL REFERENCES %[1]s (id),
			name        TEXT NOT NULL,
			is_default  BOOLEAN NOT NULL DEFAULT FALSE,
			owner_id    TEXT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			UNIQUE (document_id, name)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS %[2]s_one_default_idx ON %[2]s (document_id) WHERE is_default;

		CREATE TABLE IF NOT EXISTS %[3]s (
			id         TEXT PRIMARY KEY,
			branch_id  TEXT NOT NULL REFERENCES %[2]s (id),
			content    JSONB NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			author_id  TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[3]s_branch_idx ON %[3]s (branch_id, created_at DESC);
	`, t.Documents, t.Branches, t.Commits)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

func (s *postgresStore) CreateDocument(ctx context.Context, req CreateDocumentRequest) (DocumentResult, error) {
	if err := req.validate(); err != nil {
		return DocumentResult{}, err
	}

	now := s.clock().UTC().Truncate(time.Microsecond)
	result := DocumentResult{
		DocumentID: s.newID(),
		BranchID:   s.newID(),
		CommitID:   s.newID(),
		Title:      req.Title,
	}

	err := execTx(ctx, s.pool, s.logger, func(ctx context.Context) error {
		q := executor(ctx, s.pool)
		if _, err := q.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, title, description, current_content, owner_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $6)
		`, s.tables.Documents), result.DocumentID, req.Title, req.Description, req.Content, string(req.OwnerID), now); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}
		if _, err := q.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, document_id, name, is_default, owner_id, created_at)
			VALUES ($1, $2, $3, TRUE, $4, $5)
		`, s.tables.Branches), result.BranchID, result.DocumentID, DefaultBranchName, string(req.OwnerID), now); err != nil {
			return fmt.Errorf("insert default branch: %w", err)
		}
		if _, err := q.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, branch_id, content, message, author_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.tables.Commits), result.CommitID, result.BranchID, req.Content, req.InitialMessage, string(req.OwnerID), now); err != nil {
			return fmt.Errorf("insert initial commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return DocumentResult{}, persistence("create document", err)
	}
	return result, nil
}

func (s *postgresStore) GetDocument(ctx context.Context, documentID string) (types.Document, error) {
	var (
		doc   types.Document
		owner string
	)
	err := executor(ctx, s.pool).QueryRow(ctx, fmt.Sprintf(`
		SELECT id, title, description, current_content, owner_id, created_at, updated_at
		FROM %s WHERE id = $1
	`, s.tables.Documents), documentID).Scan(
		&doc.ID, &doc.Title, &doc.Description, &doc.CurrentContent, &owner, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if isPgNoRowsError(err) {
			return types.Document{}, &NotFoundError{Resource: "document", Key: documentID}
		}
		return types.Document{}, persistence("get document", err)
	}
	doc.OwnerID = types.UserID(owner)
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func (s *postgresStore) ListDocuments(ctx context.Context, ownerID types.UserID) ([]types.Document, error) {
	rows, err := executor(ctx, s.pool).Query(ctx, fmt.Sprintf(`
		SELECT id, title, description, owner_id, created_at, updated_at
		FROM %s WHERE owner_id = $1
		ORDER BY updated_at DESC
	`, s.tables.Documents), string(ownerID))
	if err != nil {
		return nil, persistence("list documents", err)
	}
	defer rows.Close()

	result := []types.Document{}
	for rows.Next() {
		var (
			doc   types.Document
			owner string
		)
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Description, &owner, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, persistence("scan document", err)
		}
		doc.OwnerID = types.UserID(owner)
		doc.CreatedAt = doc.CreatedAt.UTC()
		doc.UpdatedAt = doc.UpdatedAt.UTC()
		result = append(result, doc)
	}
	return result, persistence("list documents", rows.Err())
}

func (s *postgresStore) RefreshDocumentSnapshot(ctx context.Context, documentID string, content types.Content) error {
	tag, err := executor(ctx, s.pool).Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET current_content = $2, updated_at = $3 WHERE id = $1
	`, s.tables.Documents), documentID, content, s.clock().UTC().Truncate(time.Microsecond))
	if err != nil {
		return persistence("refresh snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Resource: "document", Key: documentID}
	}
	return nil
}

func (s *postgresStore) documentExists(ctx context.Context, documentID string) error {
	var one int
	err := executor(ctx, s.pool).QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, s.tables.Documents), documentID).Scan(&one)
	if err != nil {
		if isPgNoRowsError(err) {
			return &NotFoundError{Resource: "document", Key: documentID}
		}
		return persistence("lookup document", err)
	}
	return nil
}

func (s *postgresStore) CreateBranch(ctx context.Context, req BranchRequest) (types.Branch, error) {
	if err := req.validate(); err != nil {
		return types.Branch{}, err
	}

	now := s.clock().UTC().Truncate(time.Microsecond)
	branch := types.Branch{
		ID:         s.newID(),
		DocumentID: req.DocumentID,
		Name:       req.Name,
		OwnerID:    req.OwnerID,
		CreatedAt:  now,
	}

	err := execTx(ctx, s.pool, s.logger, func(ctx context.Context) error {
		if err := s.documentExists(ctx, req.DocumentID); err != nil {
			return err
		}
		q := executor(ctx, s.pool)

		var source *types.Commit
		if req.FromCommitID != "" {
			var (
				c        types.Commit
				sourceOf string
			)
			err := q.QueryRow(ctx, fmt.Sprintf(`
				SELECT c.id, c.content, b.document_id
				FROM %s c JOIN %s b ON b.id = c.branch_id
				WHERE c.id = $1
			`, s.tables.Commits, s.tables.Branches), req.FromCommitID).Scan(&c.ID, &c.Content, &sourceOf)
			if err != nil {
				if isPgNoRowsError(err) {
					return &NotFoundError{Resource: "commit", Key: req.FromCommitID}
				}
				return err
			}
			if sourceOf != req.DocumentID {
				return &ValidationError{Message: "commit does not belong to document"}
			}
			source = &c
		}

		if _, err := q.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, document_id, name, is_default, owner_id, created_at)
			VALUES ($1, $2, $3, FALSE, $4, $5)
		`, s.tables.Branches), branch.ID, branch.DocumentID, branch.Name, string(branch.OwnerID), now); err != nil {
			if isPgDuplicateError(err) {
				return &ConflictError{Resource: "branch", Key: req.Name}
			}
			return err
		}

		if source != nil {
			if _, err := q.Exec(ctx, fmt.Sprintf(`
				INSERT INTO %s (id, branch_id, content, message, author_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, s.tables.Commits), s.newID(), branch.ID, source.Content, seedMessage(source.ID), string(req.OwnerID), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Branch{}, persistence("create branch", err)
	}
	return branch, nil
}

func (s *postgresStore) GetBranch(ctx context.Context, branchID string) (types.Branch, error) {
	row := executor(ctx, s.pool).QueryRow(ctx, fmt.Sprintf(`
		SELECT id, document_id, name, is_default, owner_id, created_at
		FROM %s WHERE id = $1
	`, s.tables.Branches), branchID)
	branch, err := scanBranch(row)
	if err != nil {
		if isPgNoRowsError(err) {
			return types.Branch{}, &NotFoundError{Resource: "branch", Key: branchID}
		}
		return types.Branch{}, persistence("get branch", err)
	}
	return branch, nil
}

func (s *postgresStore) ListBranches(ctx context.Context, documentID string) ([]types.Branch, error) {
	if err := s.documentExists(ctx, documentID); err != nil {
		return nil, err
	}

	rows, err := executor(ctx, s.pool).Query(ctx, fmt.Sprintf(`
		SELECT id, document_id, name, is_default, owner_id, created_at
		FROM %s WHERE document_id = $1
		ORDER BY is_default DESC, name ASC
	`, s.tables.Branches), documentID)
	if err != nil {
		return nil, persistence("list branches", err)
	}
	defer rows.Close()

	result := []types.Branch{}
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, persistence("scan branch", err)
		}
		result = append(result, branch)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list branches", err)
	}
	sortBranches(result)
	return result, nil
}

func (s *postgresStore) ResolveDefaultBranch(ctx context.Context, documentID string) (types.Branch, error) {
	if err := s.documentExists(ctx, documentID); err != nil {
		return types.Branch{}, err
	}

	row := executor(ctx, s.pool).QueryRow(ctx, fmt.Sprintf(`
		SELECT id, document_id, name, is_default, owner_id, created_at
		FROM %s
		WHERE document_id = $1 AND (is_default OR name = $2)
		ORDER BY is_default DESC
		LIMIT 1
	`, s.tables.Branches), documentID, DefaultBranchName)
	branch, err := scanBranch(row)
	if err != nil {
		if isPgNoRowsError(err) {
			return types.Branch{}, &NotFoundError{Resource: "default branch", Key: documentID}
		}
		return types.Branch{}, persistence("resolve default branch", err)
	}
	return branch, nil
}

func (s *postgresStore) CreateCommit(ctx context.Context, req CommitRequest) (types.Commit, error) {
	if err := req.validate(); err != nil {
		return types.Commit{}, err
	}

	commit := types.Commit{
		ID:       s.newID(),
		BranchID: req.BranchID,
		Content:  req.Content,
		Message:  req.Message,
		AuthorID: req.AuthorID,
	}

	err := execTx(ctx, s.pool, s.logger, func(ctx context.Context) error {
		q := executor(ctx, s.pool)

		// Locking the branch row serializes appends so timestamps stay strictly increasing.
		var locked string
		if err := q.QueryRow(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE id = $1 FOR UPDATE`, s.tables.Branches), req.BranchID).Scan(&locked); err != nil {
			if isPgNoRowsError(err) {
				return &NotFoundError{Resource: "branch", Key: req.BranchID}
			}
			return err
		}

		var latest *time.Time
		if err := q.QueryRow(ctx, fmt.Sprintf(`SELECT max(created_at) FROM %s WHERE branch_id = $1`, s.tables.Commits), req.BranchID).Scan(&latest); err != nil {
			return err
		}
		var prev time.Time
		if latest != nil {
			prev = latest.UTC()
		}
		commit.CreatedAt = commitTimestamp(s.clock(), prev)

		_, err := q.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, branch_id, content, message, author_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, s.tables.Commits), commit.ID, commit.BranchID, commit.Content, commit.Message, string(commit.AuthorID), commit.CreatedAt)
		return err
	})
	if err != nil {
		return types.Commit{}, persistence("create commit", err)
	}
	return commit, nil
}

func (s *postgresStore) ListCommits(ctx context.Context, branchID string) ([]types.Commit, error) {
	var one int
	err := executor(ctx, s.pool).QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, s.tables.Branches), branchID).Scan(&one)
	if err != nil {
		if isPgNoRowsError(err) {
			return nil, &NotFoundError{Resource: "branch", Key: branchID}
		}
		return nil, persistence("lookup branch", err)
	}

	rows, err := executor(ctx, s.pool).Query(ctx, fmt.Sprintf(`
		SELECT id, branch_id, content, message, author_id, created_at
		FROM %s WHERE branch_id = $1
		ORDER BY created_at DESC, id DESC
	`, s.tables.Commits), branchID)
	if err != nil {
		return nil, persistence("list commits", err)
	}
	defer rows.Close()

	result := []types.Commit{}
	for rows.Next() {
		commit, err := scanCommit(rows)
		if err != nil {
			return nil, persistence("scan commit", err)
		}
		result = append(result, commit)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list commits", err)
	}
	sortCommitsDesc(result)
	return result, nil
}

func (s *postgresStore) GetCommit(ctx context.Context, commitID string) (types.Commit, error) {
	row := executor(ctx, s.pool).QueryRow(ctx, fmt.Sprintf(`
		SELECT id, branch_id, content, message, author_id, created_at
		FROM %s WHERE id = $1
	`, s.tables.Commits), commitID)
	commit, err := scanCommit(row)
	if err != nil {
		if isPgNoRowsError(err) {
			return types.Commit{}, &NotFoundError{Resource: "commit", Key: commitID}
		}
		return types.Commit{}, persistence("get commit", err)
	}
	return commit, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanBranch(row pgx.Row) (types.Branch, error) {
	var (
		branch types.Branch
		owner  string
	)
	if err := row.Scan(&branch.ID, &branch.DocumentID, &branch.Name, &branch.IsDefault, &owner, &branch.CreatedAt); err != nil {
		return types.Branch{}, err
	}
	branch.OwnerID = types.UserID(owner)
	branch.CreatedAt = branch.CreatedAt.UTC()
	return branch, nil
}

func scanCommit(row pgx.Row) (types.Commit, error) {
	var (
		commit types.Commit
		author string
	)
	if err := row.Scan(&commit.ID, &commit.BranchID, &commit.Content, &commit.Message, &author, &commit.CreatedAt); err != nil {
		return types.Commit{}, err
	}
	commit.AuthorID = types.UserID(author)
	commit.CreatedAt = commit.CreatedAt.UTC()
	return commit, nil
}
