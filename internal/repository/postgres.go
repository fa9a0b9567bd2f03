package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"inteltrace/pkg/models"
)

// Schema is applied by Migrate. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id         UUID PRIMARY KEY,
	email      TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS analyses (
	id               UUID PRIMARY KEY,
	owner            TEXT NOT NULL DEFAULT '',
	query            TEXT NOT NULL DEFAULT '',
	masked_image     TEXT NOT NULL,
	image_hash       TEXT NOT NULL DEFAULT '',
	threat_score     DOUBLE PRECISION NOT NULL,
	top_threat       TEXT NOT NULL,
	top_explanations JSONB NOT NULL,
	scene            JSONB NOT NULL,
	justification    TEXT NOT NULL,
	query_used       BOOLEAN NOT NULL,
	metadata         JSONB,
	created_at       TIMESTAMPTZ NOT NULL
);

ALTER TABLE analyses ADD COLUMN IF NOT EXISTS conversation_id TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS analyses_owner_created_idx ON analyses (owner, created_at DESC);
CREATE INDEX IF NOT EXISTS analyses_created_idx ON analyses (created_at DESC);

CREATE TABLE IF NOT EXISTS conversations (
	id         UUID PRIMARY KEY,
	owner      TEXT NOT NULL,
	title      TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS conversations_owner_updated_idx ON conversations (owner, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	image           TEXT NOT NULL DEFAULT '',
	analysis_id     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_conversation_created_idx ON messages (conversation_id, created_at);
`

// uniqueViolation is the SQLSTATE of a duplicate key.
const uniqueViolation = "23505"

const analysisColumns = `id, owner, conversation_id, query, masked_image, image_hash, threat_score, top_threat,
	top_explanations, scene, justification, query_used, metadata, created_at`

const conversationColumns = `id, owner, title, created_at, updated_at`

const messageColumns = `id, conversation_id, role, content, image, analysis_id, created_at`

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// SaveAnalysis stores a new analysis.
func (s *PostgresStore) SaveAnalysis(ctx context.Context, a *models.Analysis) error {
	_, err := s.db.Exec(ctx, `INSERT INTO analyses (`+analysisColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.Owner, a.ConversationID, a.Query, a.MaskedImage, a.ImageHash, a.ThreatScore, a.TopThreat,
		a.TopExplanations, a.Scene, a.Justification, a.QueryUsed, a.Metadata, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

// GetAnalysis retrieves an analysis by its ID.
func (s *PostgresStore) GetAnalysis(ctx context.Context, id string) (*models.Analysis, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select analysis: %w", err)
	}
	return a, nil
}

// ListAnalyses returns the newest analyses first.
func (s *PostgresStore) ListAnalyses(ctx context.Context, owner string, limit int) ([]*models.Analysis, error) {
	limit = ClampLimit(limit)

	var rows pgx.Rows
	var err error
	if owner == "" {
		rows, err = s.db.Query(ctx, `SELECT `+analysisColumns+` FROM analyses
			ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+analysisColumns+` FROM analyses
			WHERE owner = $1 ORDER BY created_at DESC LIMIT $2`, owner, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()

	var out []*models.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetUserByEmail looks up a user.
func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx, `SELECT id, email, name, created_at, updated_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &u, nil
}

// CreateUser inserts a user, assigning ID and timestamps when unset.
func (s *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	prepareUser(u)
	_, err := s.db.Exec(ctx, `INSERT INTO users (id, email, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Name, u.CreatedAt, u.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Email, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// CreateConversation inserts a conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	prepareConversation(c)
	_, err := s.db.Exec(ctx, `INSERT INTO conversations (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Owner, c.Title, c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("conversation %s: %w", c.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by its ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns the conversations of owner, most recently
// updated first.
func (s *PostgresStore) ListConversations(ctx context.Context, owner string, limit int) ([]*models.Conversation, error) {
	rows, err := s.db.Query(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE owner = $1 ORDER BY updated_at DESC LIMIT $2`, owner, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddMessage inserts msg and bumps the conversation in one transaction.
func (s *PostgresStore) AddMessage(ctx context.Context, m *models.Message) error {
	prepareMessage(m)
	if _, err := uuid.Parse(m.ConversationID); err != nil {
		return ErrNotFound
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		m.ConversationID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.Image, m.AnalysisID, m.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit(ctx)
}

// ListMessages returns the messages of a conversation, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	if _, err := uuid.Parse(conversationID); err != nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at, id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Image, &m.AnalysisID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, &m)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.Owner, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanAnalysis(row pgx.Row) (*models.Analysis, error) {
	var a models.Analysis
	err := row.Scan(&a.ID, &a.Owner, &a.ConversationID, &a.Query, &a.MaskedImage, &a.ImageHash, &a.ThreatScore, &a.TopThreat,
		&a.TopExplanations, &a.Scene, &a.Justification, &a.QueryUsed, &a.Metadata, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func prepareConversation(c *models.Conversation) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Title == "" {
		c.Title = models.DefaultConversationTitle
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
}

func prepareMessage(m *models.Message) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
}

func prepareUser(u *models.User) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
}
