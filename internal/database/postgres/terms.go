package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/badno/catalogsync/internal/catalog"
	"github.com/badno/catalogsync/pkg/models"
	"github.com/jackc/pgx/v5"
)

// maxSlugAttempts bounds the -2, -3, ... suffix search for a free slug
const maxSlugAttempts = 1000

// TermRepo implements catalog.TermStore for PostgreSQL
type TermRepo struct {
	client *Client
}

var _ catalog.TermStore = (*TermRepo)(nil)

// NewTermRepo creates a new PostgreSQL term repository
func NewTermRepo(client *Client) *TermRepo {
	return &TermRepo{client: client}
}

// FindTerm returns the oldest term named exactly name in taxonomy
func (r *TermRepo) FindTerm(ctx context.Context, taxonomy, name string) (*models.Term, error) {
	var t models.Term
	err := r.client.pool.QueryRow(ctx, `
		SELECT id, taxonomy, name, slug, parent_id
		FROM terms
		WHERE taxonomy = $1 AND name = $2
		ORDER BY id
		LIMIT 1
	`, taxonomy, name).Scan(&t.ID, &t.Taxonomy, &t.Name, &t.Slug, &t.ParentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find term: %w", err)
	}
	return &t, nil
}

// CreateTerm inserts a term, suffixing its slug until it is free in the taxonomy
func (r *TermRepo) CreateTerm(ctx context.Context, t *models.Term) error {
	base := strings.TrimSpace(t.Slug)
	if base == "" {
		base = "term"
	}

	slug := base
	for n := 2; n <= maxSlugAttempts; n++ {
		var id int64
		err := r.client.pool.QueryRow(ctx, `
			INSERT INTO terms (taxonomy, name, slug, parent_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (taxonomy, slug) DO NOTHING
			RETURNING id
		`, t.Taxonomy, t.Name, slug, t.ParentID).Scan(&id)
		if err == nil {
			t.ID = id
			t.Slug = slug
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to create term: %w", err)
		}
		slug = fmt.Sprintf("%s-%d", base, n)
	}
	return fmt.Errorf("no free slug for term %q in %s", t.Name, t.Taxonomy)
}

// DeleteTaxonomy removes every term of a taxonomy
func (r *TermRepo) DeleteTaxonomy(ctx context.Context, taxonomy string) (int, error) {
	tag, err := r.client.pool.Exec(ctx, `DELETE FROM terms WHERE taxonomy = $1`, taxonomy)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s terms: %w", taxonomy, err)
	}
	return int(tag.RowsAffected()), nil
}

// AttributeDefinition returns the definition registered for key
func (r *TermRepo) AttributeDefinition(ctx context.Context, key string) (*models.AttributeDefinition, error) {
	var d models.AttributeDefinition
	err := r.client.pool.QueryRow(ctx, `
		SELECT id, key, taxonomy, label, type FROM attribute_definitions WHERE key = $1
	`, key).Scan(&d.ID, &d.Key, &d.Taxonomy, &d.Label, &d.Type)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get attribute definition: %w", err)
	}
	return &d, nil
}

// CreateAttributeDefinition registers a new attribute
func (r *TermRepo) CreateAttributeDefinition(ctx context.Context, def *models.AttributeDefinition) error {
	err := r.client.pool.QueryRow(ctx, `
		INSERT INTO attribute_definitions (key, taxonomy, label, type)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, def.Key, def.Taxonomy, def.Label, def.Type).Scan(&def.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("attribute %q already defined", def.Key)
		}
		return fmt.Errorf("failed to create attribute definition: %w", err)
	}
	return nil
}

// AttributeDefinitions returns every registered attribute ordered by ID
func (r *TermRepo) AttributeDefinitions(ctx context.Context) ([]models.AttributeDefinition, error) {
	rows, err := r.client.pool.Query(ctx, `SELECT id, key, taxonomy, label, type FROM attribute_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query attribute definitions: %w", err)
	}
	defer rows.Close()

	var out []models.AttributeDefinition
	for rows.Next() {
		var d models.AttributeDefinition
		if err := rows.Scan(&d.ID, &d.Key, &d.Taxonomy, &d.Label, &d.Type); err != nil {
			return nil, fmt.Errorf("failed to scan attribute definition: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteAttributeDefinitions removes every attribute together with its terms
func (r *TermRepo) DeleteAttributeDefinitions(ctx context.Context) (int, error) {
	tx, err := r.client.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM terms WHERE taxonomy IN (SELECT taxonomy FROM attribute_definitions)`); err != nil {
		return 0, fmt.Errorf("failed to delete attribute terms: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM attribute_definitions`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete attribute definitions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
