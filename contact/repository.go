package contact

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested contact does not exist.
var ErrNotFound = errors.New("contact: not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Upsert records a profile sighting inside the caller's transaction. The row
// is keyed by profile URL; identity is immutable, profile fields are
// last-writer-wins except that an empty incoming field keeps the stored one.
func (r *Repository) Upsert(ctx context.Context, tx pgx.Tx, s Sighting) (Contact, error) {
	if s.ProfileURL == "" {
		return Contact{}, fmt.Errorf("contact: profile url required")
	}
	raw := s.RawProfile
	if len(raw) == 0 {
		raw = []byte(`{}`)
	}

	const query = `
        INSERT INTO contacts (profile_url, full_name, company, title, location, degree, raw_profile)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (profile_url) DO UPDATE SET
            full_name   = COALESCE(NULLIF(EXCLUDED.full_name, ''), contacts.full_name),
            company     = COALESCE(NULLIF(EXCLUDED.company, ''), contacts.company),
            title       = COALESCE(NULLIF(EXCLUDED.title, ''), contacts.title),
            location    = COALESCE(NULLIF(EXCLUDED.location, ''), contacts.location),
            degree      = COALESCE(NULLIF(EXCLUDED.degree, ''), contacts.degree),
            raw_profile = CASE WHEN EXCLUDED.raw_profile = '{}'::jsonb
                               THEN contacts.raw_profile
                               ELSE EXCLUDED.raw_profile END,
            updated_at  = now()
        RETURNING id, profile_url, full_name, company, title, location, degree, raw_profile, created_at, updated_at
    `

	var c Contact
	if err := tx.QueryRow(ctx, query,
		s.ProfileURL, s.FullName, s.Company, s.Title, s.Location, s.Degree, raw,
	).Scan(
		&c.ID, &c.ProfileURL, &c.FullName, &c.Company, &c.Title,
		&c.Location, &c.Degree, &c.RawProfile, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return Contact{}, fmt.Errorf("contact: upsert: %w", err)
	}

	return c, nil
}

// GetByProfileURL resolves a contact by its LinkedIn identity.
func (r *Repository) GetByProfileURL(ctx context.Context, profileURL string) (Contact, error) {
	const query = `
        SELECT id, profile_url, full_name, company, title, location, degree, raw_profile, created_at, updated_at
        FROM contacts
        WHERE profile_url = $1
    `

	var c Contact
	err := r.pool.QueryRow(ctx, query, profileURL).Scan(
		&c.ID, &c.ProfileURL, &c.FullName, &c.Company, &c.Title,
		&c.Location, &c.Degree, &c.RawProfile, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("contact: query by profile url: %w", err)
	}

	return c, nil
}

// GetByID fetches a contact by primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Contact, error) {
	const query = `
        SELECT id, profile_url, full_name, company, title, location, degree, raw_profile, created_at, updated_at
        FROM contacts
        WHERE id = $1
    `

	var c Contact
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.ProfileURL, &c.FullName, &c.Company, &c.Title,
		&c.Location, &c.Degree, &c.RawProfile, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contact{}, ErrNotFound
		}
		return Contact{}, fmt.Errorf("contact: query by id: %w", err)
	}

	return c, nil
}
