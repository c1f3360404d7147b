package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/joao-fontenele/gallery-checkout/internal/domain"
)

const artworkColumns = `a.id, a.artist_id, ar.name, a.title, a.description, a.medium, a.image_url,
	a.price, a.type, a.is_available, a.is_featured, a.created_at`

type ArtworkRepository struct {
	db *sql.DB
}

func NewArtworkRepository(db *sql.DB) *ArtworkRepository {
	return &ArtworkRepository{db: db}
}

// Filter narrows List; nil fields are not applied.
type Filter struct {
	Available *bool
	Featured  *bool
}

func (r *ArtworkRepository) List(ctx context.Context, f Filter) ([]domain.Artwork, error) {
	var (
		conds []string
		args  []any
	)
	if f.Available != nil {
		args = append(args, *f.Available)
		conds = append(conds, fmt.Sprintf("a.is_available = $%d", len(args)))
	}
	if f.Featured != nil {
		args = append(args, *f.Featured)
		conds = append(conds, fmt.Sprintf("a.is_featured = $%d", len(args)))
	}

	query := `SELECT ` + artworkColumns + ` FROM artworks a JOIN artists ar ON ar.id = a.artist_id`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY a.created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectArtworks(rows)
}

func (r *ArtworkRepository) GetByID(ctx context.Context, id string) (*domain.Artwork, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+artworkColumns+`
		FROM artworks a JOIN artists ar ON ar.id = a.artist_id
		WHERE a.id = $1
	`, id)
	if err != nil {
		return nil, err
	}

	artworks, err := collectArtworks(rows)
	if err != nil || len(artworks) == 0 {
		return nil, err
	}
	return &artworks[0], nil
}

// GetByIDs returns the artworks that exist, keyed by id.
func (r *ArtworkRepository) GetByIDs(ctx context.Context, ids []string) (map[string]domain.Artwork, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+artworkColumns+`
		FROM artworks a JOIN artists ar ON ar.id = a.artist_id
		WHERE a.id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}

	artworks, err := collectArtworks(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.Artwork, len(artworks))
	for _, a := range artworks {
		byID[a.ID] = a
	}
	return byID, nil
}

func collectArtworks(rows *sql.Rows) ([]domain.Artwork, error) {
	defer func() { _ = rows.Close() }()

	artworks := []domain.Artwork{}
	for rows.Next() {
		var a domain.Artwork
		var description, medium, imageURL sql.NullString
		if err := rows.Scan(
			&a.ID, &a.ArtistID, &a.ArtistName, &a.Title, &description, &medium, &imageURL,
			&a.Price, &a.Type, &a.IsAvailable, &a.IsFeatured, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		a.Description = description.String
		a.Medium = medium.String
		a.ImageURL = imageURL.String
		artworks = append(artworks, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return artworks, nil
}
