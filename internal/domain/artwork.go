package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ArtworkType string

const (
	ArtworkTypeOriginal ArtworkType = "ORIGINAL"
	ArtworkTypePrint    ArtworkType = "PRINT"
)

type Artwork struct {
	ID          string          `json:"id"`
	ArtistID    string          `json:"artist_id"`
	ArtistName  string          `json:"artist_name"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Medium      string          `json:"medium"`
	ImageURL    string          `json:"image_url"`
	Price       decimal.Decimal `json:"price"`
	Type        ArtworkType     `json:"type"`
	IsAvailable bool            `json:"is_available"`
	IsFeatured  bool            `json:"is_featured"`
	CreatedAt   time.Time       `json:"created_at"`
}
