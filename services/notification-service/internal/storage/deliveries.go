package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/md-rashed-zaman/apptsync/libs/db"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Delivery is one push attempt. The endpoint is stored hashed; it embeds a
// bearer-like per-device token.
type Delivery struct {
	Endpoint   string
	StatusCode int
	Status     string
	Error      string
	CreatedAt  time.Time
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, d Delivery) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO push_deliveries (endpoint_hash, status, status_code, error)
		VALUES ($1, $2, $3, $4)
	`, EndpointHash(d.Endpoint), d.Status, d.StatusCode, d.Error)
	return err
}

// Recent returns the latest deliveries for an endpoint, newest first.
func (r *Repository) Recent(ctx context.Context, endpoint string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT status, status_code, error, created_at
		FROM push_deliveries
		WHERE endpoint_hash = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, EndpointHash(endpoint), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d := Delivery{Endpoint: endpoint}
		if err := rows.Scan(&d.Status, &d.StatusCode, &d.Error, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func EndpointHash(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}
