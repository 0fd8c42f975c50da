package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/dengon/internal/model"
)

// CreateContact inserts a contact.
func (db *DB) CreateContact(ctx context.Context, c model.Contact) (model.Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Facts == nil {
		c.Facts = map[string]string{}
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO contacts (id, tenant_id, name, email, phone, company, facts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.TenantID, c.Name, c.Email, c.Phone, c.Company, c.Facts, c.CreatedAt,
	); err != nil {
		return model.Contact{}, fmt.Errorf("storage: create contact: %w", err)
	}
	return c, nil
}

// GetContact returns a contact by id within a tenant.
func (db *DB) GetContact(ctx context.Context, tenantID, id uuid.UUID) (model.Contact, error) {
	var c model.Contact
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, email, phone, company, facts, created_at
		 FROM contacts WHERE tenant_id = $1 AND id = $2`,
		tenantID, id,
	).Scan(&c.ID, &c.TenantID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.Facts, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Contact{}, fmt.Errorf("storage: contact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Contact{}, fmt.Errorf("storage: get contact: %w", err)
	}
	return c, nil
}
