package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

const mappingColumns = `id, tenant_id, hostname, kind, status, created_at, updated_at`

// GetMappingByHostname implements tenancy.DomainMappingStore
func (s *Storage) GetMappingByHostname(ctx context.Context, hostname string) (*tenancy.DomainMapping, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM domain_mappings WHERE hostname = $1`, hostname)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tenancy.ErrMappingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", mapError(err))
	}
	return m, nil
}

// GetTenantBySlug implements tenancy.TenantDirectory
func (s *Storage) GetTenantBySlug(ctx context.Context, slug string) (*tenancy.Tenant, error) {
	return s.getTenant(ctx, "slug", slug)
}

// GetTenant implements tenancy.TenantRepository
func (s *Storage) GetTenant(ctx context.Context, tenantID string) (*tenancy.Tenant, error) {
	return s.getTenant(ctx, "id", tenantID)
}

// GetTenantByOrganization implements tenancy.TenantRepository
func (s *Storage) GetTenantByOrganization(ctx context.Context, organizationID string) (*tenancy.Tenant, error) {
	return s.getTenant(ctx, "organization_id", organizationID)
}

// getTenant looks a tenant up by one of its unique columns. column is never user input.
func (s *Storage) getTenant(ctx context.Context, column, value string) (*tenancy.Tenant, error) {
	var t tenancy.Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, slug, created_at FROM tenants WHERE `+column+` = $1`,
		value).Scan(&t.ID, &t.OrganizationID, &t.Slug, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tenancy.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", mapError(err))
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// CreateTenant implements tenancy.TenantRepository
func (s *Storage) CreateTenant(ctx context.Context, t *tenancy.Tenant) error {
	if t == nil || t.ID == "" || t.Slug == "" || t.OrganizationID == "" {
		return fmt.Errorf("invalid tenant")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, organization_id, slug, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.OrganizationID, t.Slug, t.CreatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// CreateMapping implements tenancy.TenantRepository
func (s *Storage) CreateMapping(ctx context.Context, m *tenancy.DomainMapping) error {
	if m == nil || m.Hostname == "" {
		return fmt.Errorf("invalid domain mapping")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO domain_mappings (`+mappingColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.TenantID, m.Hostname, m.Kind.String(), m.Status.String(), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

// UpdateMappingStatus implements tenancy.TenantRepository
func (s *Storage) UpdateMappingStatus(
	ctx context.Context, hostname string, status tenancy.MappingStatus, at time.Time,
) (*tenancy.DomainMapping, error) {
	sources := tenancy.TransitionSources(status)
	from := make([]string, 0, len(sources))
	for _, st := range sources {
		from = append(from, st.String())
	}

	// The lifecycle check rides on the UPDATE itself
	row := s.pool.QueryRow(ctx,
		`UPDATE domain_mappings SET status = $2, updated_at = $3
			WHERE hostname = $1 AND status = ANY($4::TEXT[])
			RETURNING `+mappingColumns,
		hostname, status.String(), at, from)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionRejected(ctx, hostname, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update mapping status: %w", mapError(err))
	}
	return m, nil
}

// transitionRejected explains why a conditional status update matched no row
func (s *Storage) transitionRejected(ctx context.Context, hostname string, to tenancy.MappingStatus) error {
	var current string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM domain_mappings WHERE hostname = $1`, hostname).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return tenancy.ErrMappingNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read mapping status: %w", mapError(err))
	}
	return fmt.Errorf("%w: %s -> %s", tenancy.ErrInvalidTransition, current, to)
}

// ListMappingsForTenant implements tenancy.TenantRepository
func (s *Storage) ListMappingsForTenant(ctx context.Context, tenantID string) ([]*tenancy.DomainMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+mappingColumns+` FROM domain_mappings WHERE tenant_id = $1 ORDER BY hostname`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", mapError(err))
	}
	defer rows.Close()

	var out []*tenancy.DomainMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", mapError(err))
	}
	return out, nil
}

// DeleteTenantCascading implements tenancy.TenantRepository
func (s *Storage) DeleteTenantCascading(ctx context.Context, tenantID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapError(err))
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM domain_mappings WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to delete mappings: %w", mapError(err))
	}
	tag, err := tx.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return tenancy.ErrTenantNotFound
	}
	return mapError(tx.Commit(ctx))
}

func scanMapping(row pgx.Row) (*tenancy.DomainMapping, error) {
	var (
		m            tenancy.DomainMapping
		kind, status string
	)
	if err := row.Scan(&m.ID, &m.TenantID, &m.Hostname, &kind, &status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.Kind, err = tenancy.ParseMappingKind(kind); err != nil {
		return nil, err
	}
	if m.Status, err = tenancy.ParseMappingStatus(status); err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}
