package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// Constraint names from migrations/1_initial_schema.sql
const (
	constraintSlug            = "tenants_slug_key"
	constraintOrganization    = "tenants_organization_id_key"
	constraintHostname        = "domain_mappings_hostname_key"
	constraintSubscriptionOrg = "subscriptions_organization_id_key"
)

// mapError maps PostgreSQL errors to tenancy sentinel errors.
// Connection, cancellation and contention failures wrap tenancy.ErrTransientStorage.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", tenancy.ErrTransientStorage, err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		var connErr *pgconn.ConnectError
		if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
			return fmt.Errorf("%w: %w", tenancy.ErrTransientStorage, err)
		}
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		switch pgErr.ConstraintName {
		case constraintSlug:
			return tenancy.ErrSlugTaken
		case constraintOrganization:
			return tenancy.ErrOrganizationHasTenant
		case constraintHostname:
			return tenancy.ErrHostnameTaken
		case constraintSubscriptionOrg:
			// Two first events for the same organization raced; the loser is redelivered
			return fmt.Errorf("%w: %w", tenancy.ErrTransientStorage, billing.ErrConcurrentUpdate)
		}
		return fmt.Errorf("unique constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.ForeignKeyViolation:
		return fmt.Errorf("%w: %s", tenancy.ErrTenantNotFound, pgErr.Detail)

	case pgerrcode.CheckViolation:
		return fmt.Errorf("check constraint violation: %s: %w", pgErr.ConstraintName, err)

	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.LockNotAvailable:
		return fmt.Errorf("%w: transaction conflict: %w", tenancy.ErrTransientStorage, err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.QueryCanceled,
		pgerrcode.TooManyConnections:
		return fmt.Errorf("%w: %w", tenancy.ErrTransientStorage, err)

	default:
		return fmt.Errorf("postgres error [%s]: %s (detail: %s): %w",
			pgErr.Code, pgErr.Message, pgErr.Detail, err)
	}
}
