package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

// Ledgers answers ledger queries by organization and time window
type Ledgers struct {
	reader  LedgerReader
	timeout time.Duration
}

// NewLedgers creates a ledger query service. timeout <= 0 uses the default of 5s.
func NewLedgers(reader LedgerReader, timeout time.Duration) *Ledgers {
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	return &Ledgers{reader: reader, timeout: timeout}
}

// List returns the ledgers of an organization whose period overlaps [from, to)
func (l *Ledgers) List(ctx context.Context, organizationID string, from, to time.Time) ([]*tenancy.UsageLedger, error) {
	if organizationID == "" {
		return nil, fmt.Errorf("organization id is required")
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return nil, fmt.Errorf("window start %s is not before end %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return tenancy.CallWithTimeout(ctx, l.timeout, func(ctx context.Context) ([]*tenancy.UsageLedger, error) {
		return l.reader.ListLedgers(ctx, organizationID, from.UTC(), to.UTC())
	})
}
