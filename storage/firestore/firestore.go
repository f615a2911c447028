// Package firestore provides a Firestore implementation of the tenant repository
// and of the subscription store.
// Uniqueness of slugs, organizations and hostnames is enforced with index
// documents created inside the same transaction as the record they guard.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gotenant/pkg/billing"
	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

var (
	_ tenancy.TenantRepository  = (*Storage)(nil)
	_ billing.SubscriptionStore = (*Storage)(nil)
)

// Storage implements tenancy.TenantRepository and billing.SubscriptionStore using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	tenantsCollection       string
	slugsCollection         string
	organizationsCollection string
	mappingsCollection      string
	subscriptionsCollection string
	eventsCollection        string
}

// Config holds Firestore storage configuration
type Config struct {
	// TenantsCollection holds tenants keyed by id.
	// Slug and organization index documents live in "<TenantsCollection>_slugs"
	// and "<TenantsCollection>_organizations".
	// Default: "tenants"
	TenantsCollection string

	// MappingsCollection holds domain mappings keyed by hostname
	// Default: "domain_mappings"
	MappingsCollection string

	// SubscriptionsCollection holds subscription snapshots keyed by organization id
	// Default: "subscriptions"
	SubscriptionsCollection string

	// EventsCollection holds the dedup records of applied billing events
	// Default: "processed_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.TenantsCollection == "" {
		config.TenantsCollection = "tenants"
	}
	if config.MappingsCollection == "" {
		config.MappingsCollection = "domain_mappings"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "processed_events"
	}

	return &Storage{
		client:                  client,
		tenantsCollection:       config.TenantsCollection,
		slugsCollection:         config.TenantsCollection + "_slugs",
		organizationsCollection: config.TenantsCollection + "_organizations",
		mappingsCollection:      config.MappingsCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
	}, nil
}

// --- Tenants and domain mappings ---

// GetMappingByHostname implements tenancy.DomainMappingStore
func (s *Storage) GetMappingByHostname(ctx context.Context, hostname string) (*tenancy.DomainMapping, error) {
	snap, err := s.client.Collection(s.mappingsCollection).Doc(hostname).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, tenancy.ErrMappingNotFound
		}
		return nil, mapError("get mapping", err)
	}
	return decodeMapping(snap)
}

// GetTenantBySlug implements tenancy.TenantDirectory
func (s *Storage) GetTenantBySlug(ctx context.Context, slug string) (*tenancy.Tenant, error) {
	return s.getTenantByIndex(ctx, s.slugsCollection, slug)
}

// GetTenantByOrganization implements tenancy.TenantRepository
func (s *Storage) GetTenantByOrganization(ctx context.Context, organizationID string) (*tenancy.Tenant, error) {
	return s.getTenantByIndex(ctx, s.organizationsCollection, organizationID)
}

func (s *Storage) getTenantByIndex(ctx context.Context, collection, key string) (*tenancy.Tenant, error) {
	snap, err := s.client.Collection(collection).Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, tenancy.ErrTenantNotFound
		}
		return nil, mapError("get tenant index", err)
	}
	return s.GetTenant(ctx, getString(snap.Data(), "tenantId"))
}

// GetTenant implements tenancy.TenantRepository
func (s *Storage) GetTenant(ctx context.Context, tenantID string) (*tenancy.Tenant, error) {
	if tenantID == "" {
		return nil, tenancy.ErrTenantNotFound
	}
	snap, err := s.client.Collection(s.tenantsCollection).Doc(tenantID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, tenancy.ErrTenantNotFound
		}
		return nil, mapError("get tenant", err)
	}
	return decodeTenant(snap), nil
}

// CreateTenant implements tenancy.TenantRepository
func (s *Storage) CreateTenant(ctx context.Context, t *tenancy.Tenant) error {
	if t == nil || t.ID == "" || t.Slug == "" || t.OrganizationID == "" {
		return fmt.Errorf("invalid tenant")
	}

	slugRef := s.client.Collection(s.slugsCollection).Doc(t.Slug)
	orgRef := s.client.Collection(s.organizationsCollection).Doc(t.OrganizationID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if exists, err := docExists(tx, slugRef); err != nil {
			return err
		} else if exists {
			return tenancy.ErrSlugTaken
		}
		if exists, err := docExists(tx, orgRef); err != nil {
			return err
		} else if exists {
			return tenancy.ErrOrganizationHasTenant
		}

		index := map[string]interface{}{"tenantId": t.ID}
		if err := tx.Create(slugRef, index); err != nil {
			return err
		}
		if err := tx.Create(orgRef, index); err != nil {
			return err
		}
		return tx.Create(s.client.Collection(s.tenantsCollection).Doc(t.ID), map[string]interface{}{
			"organizationId": t.OrganizationID,
			"slug":           t.Slug,
			"createdAt":      t.CreatedAt,
		})
	})
	return mapError("create tenant", err)
}

// CreateMapping implements tenancy.TenantRepository
func (s *Storage) CreateMapping(ctx context.Context, m *tenancy.DomainMapping) error {
	if m == nil || m.Hostname == "" {
		return fmt.Errorf("invalid domain mapping")
	}

	tenantRef := s.client.Collection(s.tenantsCollection).Doc(m.TenantID)
	mappingRef := s.client.Collection(s.mappingsCollection).Doc(m.Hostname)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		if exists, err := docExists(tx, tenantRef); err != nil {
			return err
		} else if !exists {
			return tenancy.ErrTenantNotFound
		}
		if exists, err := docExists(tx, mappingRef); err != nil {
			return err
		} else if exists {
			return tenancy.ErrHostnameTaken
		}
		return tx.Create(mappingRef, encodeMapping(m))
	})
	return mapError("create mapping", err)
}

// UpdateMappingStatus implements tenancy.TenantRepository
func (s *Storage) UpdateMappingStatus(
	ctx context.Context, hostname string, st tenancy.MappingStatus, at time.Time,
) (*tenancy.DomainMapping, error) {
	ref := s.client.Collection(s.mappingsCollection).Doc(hostname)
	var updated *tenancy.DomainMapping

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return tenancy.ErrMappingNotFound
			}
			return err
		}
		m, err := decodeMapping(snap)
		if err != nil {
			return err
		}
		if err := tenancy.CheckTransition(m.Status, st); err != nil {
			return err
		}
		m.Status = st
		m.UpdatedAt = at
		updated = m
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: st.String()},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		return nil, mapError("update mapping status", err)
	}
	return updated, nil
}

// ListMappingsForTenant implements tenancy.TenantRepository
func (s *Storage) ListMappingsForTenant(ctx context.Context, tenantID string) ([]*tenancy.DomainMapping, error) {
	docs, err := s.client.Collection(s.mappingsCollection).
		Where("tenantId", "==", tenantID).
		Documents(ctx).GetAll() // document ids are hostnames, returned in ascending order
	if err != nil {
		return nil, mapError("list mappings", err)
	}

	out := make([]*tenancy.DomainMapping, 0, len(docs))
	for _, snap := range docs {
		m, err := decodeMapping(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteTenantCascading implements tenancy.TenantRepository
func (s *Storage) DeleteTenantCascading(ctx context.Context, tenantID string) error {
	tenantRef := s.client.Collection(s.tenantsCollection).Doc(tenantID)
	mappings := s.client.Collection(s.mappingsCollection).Where("tenantId", "==", tenantID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(tenantRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return tenancy.ErrTenantNotFound
			}
			return err
		}
		owned, err := tx.Documents(mappings).GetAll()
		if err != nil {
			return err
		}

		t := decodeTenant(snap)
		for _, m := range owned {
			if err := tx.Delete(m.Ref); err != nil {
				return err
			}
		}
		if err := tx.Delete(s.client.Collection(s.slugsCollection).Doc(t.Slug)); err != nil {
			return err
		}
		if err := tx.Delete(s.client.Collection(s.organizationsCollection).Doc(t.OrganizationID)); err != nil {
			return err
		}
		return tx.Delete(tenantRef)
	})
	return mapError("delete tenant", err)
}

// --- Subscriptions ---

// ApplyEvent implements billing.SubscriptionStore.
// Firestore retries the transaction on contention, so Transition may run more than once.
func (s *Storage) ApplyEvent(ctx context.Context, req billing.ApplyRequest) (*billing.ApplyResult, error) {
	if req.Event == nil || req.Transition == nil {
		return nil, fmt.Errorf("invalid apply request")
	}

	eventRef := s.client.Collection(s.eventsCollection).Doc(billing.DedupKey(req.Event))
	key := billing.KeyFor(req.Event)
	var res *billing.ApplyResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		res = nil

		// 1. Dedup
		if exists, err := docExists(tx, eventRef); err != nil {
			return err
		} else if exists {
			res = &billing.ApplyResult{Duplicate: true}
			return nil
		}

		// 2. Find the targeted subscription
		current, err := s.findSubscription(tx, key)
		if err != nil {
			return err
		}

		// 3. Transition
		out, err := req.Transition(current.Clone())
		if err != nil {
			return err
		}

		// 4. Writes
		if out.Applied {
			next := out.Next
			if current != nil && current.OrganizationID != next.OrganizationID {
				if err := tx.Delete(s.subscriptionDoc(current.OrganizationID)); err != nil {
					return err
				}
			}
			if err := tx.Set(s.subscriptionDoc(next.OrganizationID), encodeSubscription(next)); err != nil {
				return err
			}
		}
		if err := tx.Create(eventRef, map[string]interface{}{
			"provider":  req.Event.Provider,
			"eventId":   req.Event.ID,
			"appliedAt": req.AppliedAt,
		}); err != nil {
			return err
		}

		res = &billing.ApplyResult{
			Created:  out.Applied && current == nil,
			Previous: current,
			Outcome:  out,
		}
		return nil
	})
	if err != nil {
		return nil, mapError("apply event", err)
	}
	return res, nil
}

// findSubscription resolves the subscription by subscription ref, then customer ref, then organization
func (s *Storage) findSubscription(tx *firestore.Transaction, key billing.LookupKey) (*tenancy.Subscription, error) {
	coll := s.client.Collection(s.subscriptionsCollection)
	for _, l := range []struct{ field, value string }{
		{"subscriptionRef", key.SubscriptionRef},
		{"customerRef", key.CustomerRef},
	} {
		if l.value == "" {
			continue
		}
		docs, err := tx.Documents(coll.Where(l.field, "==", l.value).Limit(1)).GetAll()
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return decodeSubscription(docs[0])
		}
	}

	if key.OrganizationID == "" {
		return nil, nil
	}
	snap, err := tx.Get(s.subscriptionDoc(key.OrganizationID))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, err
	}
	return decodeSubscription(snap)
}

// GetSubscriptionByOrganization implements billing.SubscriptionStore
func (s *Storage) GetSubscriptionByOrganization(ctx context.Context, organizationID string) (*tenancy.Subscription, error) {
	snap, err := s.subscriptionDoc(organizationID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, billing.ErrSubscriptionNotFound
		}
		return nil, mapError("get subscription", err)
	}
	return decodeSubscription(snap)
}

// PurgeProcessedEvents drops dedup records applied before cutoff and returns how many were removed
func (s *Storage) PurgeProcessedEvents(ctx context.Context, cutoff time.Time) (int, error) {
	docs, err := s.client.Collection(s.eventsCollection).
		Where("appliedAt", "<", cutoff).
		Documents(ctx).GetAll()
	if err != nil {
		return 0, mapError("list processed events", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	bw := s.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := bw.Delete(doc.Ref)
		if err != nil {
			bw.End()
			return 0, mapError("purge processed events", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	n := 0
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return n, mapError("purge processed events", err)
		}
		n++
	}
	return n, nil
}

func (s *Storage) subscriptionDoc(organizationID string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).Doc(organizationID)
}

// --- Encoding ---

func encodeMapping(m *tenancy.DomainMapping) map[string]interface{} {
	return map[string]interface{}{
		"id":        m.ID,
		"tenantId":  m.TenantID,
		"kind":      m.Kind.String(),
		"status":    m.Status.String(),
		"createdAt": m.CreatedAt,
		"updatedAt": m.UpdatedAt,
	}
}

func decodeMapping(snap *firestore.DocumentSnapshot) (*tenancy.DomainMapping, error) {
	data := snap.Data()
	kind, err := tenancy.ParseMappingKind(getString(data, "kind"))
	if err != nil {
		return nil, err
	}
	st, err := tenancy.ParseMappingStatus(getString(data, "status"))
	if err != nil {
		return nil, err
	}
	return &tenancy.DomainMapping{
		ID:        getString(data, "id"),
		TenantID:  getString(data, "tenantId"),
		Hostname:  snap.Ref.ID,
		Kind:      kind,
		Status:    st,
		CreatedAt: getTime(data, "createdAt"),
		UpdatedAt: getTime(data, "updatedAt"),
	}, nil
}

func decodeTenant(snap *firestore.DocumentSnapshot) *tenancy.Tenant {
	data := snap.Data()
	return &tenancy.Tenant{
		ID:             snap.Ref.ID,
		OrganizationID: getString(data, "organizationId"),
		Slug:           getString(data, "slug"),
		CreatedAt:      getTime(data, "createdAt"),
	}
}

func encodeSubscription(sub *tenancy.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"id":              sub.ID,
		"customerRef":     sub.CustomerRef,
		"subscriptionRef": sub.SubscriptionRef,
		"plan":            sub.Plan.String(),
		"status":          sub.Status.String(),
		"lastEventId":     sub.LastEventID,
		"updatedAt":       sub.UpdatedAt,
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		data["currentPeriodEnd"] = sub.CurrentPeriodEnd
	}
	if sub.BillingAdminUserID != nil {
		data["billingAdminUserId"] = *sub.BillingAdminUserID
	}
	return data
}

func decodeSubscription(snap *firestore.DocumentSnapshot) (*tenancy.Subscription, error) {
	data := snap.Data()
	plan, err := tenancy.ParsePlan(getString(data, "plan"))
	if err != nil {
		return nil, err
	}
	st, err := tenancy.ParseSubscriptionStatus(getString(data, "status"))
	if err != nil {
		return nil, err
	}
	sub := &tenancy.Subscription{
		ID:               getString(data, "id"),
		OrganizationID:   snap.Ref.ID,
		CustomerRef:      getString(data, "customerRef"),
		SubscriptionRef:  getString(data, "subscriptionRef"),
		Plan:             plan,
		Status:           st,
		CurrentPeriodEnd: getTime(data, "currentPeriodEnd"),
		LastEventID:      getString(data, "lastEventId"),
		UpdatedAt:        getTime(data, "updatedAt"),
	}
	if admin, ok := data["billingAdminUserId"].(string); ok {
		sub.BillingAdminUserID = &admin
	}
	return sub, nil
}

// --- Helpers ---

func docExists(tx *firestore.Transaction, ref *firestore.DocumentRef) (bool, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, err
	}
	return snap.Exists(), nil
}

// mapError keeps sentinel errors intact and marks retryable gRPC codes as transient
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", tenancy.ErrTransientStorage, op, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s: %w", tenancy.ErrTransientStorage, op, err)
	case codes.AlreadyExists:
		// Lost a create race against another writer; the retry sees the winner's document
		return fmt.Errorf("%w: %s: %w", tenancy.ErrTransientStorage, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
