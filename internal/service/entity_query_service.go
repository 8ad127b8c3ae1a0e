package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/zbcumt/thingsboard/internal/domain"
	"github.com/zbcumt/thingsboard/internal/query"
)

// Authority is the controller-level role of the caller. Role gating happens
// before the engine runs; the engine re-applies tenant/customer scoping
// regardless.
type Authority string

const (
	AuthorityTenantAdmin  Authority = "TENANT_ADMIN"
	AuthorityCustomerUser Authority = "CUSTOMER_USER"
)

// SecurityUser is the authenticated principal a request runs as.
type SecurityUser struct {
	TenantID   uuid.UUID
	CustomerID uuid.UUID
	Authority  Authority
}

// Caller derives the engine scope. A customer user without a customer id is
// an explicit permission breach and fails before any statement is issued.
func (u SecurityUser) Caller() (domain.Caller, error) {
	if u.TenantID == uuid.Nil {
		return domain.Caller{}, domain.NewForbidden("caller has no tenant scope")
	}
	if u.Authority == AuthorityCustomerUser && u.CustomerID == uuid.Nil {
		return domain.Caller{}, domain.NewForbidden("customer user has no customer scope")
	}
	caller := domain.Caller{TenantID: u.TenantID}
	if u.Authority == AuthorityCustomerUser {
		caller.CustomerID = u.CustomerID
	}
	return caller, nil
}

// EntityQueryService is the inbound API of the query engine.
type EntityQueryService struct {
	repo *query.Repository
	// maxAlarmQueryEntities bounds the originator candidate list an alarm
	// query resolves through its entity filter.
	maxAlarmQueryEntities int
}

func NewEntityQueryService(repo *query.Repository, maxAlarmQueryEntities int) *EntityQueryService {
	if maxAlarmQueryEntities <= 0 {
		maxAlarmQueryEntities = 1000
	}
	return &EntityQueryService{repo: repo, maxAlarmQueryEntities: maxAlarmQueryEntities}
}

func (s *EntityQueryService) CountEntities(ctx context.Context, user SecurityUser, query domain.EntityCountQuery) (int64, error) {
	caller, err := user.Caller()
	if err != nil {
		return 0, err
	}
	return s.repo.CountEntities(ctx, caller, query)
}

func (s *EntityQueryService) FindEntityData(ctx context.Context, user SecurityUser, query domain.EntityDataQuery) (domain.PageData[domain.EntityData], error) {
	caller, err := user.Caller()
	if err != nil {
		return domain.PageData[domain.EntityData]{}, err
	}
	return s.repo.FindEntityData(ctx, caller, query)
}

// FindAlarmData resolves the originator candidates through the query's entity
// filter, preserving their order, then pages the matching alarms.
func (s *EntityQueryService) FindAlarmData(ctx context.Context, user SecurityUser, alarmQuery domain.AlarmDataQuery) (domain.PageData[domain.AlarmData], error) {
	var empty domain.PageData[domain.AlarmData]
	caller, err := user.Caller()
	if err != nil {
		return empty, err
	}
	entityQuery := domain.EntityDataQuery{
		Filter: alarmQuery.Filter,
		PageLink: domain.EntityDataPageLink{
			PageSize: s.maxAlarmQueryEntities,
			Page:     0,
		},
		KeyFilters: alarmQuery.KeyFilters,
	}
	entities, err := s.repo.FindEntityData(ctx, caller, entityQuery)
	if err != nil {
		return empty, err
	}
	orderedIDs := make([]domain.EntityID, 0, len(entities.Data))
	for _, entity := range entities.Data {
		orderedIDs = append(orderedIDs, entity.EntityID)
	}
	return s.repo.FindAlarmData(ctx, caller, alarmQuery, orderedIDs)
}

// FindAlarmDataForEntities pages alarms for an already resolved, ordered
// entity list (the alarm subsystem's entry point).
func (s *EntityQueryService) FindAlarmDataForEntities(ctx context.Context, user SecurityUser, alarmQuery domain.AlarmDataQuery, orderedIDs []domain.EntityID) (domain.PageData[domain.AlarmData], error) {
	caller, err := user.Caller()
	if err != nil {
		return domain.PageData[domain.AlarmData]{}, err
	}
	return s.repo.FindAlarmData(ctx, caller, alarmQuery, orderedIDs)
}
