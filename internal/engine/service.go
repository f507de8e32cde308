// Package engine executes planned requests end to end: compile, run, then
// shape. Both the REST and GraphQL surfaces sit on top of this one service
// so authorization and pagination behave identically across them.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"

	"datagate/internal/authz"
	"datagate/internal/config"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
	"datagate/internal/planner"
	"datagate/internal/shape"
	"datagate/internal/store"
)

type Service struct {
	deps     gateway.Dependencies
	cfg      *config.RuntimeConfig
	provider *metadata.Provider
	planner  *planner.Planner
	exec     *store.Executor
	docs     store.DocumentClient
}

func NewService(deps gateway.Dependencies, cfg *config.RuntimeConfig, provider *metadata.Provider, pl *planner.Planner, exec *store.Executor, docs store.DocumentClient) *Service {
	return &Service{deps: deps, cfg: cfg, provider: provider, planner: pl, exec: exec, docs: docs}
}

// Config returns the snapshot this service executes against.
func (s *Service) Config() *config.RuntimeConfig { return s.cfg }

// Provider exposes entity shapes for schema synthesis.
func (s *Service) Provider() *metadata.Provider { return s.provider }

// ReadList runs a list read and returns the shaped page.
func (s *Service) ReadList(ctx context.Context, principal authz.Principal, req planner.ReadRequest) (*shape.ListDocument, error) {
	if s.cfg.DataSource.DatabaseType.IsDocument() {
		return s.readDocumentList(ctx, principal, req)
	}
	plan, err := s.planner.PlanRead(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	raw, err := s.exec.QueryJSON(ctx, plan.SQL, plan.Params)
	if err != nil {
		return nil, err
	}
	return shape.List(raw, plan.Selection, plan.PageSize, plan.OrderBy)
}

// ReadItem runs a by-key read. A nil document means no visible row.
func (s *Service) ReadItem(ctx context.Context, principal authz.Principal, req planner.ReadRequest) (json.RawMessage, error) {
	if s.cfg.DataSource.DatabaseType.IsDocument() {
		return s.readDocumentItem(ctx, principal, req)
	}
	plan, err := s.planner.PlanRead(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	raw, err := s.exec.QueryJSON(ctx, plan.SQL, plan.Params)
	if err != nil {
		return nil, err
	}
	return shape.Item(raw, plan.Selection)
}

// Create inserts a row and reads it back under the caller's read mask.
func (s *Service) Create(ctx context.Context, principal authz.Principal, entity string, values map[string]any, sel planner.Selection) (json.RawMessage, error) {
	if err := s.requireRelational(); err != nil {
		return nil, err
	}
	plan, err := s.planner.PlanCreate(ctx, principal, entity, values)
	if err != nil {
		return nil, err
	}
	keys, err := s.exec.InsertReturningKeys(ctx, nil, plan.SQL, plan.Params, plan.KeyColumns, plan.SuppliedKeys)
	if err != nil {
		return nil, err
	}
	return s.readBack(ctx, principal, entity, keys, plan.KeyColumns, sel)
}

// CreateMany inserts several rows in one transaction, then reads each back.
// Any insert failure rolls back the whole batch; the read-back runs after
// the commit.
func (s *Service) CreateMany(ctx context.Context, principal authz.Principal, entity string, items []map[string]any, sel planner.Selection) ([]json.RawMessage, error) {
	if err := s.requireRelational(); err != nil {
		return nil, err
	}
	plans := make([]*planner.MutationPlan, len(items))
	for i, values := range items {
		plan, err := s.planner.PlanCreate(ctx, principal, entity, values)
		if err != nil {
			return nil, err
		}
		plans[i] = plan
	}

	keySets := make([]map[string]any, 0, len(plans))
	err := s.exec.Transact(ctx, func(tx *sql.Tx) error {
		for _, plan := range plans {
			keys, err := s.exec.InsertReturningKeys(ctx, tx, plan.SQL, plan.Params, plan.KeyColumns, plan.SuppliedKeys)
			if err != nil {
				return err
			}
			keySets = append(keySets, keys)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, len(keySets))
	for i, keys := range keySets {
		doc, err := s.readBack(ctx, principal, entity, keys, plans[i].KeyColumns, sel)
		if err != nil {
			return nil, err
		}
		out[i] = doc
	}
	return out, nil
}

// Update mutates one row by key and reads it back.
func (s *Service) Update(ctx context.Context, principal authz.Principal, entity string, pk, values map[string]any, sel planner.Selection) (json.RawMessage, error) {
	if err := s.requireRelational(); err != nil {
		return nil, err
	}
	plan, err := s.planner.PlanUpdate(ctx, principal, entity, pk, values)
	if err != nil {
		return nil, err
	}
	n, err := s.exec.Exec(ctx, nil, plan.SQL, plan.Params)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, s.classifyZeroRows(ctx, plan)
	}
	return s.readBack(ctx, principal, entity, pk, plan.KeyColumns, sel)
}

// Delete removes one row by key.
func (s *Service) Delete(ctx context.Context, principal authz.Principal, entity string, pk map[string]any) error {
	if err := s.requireRelational(); err != nil {
		return err
	}
	plan, err := s.planner.PlanDelete(ctx, principal, entity, pk)
	if err != nil {
		return err
	}
	n, err := s.exec.Exec(ctx, nil, plan.SQL, plan.Params)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.classifyZeroRows(ctx, plan)
	}
	return nil
}

// Upsert inserts or replaces the row at the key, then reads it back.
func (s *Service) Upsert(ctx context.Context, principal authz.Principal, entity string, pk, values map[string]any, sel planner.Selection) (json.RawMessage, error) {
	if err := s.requireRelational(); err != nil {
		return nil, err
	}
	plan, err := s.planner.PlanUpsert(ctx, principal, entity, pk, values)
	if err != nil {
		return nil, err
	}
	if _, err := s.exec.Exec(ctx, nil, plan.SQL, plan.Params); err != nil {
		return nil, err
	}
	return s.readBack(ctx, principal, entity, pk, plan.KeyColumns, sel)
}

// Execute runs a stored procedure and applies the role's field mask to the
// result rows.
func (s *Service) Execute(ctx context.Context, principal authz.Principal, entity string, args map[string]any) ([]map[string]any, error) {
	if err := s.requireRelational(); err != nil {
		return nil, err
	}
	plan, err := s.planner.PlanExecute(ctx, principal, entity, args)
	if err != nil {
		return nil, err
	}
	rows, err := s.exec.QueryRows(ctx, plan.SQL, plan.Params)
	if err != nil {
		return nil, err
	}
	if len(plan.Mask) == 0 {
		return rows, nil
	}
	allowed := make(map[string]bool, len(plan.Mask))
	for _, c := range plan.Mask {
		allowed[c] = true
	}
	for _, row := range rows {
		for c := range row {
			if !allowed[c] {
				delete(row, c)
			}
		}
	}
	return rows, nil
}

// Aggregate runs a groupBy request.
func (s *Service) Aggregate(ctx context.Context, principal authz.Principal, req planner.AggregateRequest) ([]map[string]any, error) {
	if err := s.requireRelational(); err != nil {
		return nil, err
	}
	plan, err := s.planner.PlanAggregate(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	return s.exec.QueryRows(ctx, plan.SQL, plan.Params)
}

// readBack fetches the mutated row through the read path so the response
// honors the read mask and relationship selections.
func (s *Service) readBack(ctx context.Context, principal authz.Principal, entity string, keys map[string]any, keyCols []string, sel planner.Selection) (json.RawMessage, error) {
	pk := make(map[string]any, len(keyCols))
	for _, k := range keyCols {
		pk[k] = keys[k]
	}
	doc, err := s.ReadItem(ctx, principal, planner.ReadRequest{Entity: entity, Selection: sel, ByPK: pk})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, gateway.Unexpected("mutated row is not readable", nil)
	}
	return doc, nil
}

// classifyZeroRows decides what a zero-row mutation means. In development
// mode a bare-key probe tells a missing row apart from one the database
// policy hides; production always answers not-found so the response does not
// leak row existence.
func (s *Service) classifyZeroRows(ctx context.Context, plan *planner.MutationPlan) error {
	if s.cfg.Runtime.Host.Mode != config.ModeDevelopment || plan.Probe == nil {
		return gateway.EntityNotFound("no item matches the requested key")
	}
	rows, err := s.exec.QueryRows(ctx, plan.Probe.SQL, plan.Probe.Params)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return gateway.EntityNotFound("no item matches the requested key")
	}
	visible, err := authz.ProbeItem(plan.Predicate, rows[0])
	if err != nil {
		s.deps.Logger.Warn().Err(err).Msg("policy probe failed, answering not-found")
		return gateway.EntityNotFound("no item matches the requested key")
	}
	if !visible {
		return gateway.AuthorizationFailed("the database policy does not permit this operation on the item")
	}
	return gateway.EntityNotFound("no item matches the requested key")
}

func (s *Service) requireRelational() error {
	if !s.cfg.DataSource.DatabaseType.IsRelational() {
		return gateway.BadRequest("operation requires a relational backend")
	}
	return nil
}

func (s *Service) readDocumentList(ctx context.Context, principal authz.Principal, req planner.ReadRequest) (*shape.ListDocument, error) {
	plan, err := s.planner.PlanCosmosRead(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	rows, err := s.docs.QueryDocuments(ctx, plan.Container, plan.SQL, plan.Params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, gateway.Unexpected("encode document rows", err)
	}
	return shape.List(raw, plan.Selection, plan.PageSize, plan.OrderBy)
}

func (s *Service) readDocumentItem(ctx context.Context, principal authz.Principal, req planner.ReadRequest) (json.RawMessage, error) {
	plan, err := s.planner.PlanCosmosRead(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	rows, err := s.docs.QueryDocuments(ctx, plan.Container, plan.SQL, plan.Params)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(rows[0])
	if err != nil {
		return nil, gateway.Unexpected("encode document row", err)
	}
	return shape.Item(raw, plan.Selection)
}
