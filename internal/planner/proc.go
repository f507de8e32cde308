package planner

import (
	"context"
	"strings"

	"datagate/internal/authz"
	"datagate/internal/gateway"
	"datagate/internal/metadata"
	"datagate/internal/store"
)

// ExecutePlan is a ready-to-run stored routine invocation. Columns lists the
// result columns when the backend can describe them ahead of execution.
type ExecutePlan struct {
	SQL     string
	Params  []store.BindParam
	Columns []string

	// Mask is the role's field mask, applied to the result rows afterwards.
	Mask []string
}

// PlanExecute compiles a stored procedure call. Caller arguments are merged
// over the defaults configured on the entity source.
func (p *Planner) PlanExecute(ctx context.Context, principal authz.Principal, entityName string, args map[string]any) (*ExecutePlan, error) {
	entity, shape, err := p.lookupEntity(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if !entity.IsStoredProcedure() {
		return nil, gateway.BadRequest("entity %q is not a stored procedure", entityName)
	}

	decision := authz.Authorize(principal, entity, shape, "execute", nil)
	if !decision.Allowed {
		return nil, gateway.AuthorizationFailed("%s", decision.Reason)
	}

	merged := map[string]any{}
	for name, v := range entity.Source.Parameters {
		merged[name] = v
	}
	for name, v := range args {
		merged[name] = v
	}
	// Parameter names match case-insensitively; bind under the declared name.
	canonical := map[string]any{}
	for name, v := range merged {
		param := findParameter(shape.Parameters, name)
		if param == nil {
			return nil, gateway.BadRequest("procedure %q has no parameter %q", entity.Source.Object, name)
		}
		canonical[param.Name] = v
	}

	params := store.NewParamBuilder(p.dialect)
	var names, placeholders []string
	for i := range shape.Parameters {
		param := &shape.Parameters[i]
		if param.Output {
			continue
		}
		v, ok := canonical[param.Name]
		if !ok {
			return nil, gateway.BadRequest("procedure parameter %q is required", param.Name)
		}
		names = append(names, param.Name)
		placeholders = append(placeholders, params.Add(v, param.SQLType))
	}

	return &ExecutePlan{
		SQL:     p.dialect.CallProcedure(p.dialect, shape.QualifiedName(), names, placeholders),
		Params:  params.Params(),
		Columns: shape.ColumnNames(),
		Mask:    decision.Mask,
	}, nil
}

func findParameter(params []metadata.Parameter, name string) *metadata.Parameter {
	for i := range params {
		if strings.EqualFold(params[i].Name, name) {
			return &params[i]
		}
	}
	return nil
}
