package authz

import (
	"fmt"

	"datagate/internal/config"
	"datagate/internal/filter"
	"datagate/internal/metadata"
)

// Decision is the outcome of an authorization check. A denied decision
// carries the reason; an allowed one carries the effective column mask and
// the optional row predicate to push into the query.
type Decision struct {
	Allowed   bool
	Reason    string
	Mask      []string
	Predicate filter.Expr
}

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Authorize maps (principal, entity, action, requested columns) to a
// verdict. requestedColumns may be nil, meaning the caller wants everything
// the mask allows.
func Authorize(principal Principal, entity config.Entity, shape *metadata.TableShape, action string, requestedColumns []string) Decision {
	perm := entity.FindPermission(principal.Role)
	if perm == nil {
		return deny("role %q has no permissions on this entity", principal.Role)
	}

	act := matchAction(perm, action)
	if act == nil {
		return deny("role %q may not perform %q on this entity", principal.Role, action)
	}

	mask := effectiveColumns(act, shape)
	allowed := map[string]bool{}
	for _, c := range mask {
		allowed[c] = true
	}
	for _, col := range requestedColumns {
		if !allowed[col] {
			return deny("field %q is not available to role %q", col, principal.Role)
		}
	}

	decision := Decision{Allowed: true, Mask: mask}

	// Stored procedures are opaque rows; database policies cannot be pushed
	// into an EXEC, so execute carries no predicate.
	if act.Policy != nil && act.Policy.Database != "" && action != "execute" {
		pred, err := CompilePolicy(act.Policy.Database, principal)
		if err != nil {
			return deny("%v", err)
		}
		for _, f := range filter.Fields(pred) {
			if !shape.HasColumn(f) {
				return deny("policy references unknown column %q", f)
			}
		}
		decision.Predicate = pred
	}
	return decision
}

// matchAction finds the action entry for the verb, accepting * as wildcard.
// An exact match wins over the wildcard so a field mask on the verb applies.
func matchAction(perm *config.Permission, action string) *config.Action {
	var wildcard *config.Action
	for i := range perm.Actions {
		switch perm.Actions[i].Name {
		case action:
			return &perm.Actions[i]
		case "*":
			wildcard = &perm.Actions[i]
		}
	}
	return wildcard
}

// effectiveColumns computes include minus exclude against the real columns.
// Exclude always wins.
func effectiveColumns(act *config.Action, shape *metadata.TableShape) []string {
	include := shape.ColumnNames()
	if act.Fields != nil && len(act.Fields.Include) > 0 && !contains(act.Fields.Include, "*") {
		include = nil
		for _, c := range act.Fields.Include {
			if shape.HasColumn(c) {
				include = append(include, c)
			}
		}
	}
	if act.Fields == nil || len(act.Fields.Exclude) == 0 {
		return include
	}
	if contains(act.Fields.Exclude, "*") {
		return nil
	}
	excluded := map[string]bool{}
	for _, c := range act.Fields.Exclude {
		excluded[c] = true
	}
	var out []string
	for _, c := range include {
		if !excluded[c] {
			out = append(out, c)
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
