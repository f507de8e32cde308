package config

import (
	"fmt"
	"strings"
)

// ValidationError is one structured schema violation.
type ValidationError struct {
	Path    string
	Message string
}

func (v ValidationError) String() string {
	return v.Path + ": " + v.Message
}

// ValidationErrors aggregates every violation found in one pass.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Validate checks the cross-reference invariants of a parsed config.
// All violations are reported at once.
func Validate(cfg *RuntimeConfig) ValidationErrors {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch cfg.DataSource.DatabaseType {
	case KindMSSQL, KindPostgreSQL, KindMySQL, KindCosmosSQL, KindCosmosNoSQL, KindDWSQL:
	case "":
		add("data-source.database-type", "is required")
	default:
		add("data-source.database-type", "unknown database type %q", cfg.DataSource.DatabaseType)
	}
	if cfg.DataSource.ConnectionString == "" {
		add("data-source.connection-string", "is required")
	}

	switch cfg.Runtime.Host.Mode {
	case ModeDevelopment, ModeProduction:
	case "":
		add("runtime.host.mode", "is required")
	default:
		add("runtime.host.mode", "must be development or production, got %q", cfg.Runtime.Host.Mode)
	}

	if dl := cfg.Runtime.GraphQL.DepthLimit; dl != nil {
		if *dl != -1 && (*dl < 1 || *dl > 1<<31-1) {
			add("runtime.graphql.depth-limit", "must be -1 or between 1 and 2147483647, got %d", *dl)
		}
	}

	singulars := map[string]string{}
	plurals := map[string]string{}

	for _, name := range cfg.EntityNames() {
		entity := cfg.Entities[name]
		path := "entities." + name

		if entity.Source.Object == "" {
			add(path+".source", "physical object name is required")
		}
		switch entity.Source.Type {
		case SourceTable, SourceView, SourceStoredProcedure:
		default:
			add(path+".source.type", "unknown source type %q", entity.Source.Type)
		}
		if entity.Source.Type == SourceView && len(entity.Source.KeyFields) == 0 {
			add(path+".source.key-fields", "views must declare key-fields")
		}

		if len(entity.Permissions) == 0 {
			add(path+".permissions", "at least one permission block is required")
		}
		for i, perm := range entity.Permissions {
			permPath := fmt.Sprintf("%s.permissions[%d]", path, i)
			if perm.Role == "" {
				add(permPath+".role", "role must be non-empty")
			}
			for j, action := range perm.Actions {
				actionPath := fmt.Sprintf("%s.actions[%d]", permPath, j)
				if !validActionName(action.Name) {
					add(actionPath, "unknown action %q", action.Name)
				}
				if entity.IsStoredProcedure() && action.Name != "execute" && action.Name != "*" {
					add(actionPath, "stored procedures expose only the execute action, got %q", action.Name)
				}
				if !entity.IsStoredProcedure() && action.Name == "execute" {
					add(actionPath, "execute applies only to stored procedures")
				}
			}
		}

		if entity.GraphQLEnabled() {
			singular := entity.SingularName(name)
			plural := entity.PluralName(name)
			if other, dup := singulars[singular]; dup {
				add(path+".graphql.singular", "name %q already used by entity %q", singular, other)
			} else {
				singulars[singular] = name
			}
			if other, dup := plurals[plural]; dup {
				add(path+".graphql.plural", "name %q already used by entity %q", plural, other)
			} else {
				plurals[plural] = name
			}
		}

		for relName, rel := range entity.Relationships {
			relPath := path + ".relationships." + relName
			if rel.Cardinality != CardinalityOne && rel.Cardinality != CardinalityMany {
				add(relPath+".cardinality", "must be one or many, got %q", rel.Cardinality)
			}
			if rel.Target.Entity == "" {
				add(relPath+".target.entity", "is required")
			} else if _, ok := cfg.Entities[rel.Target.Entity]; !ok {
				add(relPath+".target.entity", "references unknown entity %q", rel.Target.Entity)
			}
			src := rel.SourceFields()
			tgt := rel.TargetFields()
			if len(src) != len(tgt) {
				add(relPath, "source.fields and target.fields must have equal length (%d vs %d)", len(src), len(tgt))
			}
			if rel.Linking != nil {
				if rel.Linking.Object == "" {
					add(relPath+".linking.object", "is required when linking is present")
				}
				var linkSrc, linkTgt []string
				if rel.Linking.Source != nil {
					linkSrc = rel.Linking.Source.Fields
				}
				if rel.Linking.Target != nil {
					linkTgt = rel.Linking.Target.Fields
				}
				if len(linkSrc) == 0 || len(linkTgt) == 0 {
					add(relPath+".linking", "linking.source.fields and linking.target.fields are required")
				}
			}
		}
	}

	return errs
}

func validActionName(name string) bool {
	switch name {
	case "create", "read", "update", "delete", "execute", "*":
		return true
	}
	return false
}
