package gqlschema

import (
	"context"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"

	"datagate/internal/config"
	"datagate/internal/gateway"
)

// Request is one GraphQL call as posted over HTTP.
type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
}

// Execute validates the request against the runtime guards, runs it, and in
// production mode replaces resolver failure text with the public message so
// driver errors do not leak.
func Execute(ctx context.Context, schema graphql.Schema, cfg *config.RuntimeConfig, req Request) *graphql.Result {
	g := cfg.Runtime.GraphQL
	devMode := cfg.Runtime.Host.Mode == config.ModeDevelopment
	allowIntrospection := g.AllowIntrospection || devMode

	if err := ValidateQuery(req.Query, g.DepthLimitValue(), allowIntrospection); err != nil {
		return &graphql.Result{Errors: []gqlerrors.FormattedError{gqlerrors.FormatError(err)}}
	}

	result := graphql.Do(graphql.Params{
		Schema:         schema,
		RequestString:  req.Query,
		OperationName:  req.OperationName,
		VariableValues: req.Variables,
		Context:        ctx,
	})

	if !devMode {
		for i := range result.Errors {
			orig := unwrapResolverError(result.Errors[i])
			if orig == nil {
				continue
			}
			result.Errors[i].Message = gateway.AsError(orig).PublicMessage(false)
		}
	}
	return result
}

// unwrapResolverError digs the error a resolver returned out of the library's
// wrapping layers. Validation errors carry no original error and pass
// through untouched.
func unwrapResolverError(fe gqlerrors.FormattedError) error {
	orig := fe.OriginalError()
	for {
		switch v := orig.(type) {
		case *gqlerrors.Error:
			orig = v.OriginalError
		case gqlerrors.FormattedError:
			orig = v.OriginalError()
		default:
			return orig
		}
	}
}
