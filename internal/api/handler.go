// Package api is the HTTP surface: REST routes per entity, the GraphQL
// endpoint, the health probe and the request middleware. Handlers translate
// wire conventions in and out; all semantics live in the engine service.
package api

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/graphql-go/graphql"

	"datagate/internal/authz"
	"datagate/internal/config"
	"datagate/internal/engine"
	"datagate/internal/gateway"
	"datagate/internal/gqlschema"
	"datagate/internal/metadata"
	"datagate/internal/planner"
)

type Handler struct {
	deps   gateway.Dependencies
	svc    *engine.Service
	schema graphql.Schema
}

func NewHandler(deps gateway.Dependencies, svc *engine.Service, schema graphql.Schema) *Handler {
	return &Handler{deps: deps, svc: svc, schema: schema}
}

// Version is reported by the health probe.
const Version = "1.0.0"

// Health answers the readiness probe. It is mounted before the auth
// middleware so monitors do not need credentials.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "healthy", "version": Version})
}

func (h *Handler) List(c *fiber.Ctx) error {
	name, entity, shape, err := h.entityFromPath(c)
	if err != nil {
		return err
	}
	if entity.IsStoredProcedure() {
		return h.executeProc(c, name, queryArgs(c, shape))
	}

	req := planner.ReadRequest{Entity: name}
	req.Selection = planner.Selection{Fields: selectedFields(c)}
	if raw := c.Query("$filter"); raw != "" {
		expr, err := ParseFilter(raw)
		if err != nil {
			return err
		}
		req.Filter = expr
	}
	if raw := c.Query("$orderby"); raw != "" {
		order, err := ParseOrderBy(raw)
		if err != nil {
			return err
		}
		req.OrderBy = order
	}
	if raw := c.Query("$first"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return gateway.BadRequest("$first must be an integer")
		}
		req.First = n
	}
	req.After = c.Query("$after")

	page, err := h.svc.ReadList(c.UserContext(), principalFrom(c), req)
	if err != nil {
		return err
	}
	body := fiber.Map{"value": json.RawMessage(page.Items)}
	if page.HasNextPage {
		body["nextLink"] = nextLink(c, page.EndCursor)
	}
	return c.JSON(body)
}

func (h *Handler) GetByPK(c *fiber.Ctx) error {
	name, entity, shape, err := h.entityFromPath(c)
	if err != nil {
		return err
	}
	if entity.IsStoredProcedure() {
		return gateway.BadRequest("stored procedures do not support key lookups")
	}
	pk, err := pkFromPath(shape, c.Params("*"))
	if err != nil {
		return err
	}

	item, err := h.svc.ReadItem(c.UserContext(), principalFrom(c), planner.ReadRequest{
		Entity:    name,
		Selection: planner.Selection{Fields: selectedFields(c)},
		ByPK:      pk,
	})
	if err != nil {
		return err
	}
	if item == nil {
		return gateway.EntityNotFound("no item matches the requested key")
	}
	return c.JSON(fiber.Map{"value": []json.RawMessage{item}})
}

func (h *Handler) Create(c *fiber.Ctx) error {
	name, entity, shape, err := h.entityFromPath(c)
	if err != nil {
		return err
	}
	if entity.IsStoredProcedure() {
		var args map[string]any
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &args); err != nil {
				return gateway.BadRequest("request body is not a JSON object")
			}
		}
		return h.executeProc(c, name, args)
	}

	values, err := h.bodyValues(c, shape)
	if err != nil {
		return err
	}
	item, err := h.svc.Create(c.UserContext(), principalFrom(c), name, values, responseSelection())
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"value": []json.RawMessage{item}})
}

// Replace answers PUT: the row at the key is inserted or fully replaced by
// the request body.
func (h *Handler) Replace(c *fiber.Ctx) error {
	name, _, shape, err := h.entityFromPath(c)
	if err != nil {
		return err
	}
	pk, err := pkFromPath(shape, c.Params("*"))
	if err != nil {
		return err
	}
	values, err := h.bodyValues(c, shape)
	if err != nil {
		return err
	}
	item, err := h.svc.Upsert(c.UserContext(), principalFrom(c), name, pk, values, responseSelection())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"value": []json.RawMessage{item}})
}

// Update answers PATCH: the named fields change when the row exists, and the
// row is created from the body merged with the key otherwise.
func (h *Handler) Update(c *fiber.Ctx) error {
	name, _, shape, err := h.entityFromPath(c)
	if err != nil {
		return err
	}
	pk, err := pkFromPath(shape, c.Params("*"))
	if err != nil {
		return err
	}
	values, err := h.bodyValues(c, shape)
	if err != nil {
		return err
	}
	item, err := h.svc.Update(c.UserContext(), principalFrom(c), name, pk, values, responseSelection())
	if err != nil {
		if gateway.AsError(err).Code != gateway.CodeEntityNotFound {
			return err
		}
		merged := make(map[string]any, len(values)+len(pk))
		for k, v := range values {
			merged[k] = v
		}
		for k, v := range pk {
			merged[k] = v
		}
		item, err = h.svc.Create(c.UserContext(), principalFrom(c), name, merged, responseSelection())
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"value": []json.RawMessage{item}})
	}
	return c.JSON(fiber.Map{"value": []json.RawMessage{item}})
}

func (h *Handler) Delete(c *fiber.Ctx) error {
	name, _, shape, err := h.entityFromPath(c)
	if err != nil {
		return err
	}
	pk, err := pkFromPath(shape, c.Params("*"))
	if err != nil {
		return err
	}
	if err := h.svc.Delete(c.UserContext(), principalFrom(c), name, pk); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) GraphQL(c *fiber.Ctx) error {
	var req gqlschema.Request
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return gateway.BadRequest("request body is not a GraphQL request document")
	}
	ctx := authz.WithPrincipal(c.UserContext(), principalFrom(c))
	return c.JSON(gqlschema.Execute(ctx, h.schema, h.svc.Config(), req))
}

func (h *Handler) executeProc(c *fiber.Ctx, name string, args map[string]any) error {
	rows, err := h.svc.Execute(c.UserContext(), principalFrom(c), name, args)
	if err != nil {
		return err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return c.JSON(fiber.Map{"value": rows})
}

// entityFromPath resolves the :entity segment against the catalog.
func (h *Handler) entityFromPath(c *fiber.Ctx) (string, config.Entity, *metadata.TableShape, error) {
	segment := c.Params("entity")
	name, entity, ok := h.svc.Config().LookupByRestPath(segment)
	if !ok || !entity.RestEnabled() {
		return "", config.Entity{}, nil, gateway.EntityNotFound("entity %q is not exposed over REST", segment)
	}
	shape, err := h.svc.Provider().DescribeEntity(c.UserContext(), name)
	if err != nil {
		return "", config.Entity{}, nil, err
	}
	return name, entity, shape, nil
}

// selectedFields reads $select. An absent $select stays empty so the planner
// resolves it to the role's read mask instead of every column.
func selectedFields(c *fiber.Ctx) []string {
	raw := c.Query("$select")
	if raw == "" {
		return nil
	}
	var fields []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// responseSelection is the mutation read-back projection. It is left empty so
// the planner resolves it to the role's read mask and the caller sees exactly
// the columns the role may read.
func responseSelection() planner.Selection {
	return planner.Selection{}
}

// bodyValues decodes the request body and applies the request-body-strict
// policy to fields that do not map to a column.
func (h *Handler) bodyValues(c *fiber.Ctx, shape *metadata.TableShape) (map[string]any, error) {
	var values map[string]any
	if err := json.Unmarshal(c.Body(), &values); err != nil {
		return nil, gateway.BadRequest("request body is not a JSON object")
	}
	for k := range values {
		if shape.HasColumn(k) {
			continue
		}
		if h.svc.Config().Runtime.Rest.RequestBodyStrict {
			return nil, gateway.BadRequest("field %q does not exist on this entity", k)
		}
		delete(values, k)
	}
	return values, nil
}

// pkFromPath parses the trailing /column/value pairs of a by-key route and
// converts each value to the column's type.
func pkFromPath(shape *metadata.TableShape, wildcard string) (map[string]any, error) {
	trimmed := strings.Trim(wildcard, "/")
	if trimmed == "" {
		return nil, gateway.BadRequest("the request route is missing key columns")
	}
	segs := strings.Split(trimmed, "/")
	if len(segs)%2 != 0 {
		return nil, gateway.BadRequest("key segments come in column/value pairs")
	}
	pk := make(map[string]any, len(segs)/2)
	for i := 0; i < len(segs); i += 2 {
		col, err := url.PathUnescape(segs[i])
		if err != nil {
			return nil, gateway.BadRequest("key column %q is malformed", segs[i])
		}
		raw, err := url.PathUnescape(segs[i+1])
		if err != nil {
			return nil, gateway.BadRequest("key value %q is malformed", segs[i+1])
		}
		if !shape.IsKeyColumn(col) {
			return nil, gateway.BadRequest("%q is not a key column", col)
		}
		value, err := typedValue(shape.Column(col).Logical, raw)
		if err != nil {
			return nil, gateway.BadRequest("key value %q does not fit column %q", raw, col)
		}
		pk[col] = value
	}
	return pk, nil
}

// queryArgs converts query-string procedure arguments to the parameter's
// declared type so positional backends bind them correctly.
func queryArgs(c *fiber.Ctx, shape *metadata.TableShape) map[string]any {
	queries := c.Queries()
	if len(queries) == 0 {
		return nil
	}
	args := make(map[string]any, len(queries))
	for k, v := range queries {
		if strings.HasPrefix(k, "$") {
			continue
		}
		args[k] = v
		for _, param := range shape.Parameters {
			if strings.EqualFold(param.Name, k) {
				if typed, err := typedValue(param.Logical, v); err == nil {
					args[k] = typed
				}
				break
			}
		}
	}
	return args
}

func typedValue(t metadata.LogicalType, raw string) (any, error) {
	switch t {
	case metadata.TypeInt:
		return strconv.ParseInt(raw, 10, 64)
	case metadata.TypeFloat, metadata.TypeDecimal:
		return strconv.ParseFloat(raw, 64)
	case metadata.TypeBool:
		return strconv.ParseBool(raw)
	default:
		return raw, nil
	}
}

// nextLink rebuilds the request URL with the follow-up cursor, keeping the
// caller's other query options intact.
func nextLink(c *fiber.Ctx, cursor string) string {
	values := url.Values{}
	for k, v := range c.Queries() {
		values.Set(k, v)
	}
	values.Set("$after", cursor)
	return c.BaseURL() + c.Path() + "?" + values.Encode()
}
