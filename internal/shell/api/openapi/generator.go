// Package openapi describes the HTTP API as an OpenAPI 3.0 document built by
// reflecting on the request and response types of each route, and validates
// request bodies against the same schemas.
package openapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

var (
	ErrUnknownOperation = errors.New("operation not described")
	ErrInvalidBody      = errors.New("request body does not match schema")
)

// =============================================================================
// Generator
// =============================================================================

// Generator produces the OpenAPI document of registered operations.
type Generator struct {
	title       string
	version     string
	description string
	servers     []string
	operations  []Operation
	mu          sync.RWMutex
	cachedSpec  *openapi3.T
}

// Operation describes one route. Request and the Responses values are
// sample values of the Go types exchanged; a nil Request means no body.
type Operation struct {
	Method     string
	Path       string // chi style, e.g. /api/v1/executions/{id}
	ID         string
	Summary    string
	Tag        string
	Request    any
	Query      []string
	Responses  map[int]any
	StrictBody bool // reject properties the request type does not declare
}

// Option configures the generator.
type Option func(*Generator)

// WithTitle sets the API title.
func WithTitle(title string) Option {
	return func(g *Generator) {
		g.title = title
	}
}

// WithVersion sets the API version.
func WithVersion(version string) Option {
	return func(g *Generator) {
		g.version = version
	}
}

// WithDescription sets the API description.
func WithDescription(description string) Option {
	return func(g *Generator) {
		g.description = description
	}
}

// WithServer adds a server URL.
func WithServer(url string) Option {
	return func(g *Generator) {
		g.servers = append(g.servers, url)
	}
}

// NewGenerator creates a generator with no operations.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		title:   "shipline API",
		version: "1.0.0",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds an operation to the document.
func (g *Generator) Register(op Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operations = append(g.operations, op)
	g.cachedSpec = nil
}

// Generate builds the document, or returns the cached one.
func (g *Generator) Generate() *openapi3.T {
	g.mu.RLock()
	if g.cachedSpec != nil {
		spec := g.cachedSpec
		g.mu.RUnlock()
		return spec
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cachedSpec != nil {
		return g.cachedSpec
	}

	spec := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       g.title,
			Version:     g.version,
			Description: g.description,
		},
		Paths: &openapi3.Paths{},
		Components: &openapi3.Components{
			Schemas: make(openapi3.Schemas),
		},
	}
	for _, url := range g.servers {
		spec.Servers = append(spec.Servers, &openapi3.Server{URL: url})
	}

	for _, op := range g.operations {
		item := spec.Paths.Value(op.Path)
		if item == nil {
			item = &openapi3.PathItem{Parameters: pathParameters(op.Path)}
			spec.Paths.Set(op.Path, item)
		}
		item.SetOperation(op.Method, g.operation(spec, op))
	}

	g.cachedSpec = spec
	return spec
}

// Handler serves the document as JSON.
func (g *Generator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if err := json.NewEncoder(w).Encode(g.Generate()); err != nil {
			http.Error(w, "failed to encode OpenAPI document", http.StatusInternalServerError)
		}
	}
}

// ValidateRequest checks body against the request schema of the operation
// registered for method and path.
func (g *Generator) ValidateRequest(method, path string, body []byte) error {
	item := g.Generate().Paths.Value(path)
	if item == nil {
		return fmt.Errorf("%w: %s %s", ErrUnknownOperation, method, path)
	}
	op := item.GetOperation(method)
	if op == nil {
		return fmt.Errorf("%w: %s %s", ErrUnknownOperation, method, path)
	}
	if op.RequestBody == nil || op.RequestBody.Value == nil {
		return nil
	}
	media := op.RequestBody.Value.Content.Get("application/json")
	if media == nil || media.Schema == nil || media.Schema.Value == nil {
		return nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if err := media.Schema.Value.VisitJSON(value); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}

// =============================================================================
// Operation Generation
// =============================================================================

func (g *Generator) operation(spec *openapi3.T, op Operation) *openapi3.Operation {
	out := &openapi3.Operation{
		OperationID: op.ID,
		Summary:     op.Summary,
		Responses:   &openapi3.Responses{},
	}
	if op.Tag != "" {
		out.Tags = []string{op.Tag}
	}

	for _, name := range op.Query {
		out.Parameters = append(out.Parameters, &openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:   name,
				In:     openapi3.ParameterInQuery,
				Schema: &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}},
			},
		})
	}

	if op.Request != nil {
		schema := g.component(spec, op.Request)
		if op.StrictBody && schema.Value != nil {
			closed := false
			schema = &openapi3.SchemaRef{Value: withClosedProperties(schema.Value, &closed)}
		}
		out.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().WithJSONSchemaRef(schema),
		}
	}

	codes := make([]int, 0, len(op.Responses))
	for code := range op.Responses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		resp := openapi3.NewResponse().WithDescription(http.StatusText(code))
		if sample := op.Responses[code]; sample != nil {
			resp = resp.WithJSONSchemaRef(g.component(spec, sample))
		}
		out.Responses.Set(strconv.Itoa(code), &openapi3.ResponseRef{Value: resp})
	}
	return out
}

// component records the schema of sample's type under its Go type name and
// returns it inline.
func (g *Generator) component(spec *openapi3.T, sample any) *openapi3.SchemaRef {
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	schema := g.goTypeToSchema(t)
	if t.Name() != "" {
		spec.Components.Schemas[t.Name()] = schema
	}
	return schema
}

func withClosedProperties(s *openapi3.Schema, closed *bool) *openapi3.Schema {
	cp := *s
	cp.AdditionalProperties = openapi3.AdditionalProperties{Has: closed}
	return &cp
}

// pathParameters declares every {name} segment of path.
func pathParameters(path string) openapi3.Parameters {
	var params openapi3.Parameters
	for _, segment := range strings.Split(path, "/") {
		if !strings.HasPrefix(segment, "{") || !strings.HasSuffix(segment, "}") {
			continue
		}
		params = append(params, &openapi3.ParameterRef{
			Value: &openapi3.Parameter{
				Name:     strings.Trim(segment, "{}"),
				In:       openapi3.ParameterInPath,
				Required: true,
				Schema:   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
			},
		})
	}
	return params
}

// =============================================================================
// Schema Generation
// =============================================================================

// extractSchema builds an object schema from the exported fields of a struct.
// A `pattern` struct tag becomes the pattern of a string property.
func (g *Generator) extractSchema(t reflect.Type) *openapi3.SchemaRef {
	schema := &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: make(openapi3.Schemas),
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}
		name := field.Name
		if jsonTag != "" {
			if parts := strings.Split(jsonTag, ","); parts[0] != "" {
				name = parts[0]
			}
		}

		prop := g.goTypeToSchema(field.Type)
		if pattern := field.Tag.Get("pattern"); pattern != "" && prop.Value != nil {
			prop.Value.Pattern = pattern
		}
		schema.Properties[name] = prop
	}

	return &openapi3.SchemaRef{Value: schema}
}

// goTypeToSchema converts a Go type to a schema.
func (g *Generator) goTypeToSchema(t reflect.Type) *openapi3.SchemaRef {
	switch t.Kind() {
	case reflect.String:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}

	case reflect.Int64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}

	case reflect.Float32, reflect.Float64:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}}}

	case reflect.Bool:
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}

	case reflect.Slice, reflect.Array:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:  &openapi3.Types{"array"},
				Items: g.goTypeToSchema(t.Elem()),
			},
		}

	case reflect.Map:
		return &openapi3.SchemaRef{
			Value: &openapi3.Schema{
				Type:                 &openapi3.Types{"object"},
				AdditionalProperties: openapi3.AdditionalProperties{Schema: g.goTypeToSchema(t.Elem())},
			},
		}

	case reflect.Ptr:
		schema := g.goTypeToSchema(t.Elem())
		if schema.Value != nil {
			schema.Value.Nullable = true
		}
		return schema

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return &openapi3.SchemaRef{
				Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"},
			}
		}
		return g.extractSchema(t)

	default:
		// interface{} and anything else accept any JSON value
		return &openapi3.SchemaRef{Value: &openapi3.Schema{}}
	}
}
