package serverfn

import (
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
)

// Transport identifies how a registered function is invoked.
type Transport int

const (
	// TransportRPC is a unary request/response call.
	TransportRPC Transport = iota
	// TransportServerStream is a one-way server-to-caller push stream (SSE).
	TransportServerStream
	// TransportBidirectional is a two-way stream (WebSocket).
	TransportBidirectional
)

func (t Transport) String() string {
	switch t {
	case TransportServerStream:
		return "server_stream"
	case TransportBidirectional:
		return "bidirectional"
	default:
		return "rpc"
	}
}

// ParamField is one named, typed entry in a descriptor's parameter schema.
type ParamField struct {
	Name string
	Type reflect.Type
}

// Descriptor is the immutable identity of one callable function: its name,
// URL path, transport mode, encoding, and parameter/result schema. A
// descriptor is created at registration time and lives for the process
// lifetime.
type Descriptor struct {
	Name      string
	Path      string
	Transport Transport
	Encoding  Encoding
	Params    []ParamField

	// SuccessType is the result type for RPC, or the outbound item type
	// for streams.
	SuccessType reflect.Type
	// InputType is the inbound item type for bidirectional functions,
	// nil otherwise.
	InputType reflect.Type
	// ErrType is the declared application error payload type, nil when
	// the function never returns App errors.
	ErrType reflect.Type
}

// Codec returns the wire codec implied by the descriptor's encoding.
func (d *Descriptor) Codec() Codec { return codecFor(d.Encoding) }

// methodAllowed reports whether an HTTP method may invoke this descriptor.
// RPC is POST, with GET permitted for parameterless functions; both stream
// transports are established with GET.
func (d *Descriptor) methodAllowed(method string) bool {
	switch d.Transport {
	case TransportRPC:
		return method == http.MethodPost ||
			(method == http.MethodGet && len(d.Params) == 0)
	default:
		return method == http.MethodGet
	}
}

// ValidatePath checks a descriptor path at registration time. Paths start
// with "/", contain no "//", "..", or trailing slash (except the root),
// and are restricted to alphanumerics, "-", "_", and "/".
func ValidatePath(path string) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("path %q must start with '/'", path)
	}
	if path == "/" {
		return nil
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path %q contains a traversal segment", path)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("path %q contains an empty segment", path)
	}
	if strings.HasSuffix(path, "/") {
		return fmt.Errorf("path %q has a trailing slash", path)
	}
	for _, r := range path {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '/':
		default:
			return fmt.Errorf("path %q contains invalid character %q", path, r)
		}
	}
	return nil
}

// nameFromPath derives a default function name from the last path segment.
func nameFromPath(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 && i+1 < len(path) {
		return path[i+1:]
	}
	return path
}

// paramFields builds the ordered parameter schema from a params struct
// type. Field names follow json tags, falling back to the Go field name.
func paramFields(t reflect.Type) ([]ParamField, error) {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("params type %v is not a struct", t)
	}
	var fields []ParamField
	for i := range t.NumField() {
		f := t.Field(i)
		name, ok := fieldWireName(f)
		if !ok {
			continue
		}
		fields = append(fields, ParamField{Name: name, Type: f.Type})
	}
	return fields, nil
}

func fieldWireName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false
	}
	if name, _, _ := strings.Cut(tag, ","); name != "" {
		return name, true
	}
	return f.Name, true
}

// decodeQuery fills a params struct from URL query values, used by stream
// descriptors whose parameters arrive on the establishing GET. Absent keys
// leave the zero value in place.
func decodeQuery(target any, values url.Values) error {
	rv := reflect.ValueOf(target).Elem()
	rt := rv.Type()
	if rt.Kind() != reflect.Struct {
		return fmt.Errorf("params type %v is not a struct", rt)
	}
	for i := range rt.NumField() {
		f := rt.Field(i)
		name, ok := fieldWireName(f)
		if !ok || !values.Has(name) {
			continue
		}
		if err := setQueryField(rv.Field(i), values.Get(name)); err != nil {
			return fmt.Errorf("query parameter %q: %w", name, err)
		}
	}
	return nil
}

// encodeQuery renders a params struct as URL query values, the inverse of
// decodeQuery. Zero values are still sent; the schema has no notion of
// optional parameters.
func encodeQuery(params any) (url.Values, error) {
	rv := reflect.ValueOf(params)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	rt := rv.Type()
	if rt.Kind() != reflect.Struct {
		return nil, fmt.Errorf("params type %v is not a struct", rt)
	}
	values := make(url.Values)
	for i := range rt.NumField() {
		f := rt.Field(i)
		name, ok := fieldWireName(f)
		if !ok {
			continue
		}
		s, err := queryFieldString(rv.Field(i))
		if err != nil {
			return nil, fmt.Errorf("query parameter %q: %w", name, err)
		}
		values.Set(name, s)
	}
	return values, nil
}

func queryFieldString(field reflect.Value) (string, error) {
	switch field.Kind() {
	case reflect.String:
		return field.String(), nil
	case reflect.Bool:
		return strconv.FormatBool(field.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(field.Uint(), 10), nil
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(field.Float(), 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported type %v", field.Type())
	}
}

func setQueryField(field reflect.Value, s string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(s)
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		field.SetBool(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		field.SetFloat(v)
	default:
		return fmt.Errorf("unsupported type %v", field.Type())
	}
	return nil
}
