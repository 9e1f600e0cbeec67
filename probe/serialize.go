package probe

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// Markers substituted for values that cannot be represented in JSON.
const (
	CircularMarker       = "[Circular]"
	FunctionMarker       = "[Function]"
	ChannelMarker        = "[Channel]"
	UnsafePointerMarker  = "[UnsafePointer]"
	MaxDepthMarker       = "[MaxDepth]"
	UnserializableMarker = "[Unserializable]"
)

// maxSanitizeDepth bounds recursion for very deep acyclic values.
const maxSanitizeDepth = 64

// SerializedError is the JSON form of an error value.
type SerializedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Sanitize converts an arbitrary in-process value into a tree of maps,
// slices and primitives that encoding/json can always marshal.
//
// Every pointer, map and slice is tracked by identity for the duration of
// one call; meeting the same reference again yields CircularMarker instead
// of recursing. Sanitize never panics.
func Sanitize(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = UnserializableMarker
		}
	}()
	s := &sanitizer{visited: make(map[visitKey]struct{})}
	return s.visit(reflect.ValueOf(v), 0)
}

type visitKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

type sanitizer struct {
	visited map[visitKey]struct{}
}

// enter records a reference and reports whether it was already seen.
func (s *sanitizer) enter(v reflect.Value) bool {
	key := visitKey{typ: v.Type(), ptr: v.Pointer()}
	if v.Kind() == reflect.Slice {
		key.len = v.Len()
	}
	if _, ok := s.visited[key]; ok {
		return true
	}
	s.visited[key] = struct{}{}
	return false
}

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	timeType  = reflect.TypeOf(time.Time{})
	rawType   = reflect.TypeOf(json.RawMessage(nil))
)

func (s *sanitizer) visit(v reflect.Value, depth int) any {
	if !v.IsValid() {
		return nil
	}
	if depth > maxSanitizeDepth {
		return MaxDepthMarker
	}

	if v.Type().Implements(errorType) && v.CanInterface() {
		if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
			return nil
		}
		return serializeError(v.Interface().(error))
	}

	switch v.Type() {
	case timeType:
		if v.CanInterface() {
			return v.Interface().(time.Time).UTC().Format(time.RFC3339Nano)
		}
	case rawType:
		if v.IsNil() {
			return nil
		}
		var decoded any
		if err := json.Unmarshal(v.Bytes(), &decoded); err != nil {
			return string(v.Bytes())
		}
		return decoded
	}

	switch v.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return primitive(v)

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		switch {
		case math.IsNaN(f):
			return "NaN"
		case math.IsInf(f, 1):
			return "Infinity"
		case math.IsInf(f, -1):
			return "-Infinity"
		}
		return primitive(v)

	case reflect.Complex64, reflect.Complex128:
		return fmt.Sprint(v.Complex())

	case reflect.Func:
		return FunctionMarker
	case reflect.Chan:
		return ChannelMarker
	case reflect.UnsafePointer:
		return UnsafePointerMarker

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return s.visit(v.Elem(), depth)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if s.enter(v) {
			return CircularMarker
		}
		return s.visit(v.Elem(), depth+1)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		if s.enter(v) {
			return CircularMarker
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = s.visit(iter.Value(), depth+1)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), v.Bytes()...)
		}
		if s.enter(v) {
			return CircularMarker
		}
		return s.visitList(v, depth)

	case reflect.Array:
		return s.visitList(v, depth)

	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		s.visitFields(v, out, depth)
		return out
	}

	return UnserializableMarker
}

func (s *sanitizer) visitList(v reflect.Value, depth int) []any {
	out := make([]any, v.Len())
	for i := range out {
		out[i] = s.visit(v.Index(i), depth+1)
	}
	return out
}

// visitFields copies exported fields under their JSON names. Embedded
// structs without a tag are flattened, as encoding/json does.
func (s *sanitizer) visitFields(v reflect.Value, out map[string]any, depth int) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")

		if field.Anonymous && name == "" {
			fv := v.Field(i)
			if fv.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				if s.enter(fv) {
					continue
				}
				fv = fv.Elem()
			}
			if fv.Kind() == reflect.Struct {
				s.visitFields(fv, out, depth)
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		out[name] = s.visit(v.Field(i), depth+1)
	}
}

// primitive copies values read through unexported embedded fields, which
// cannot be passed to Interface directly.
func primitive(v reflect.Value) any {
	if v.CanInterface() {
		return v.Interface()
	}
	c := reflect.New(v.Type()).Elem()
	switch v.Kind() {
	case reflect.Bool:
		c.SetBool(v.Bool())
	case reflect.String:
		c.SetString(v.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		c.SetInt(v.Int())
	case reflect.Float32, reflect.Float64:
		c.SetFloat(v.Float())
	default:
		c.SetUint(v.Uint())
	}
	return c.Interface()
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	if k.CanInterface() {
		return fmt.Sprint(k.Interface())
	}
	return fmt.Sprint(k)
}

func serializeError(err error) SerializedError {
	se := SerializedError{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if detailed := fmt.Sprintf("%+v", err); detailed != se.Message {
		se.Stack = detailed
	}
	return se
}
