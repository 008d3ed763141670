// Package isolation snapshots parameter values so they can be handed to
// another execution context without sharing mutable state.
//
// An isolated Value is a deep copy of plain data: structs, maps, slices,
// arrays, pointers and interfaces holding those. Live resources such as
// channels, functions, file handles and network connections cannot be
// isolated and are rejected with ErrUnsupportedValueType. Values that must
// cross a process boundary are encoded as JSON; unexported struct fields and
// values JSON cannot represent are rejected there instead of being dropped.
package isolation

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"
)

// ErrUnsupportedValueType is returned when a value graph contains something
// that cannot be snapshotted.
var ErrUnsupportedValueType = errors.New("unsupported value type")

// UnsupportedValueError reports where in the value graph isolation failed.
type UnsupportedValueError struct {
	Path   string
	Type   reflect.Type
	Reason string
}

func (e *UnsupportedValueError) Error() string {
	path := e.Path
	if path == "" {
		path = "<root>"
	}
	return fmt.Sprintf("isolate %s (%v): %s: %s", path, e.Type, ErrUnsupportedValueType, e.Reason)
}

func (e *UnsupportedValueError) Unwrap() error {
	return ErrUnsupportedValueType
}

var (
	closerType = reflect.TypeFor[io.Closer]()
	readerType = reflect.TypeFor[io.Reader]()
	writerType = reflect.TypeFor[io.Writer]()

	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// Option configures an Isolator.
type Option func(*Isolator)

// WithImmutable marks the dynamic types of the given sample values as
// immutable. Immutable values are passed through without copying.
func WithImmutable(samples ...any) Option {
	return func(i *Isolator) {
		for _, s := range samples {
			i.immutable[reflect.TypeOf(s)] = true
		}
	}
}

// Isolator produces isolated snapshots of parameter values.
// An Isolator is safe for concurrent use.
type Isolator struct {
	immutable map[reflect.Type]bool
}

// New creates an Isolator. time.Time is always treated as immutable.
func New(opts ...Option) *Isolator {
	i := &Isolator{
		immutable: map[reflect.Type]bool{
			reflect.TypeFor[time.Time](): true,
		},
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Isolate returns a deep, independent snapshot of v.
func (i *Isolator) Isolate(v any) (Value, error) {
	if v == nil {
		return Value{}, nil
	}
	c := &copier{isolator: i, onPath: make(map[visitKey]bool)}
	out, err := c.copy(reflect.ValueOf(v), "")
	if err != nil {
		return Value{}, err
	}
	return Value{v: out.Interface(), set: true, iso: i}, nil
}

// visitKey identifies a reference-typed node on the current traversal path.
type visitKey struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type copier struct {
	isolator *Isolator
	onPath   map[visitKey]bool
}

func (c *copier) unsupported(path string, t reflect.Type, reason string) error {
	return &UnsupportedValueError{Path: path, Type: t, Reason: reason}
}

func (c *copier) isResource(t reflect.Type) bool {
	if t.Kind() == reflect.Interface {
		return false
	}
	return t.Implements(closerType) || t.Implements(readerType) || t.Implements(writerType)
}

// enter marks a reference node as being on the path. It returns an error if
// the node is already on the path, which means the graph is cyclic.
func (c *copier) enter(key visitKey, path string, t reflect.Type) error {
	if c.onPath[key] {
		return c.unsupported(path, t, "cyclic reference")
	}
	c.onPath[key] = true
	return nil
}

func (c *copier) leave(key visitKey) {
	delete(c.onPath, key)
}

func (c *copier) copy(v reflect.Value, path string) (reflect.Value, error) {
	t := v.Type()
	if c.isolator.immutable[t] {
		return v, nil
	}
	if c.isResource(t) {
		return reflect.Value{}, c.unsupported(path, t, "live resource handle")
	}

	switch v.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128, reflect.String:
		return v, nil

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return reflect.Value{}, c.unsupported(path, t, v.Kind().String()+" values cannot be isolated")

	case reflect.Interface:
		if v.IsNil() {
			return reflect.Zero(t), nil
		}
		inner, err := c.copy(v.Elem(), path)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t).Elem()
		out.Set(inner)
		return out, nil

	case reflect.Pointer:
		if v.IsNil() {
			return reflect.Zero(t), nil
		}
		key := visitKey{ptr: v.Pointer(), typ: t}
		if err := c.enter(key, path, t); err != nil {
			return reflect.Value{}, err
		}
		defer c.leave(key)
		inner, err := c.copy(v.Elem(), path)
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(t.Elem())
		out.Elem().Set(inner)
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return reflect.Zero(t), nil
		}
		key := visitKey{ptr: v.Pointer(), typ: t}
		if err := c.enter(key, path, t); err != nil {
			return reflect.Value{}, err
		}
		defer c.leave(key)
		out := reflect.MakeMapWithSize(t, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			elemPath := fmt.Sprintf("%s[%v]", path, iter.Key().Interface())
			k, err := c.copy(iter.Key(), elemPath)
			if err != nil {
				return reflect.Value{}, err
			}
			e, err := c.copy(iter.Value(), elemPath)
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(k, e)
		}
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return reflect.Zero(t), nil
		}
		key := visitKey{ptr: v.Pointer(), typ: t, len: v.Len()}
		if err := c.enter(key, path, t); err != nil {
			return reflect.Value{}, err
		}
		defer c.leave(key)
		out := reflect.MakeSlice(t, v.Len(), v.Len())
		for idx := range v.Len() {
			e, err := c.copy(v.Index(idx), fmt.Sprintf("%s[%d]", path, idx))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(idx).Set(e)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(t).Elem()
		for idx := range v.Len() {
			e, err := c.copy(v.Index(idx), fmt.Sprintf("%s[%d]", path, idx))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(idx).Set(e)
		}
		return out, nil

	case reflect.Struct:
		out := reflect.New(t).Elem()
		for idx := range t.NumField() {
			f := t.Field(idx)
			fieldPath := path + "." + f.Name
			if !f.IsExported() {
				if holdsReferences(f.Type) {
					return reflect.Value{}, c.unsupported(fieldPath, f.Type, "unexported field holds references")
				}
				continue
			}
			e, err := c.copy(v.Field(idx), fieldPath)
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(idx).Set(e)
		}
		// Unexported value fields are copied wholesale after validation.
		copyUnexported(out, v)
		return out, nil
	}

	return reflect.Value{}, c.unsupported(path, t, "unhandled kind "+v.Kind().String())
}

// holdsReferences reports whether values of t can alias memory.
func holdsReferences(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func,
		reflect.Interface, reflect.UnsafePointer:
		return true
	case reflect.Array:
		return holdsReferences(t.Elem())
	case reflect.Struct:
		for idx := range t.NumField() {
			if holdsReferences(t.Field(idx).Type) {
				return true
			}
		}
	}
	return false
}

// copyUnexported copies unexported plain-value fields from src into dst.
// Exported fields of dst are preserved.
func copyUnexported(dst, src reflect.Value) {
	t := src.Type()
	hasUnexported := false
	for idx := range t.NumField() {
		if !t.Field(idx).IsExported() {
			hasUnexported = true
			break
		}
	}
	if !hasUnexported {
		return
	}
	exported := make([]reflect.Value, t.NumField())
	for idx := range t.NumField() {
		if t.Field(idx).IsExported() {
			exported[idx] = reflect.ValueOf(dst.Field(idx).Interface())
		}
	}
	// Overwrite the whole struct so unexported scalars are carried over, then
	// restore the deep-copied exported fields.
	dst.Set(src)
	for idx := range t.NumField() {
		if exported[idx].IsValid() {
			dst.Field(idx).Set(exported[idx])
		}
	}
}

// Value is an isolated snapshot. The zero Value holds nil.
type Value struct {
	v   any
	set bool
	iso *Isolator
}

// IsNil reports whether the snapshot holds no value.
func (v Value) IsNil() bool {
	return !v.set || v.v == nil
}

// Get returns a fresh copy of the snapshot so that no two consumers share it.
func (v Value) Get() any {
	if v.IsNil() {
		return nil
	}
	iso := v.iso
	if iso == nil {
		iso = New()
	}
	c := &copier{isolator: iso, onPath: make(map[visitKey]bool)}
	out, err := c.copy(reflect.ValueOf(v.v), "")
	if err != nil {
		// The snapshot was validated when it was taken.
		panic(fmt.Sprintf("isolation: re-copy of validated snapshot failed: %v", err))
	}
	return out.Interface()
}

// Encode serializes the snapshot for transport across a process boundary.
// Unexported struct fields and values JSON cannot represent, such as NaN or
// complex numbers, fail with an *UnsupportedValueError.
func (v Value) Encode() ([]byte, error) {
	if v.IsNil() {
		return []byte("null"), nil
	}
	if err := checkEncodable(reflect.ValueOf(v.v), ""); err != nil {
		return nil, err
	}
	return v.marshal()
}

func (v Value) marshal() ([]byte, error) {
	if v.IsNil() {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v.v)
	if err != nil {
		return nil, &UnsupportedValueError{Type: reflect.TypeOf(v.v), Reason: "not encodable as JSON: " + err.Error()}
	}
	return data, nil
}

// checkEncodable walks an isolated, hence acyclic, value for struct fields
// that JSON would silently drop.
func checkEncodable(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}
	t := v.Type()
	if marshalsItself(t) {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return checkEncodable(v.Elem(), path)
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkEncodable(iter.Value(), fmt.Sprintf("%s[%v]", path, iter.Key())); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for idx := range v.Len() {
			if err := checkEncodable(v.Index(idx), fmt.Sprintf("%s[%d]", path, idx)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for idx := range t.NumField() {
			f := t.Field(idx)
			if !f.IsExported() {
				// JSON promotes the exported fields of embedded structs.
				if f.Anonymous && f.Type.Kind() == reflect.Struct {
					if err := checkEncodable(v.Field(idx), path); err != nil {
						return err
					}
					continue
				}
				return &UnsupportedValueError{Path: path + "." + f.Name, Type: f.Type, Reason: "unexported field cannot cross a process boundary"}
			}
			if err := checkEncodable(v.Field(idx), path+"."+f.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func marshalsItself(t reflect.Type) bool {
	for _, m := range []reflect.Type{jsonMarshalerType, textMarshalerType} {
		if t.Implements(m) || reflect.PointerTo(t).Implements(m) {
			return true
		}
	}
	return false
}

// Decode converts the snapshot into target, which must be a non-nil pointer.
// Unlike Encode it stays within the process, so target's own shape decides
// which fields are kept.
func (v Value) Decode(target any) error {
	data, err := v.marshal()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode isolated value: %w", err)
	}
	return nil
}

// FromEncoded rebuilds a snapshot from bytes produced by Encode. The result
// holds the generic JSON form: maps, slices, strings, float64s and bools.
func FromEncoded(data []byte) (Value, error) {
	if len(data) == 0 {
		return Value{}, nil
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return Value{}, fmt.Errorf("decode isolated value: %w", err)
	}
	return Value{v: out, set: true}, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.marshal()
}
