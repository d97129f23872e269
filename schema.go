package sofa

import (
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrNotModel = errors.New("model must be a struct or a pointer to a struct")
var ErrSchemaInvalid = errors.New("invalid model schema")

// Kind is the closed set of value kinds the marshaller understands. Every
// model field resolves to exactly one kind at registration time, so the
// (de)serializers dispatch on the table instead of inspecting types per call.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindString
	KindBool
	KindDecimal
	KindTime
	KindOptional
	KindList
	KindMap
	KindNested
	KindAny
)

// kindSpec is a recursive descriptor for a single declared field type.
type kindSpec struct {
	kind   Kind
	key    *kindSpec // KindMap only
	elem   *kindSpec // KindOptional, KindList, KindMap
	nested *Schema   // KindNested only
	typ    reflect.Type
}

type schemaField struct {
	name  string
	spec  *kindSpec
	index []int
	def   interface{}
	defFn func() interface{}
}

// Schema is the tagged-kind table for one model type, built once and cached.
type Schema struct {
	typ    reflect.Type
	fields []schemaField
}

func (s *Schema) fieldByName(name string) *schemaField {
	for i := range s.fields {
		if s.fields[i].name == name {
			return &s.fields[i]
		}
	}
	return nil
}

var (
	schemaMu    sync.RWMutex
	schemaCache = make(map[reflect.Type]*Schema)
)

var (
	decimalType = reflect.TypeOf(decimal.Decimal{})
	timeType    = reflect.TypeOf(time.Time{})
)

// SchemaOf resolves the schema for a model instance or model type, building
// and caching it on first use. It fails with ErrNotModel for non-struct input
// and with ErrSchemaInvalid for field types outside the closed kind table.
func SchemaOf(v interface{}) (*Schema, error) {
	if v == nil {
		return nil, ErrNotModel
	}

	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t == decimalType || t == timeType {
		return nil, errors.Wrapf(ErrNotModel, "got %s", t.Kind())
	}

	return schemaOfType(t)
}

func schemaOfType(t reflect.Type) (*Schema, error) {
	schemaMu.RLock()
	sch, ok := schemaCache[t]
	schemaMu.RUnlock()
	if ok {
		return sch, nil
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()
	return buildSchemaLocked(t)
}

// buildSchemaLocked registers the schema before walking its fields so that
// recursive model types resolve to the already-registered entry.
func buildSchemaLocked(t reflect.Type) (*Schema, error) {
	if sch, ok := schemaCache[t]; ok {
		return sch, nil
	}

	sch := &Schema{typ: t}
	schemaCache[t] = sch

	fields, err := collectFields(t, nil)
	if err != nil {
		delete(schemaCache, t)
		return nil, err
	}

	sch.fields = fields
	return sch, nil
}

func collectFields(t reflect.Type, parentIndex []int) ([]schemaField, error) {
	var out []schemaField

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			continue
		}

		index := append(append([]int(nil), parentIndex...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Tag.Get("sofa") == "" {
			embedded, err := collectFields(sf.Type, index)
			if err != nil {
				return nil, err
			}
			out = append(out, embedded...)
			continue
		}

		name := sf.Name
		if tag := sf.Tag.Get("sofa"); tag != "" {
			if tag == "-" {
				continue
			}
			name = tag
		}

		spec, err := kindOf(sf.Type)
		if err != nil {
			return nil, errors.Wrapf(err, "field %s.%s", t.Name(), sf.Name)
		}

		out = append(out, schemaField{name: name, spec: spec, index: index})
	}

	return out, nil
}

func kindOf(t reflect.Type) (*kindSpec, error) {
	spec := &kindSpec{typ: t}

	switch {
	case t == decimalType:
		spec.kind = KindDecimal
		return spec, nil
	case t == timeType:
		spec.kind = KindTime
		return spec, nil
	}

	switch t.Kind() {
	case reflect.Ptr:
		elem, err := kindOf(t.Elem())
		if err != nil {
			return nil, err
		}
		spec.kind = KindOptional
		spec.elem = elem
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		spec.kind = KindInt
	case reflect.Float32, reflect.Float64:
		spec.kind = KindFloat
	case reflect.String:
		spec.kind = KindString
	case reflect.Bool:
		spec.kind = KindBool
	case reflect.Slice:
		elem, err := kindOf(t.Elem())
		if err != nil {
			return nil, err
		}
		spec.kind = KindList
		spec.elem = elem
	case reflect.Map:
		key, err := kindOf(t.Key())
		if err != nil {
			return nil, err
		}
		if !textableKey(key.kind) {
			return nil, errors.Wrapf(ErrSchemaInvalid, "map key type %s cannot be represented as a document key", t.Key())
		}
		elem, err := kindOf(t.Elem())
		if err != nil {
			return nil, err
		}
		spec.kind = KindMap
		spec.key = key
		spec.elem = elem
	case reflect.Struct:
		nested, err := buildSchemaLocked(t)
		if err != nil {
			return nil, err
		}
		spec.kind = KindNested
		spec.nested = nested
	case reflect.Interface:
		spec.kind = KindAny
	default:
		return nil, errors.Wrapf(ErrSchemaInvalid, "unsupported type %s", t)
	}

	return spec, nil
}

// textableKey reports whether a map key kind has an exact textual form on the
// wire. Keys travel through the same conversion pipeline as values in both
// directions.
func textableKey(k Kind) bool {
	switch k {
	case KindString, KindInt, KindFloat, KindBool, KindDecimal, KindTime:
		return true
	}
	return false
}

// SchemaOption attaches registration-time settings to a model schema.
type SchemaOption func(*Schema) error

// WithDefault declares the value assigned to fieldName when a document does
// not carry it. The value is checked against the declared field type here,
// not rediscovered on every deserialize.
func WithDefault(fieldName string, value interface{}) SchemaOption {
	return func(s *Schema) error {
		f := s.fieldByName(fieldName)
		if f == nil {
			return errors.Wrapf(ErrSchemaInvalid, "no field %q on %s", fieldName, s.typ.Name())
		}
		if value != nil {
			vt := reflect.TypeOf(value)
			if !vt.AssignableTo(f.spec.typ) && !vt.ConvertibleTo(f.spec.typ) {
				return errors.Wrapf(ErrSchemaInvalid, "default for %q: %s is not assignable to %s", fieldName, vt, f.spec.typ)
			}
		}
		f.def = value
		return nil
	}
}

// WithDefaultFunc declares a producer invoked for fieldName when a document
// does not carry it. The produced value must fit the declared field type.
func WithDefaultFunc(fieldName string, fn func() interface{}) SchemaOption {
	return func(s *Schema) error {
		f := s.fieldByName(fieldName)
		if f == nil {
			return errors.Wrapf(ErrSchemaInvalid, "no field %q on %s", fieldName, s.typ.Name())
		}
		if fn == nil {
			return errors.Wrapf(ErrSchemaInvalid, "default producer for %q is nil", fieldName)
		}
		f.defFn = fn
		return nil
	}
}

// RegisterDefaults validates and attaches default values for a model type.
func RegisterDefaults(v interface{}, opts ...SchemaOption) error {
	sch, err := SchemaOf(v)
	if err != nil {
		return err
	}

	schemaMu.Lock()
	defer schemaMu.Unlock()
	for _, opt := range opts {
		if err := opt(sch); err != nil {
			return err
		}
	}
	return nil
}
