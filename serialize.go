package sofa

import (
	"reflect"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Serialize converts a model instance into a schemaless Document. Decimals
// keep their exact textual form, timestamps become ISO-8601 text, nested
// models become nested documents, lists and maps recurse. Fails with
// ErrNotModel for anything that is not a (pointer to a) struct.
func Serialize(v interface{}) (Document, error) {
	sch, err := SchemaOf(v)
	if err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, errors.Wrap(ErrNotModel, "nil model instance")
		}
		rv = rv.Elem()
	}

	return serializeStruct(sch, rv)
}

func serializeStruct(sch *Schema, rv reflect.Value) (Document, error) {
	doc := make(Document, len(sch.fields))
	for _, f := range sch.fields {
		val, err := serializeValue(f.spec, rv.FieldByIndex(f.index))
		if err != nil {
			return nil, errors.Wrapf(err, "cannot serialize field %q", f.name)
		}
		doc[f.name] = val
	}
	return doc, nil
}

func serializeValue(spec *kindSpec, rv reflect.Value) (interface{}, error) {
	switch spec.kind {
	case KindOptional:
		if rv.IsNil() {
			return nil, nil
		}
		return serializeValue(spec.elem, rv.Elem())
	case KindDecimal:
		return rv.Interface().(decimal.Decimal).String(), nil
	case KindTime:
		return rv.Interface().(time.Time).Format(time.RFC3339Nano), nil
	case KindNested:
		return serializeStruct(spec.nested, rv)
	case KindList:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := serializeValue(spec.elem, rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case KindMap:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := serializeKey(spec.key, iter.Key())
			v, err := serializeValue(spec.elem, iter.Value())
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return rv.Interface(), nil
	}
}

// serializeKey renders a map key through the same conversion table as values,
// so that deserialization can re-type it from the document form.
func serializeKey(spec *kindSpec, rv reflect.Value) string {
	switch spec.kind {
	case KindString:
		return rv.String()
	case KindInt:
		if isUintKind(rv.Kind()) {
			return strconv.FormatUint(rv.Uint(), 10)
		}
		return strconv.FormatInt(rv.Int(), 10)
	case KindFloat:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(rv.Bool())
	case KindDecimal:
		return rv.Interface().(decimal.Decimal).String()
	case KindTime:
		return rv.Interface().(time.Time).Format(time.RFC3339Nano)
	}
	// unreachable: key kinds are validated at registration
	return ""
}

func isUintKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
