package sofa

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrTypeMismatch = errors.New("document value does not match the declared field kind")

// FieldError wraps a per-field conversion failure with the field's name.
// The root cause stays reachable through errors.Is / errors.Cause.
type FieldError struct {
	Field string
	cause error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("cannot deserialize field %q: %v", e.Field, e.cause)
}

func (e *FieldError) Unwrap() error { return e.cause }
func (e *FieldError) Cause() error  { return e.cause }

// Deserialize populates a model instance from a schemaless Document. Fields
// absent from the document receive their registered default value, then the
// registered default producer, then the type's zero value; a merely missing
// field is never an error. Any conversion failure surfaces as a *FieldError.
func Deserialize(doc Document, out interface{}) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.Wrap(ErrNotModel, "deserialize target must be a non-nil pointer")
	}

	sch, err := SchemaOf(out)
	if err != nil {
		return err
	}

	rv = rv.Elem()
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}

	return deserializeStruct(sch, doc, rv)
}

func deserializeStruct(sch *Schema, doc Document, rv reflect.Value) error {
	for _, f := range sch.fields {
		dst := rv.FieldByIndex(f.index)

		raw, ok := doc[f.name]
		if !ok {
			applyDefault(&f, dst)
			continue
		}

		if err := deserializeValue(f.spec, raw, dst); err != nil {
			return &FieldError{Field: f.name, cause: err}
		}
	}
	return nil
}

func applyDefault(f *schemaField, dst reflect.Value) {
	var def interface{}
	switch {
	case f.def != nil:
		def = f.def
	case f.defFn != nil:
		def = f.defFn()
	default:
		return
	}

	if def == nil {
		return
	}

	dv := reflect.ValueOf(def)
	if dv.Type().AssignableTo(dst.Type()) {
		dst.Set(dv)
		return
	}
	dst.Set(dv.Convert(dst.Type()))
}

func deserializeValue(spec *kindSpec, raw interface{}, dst reflect.Value) error {
	if raw == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}

	switch spec.kind {
	case KindOptional:
		dst.Set(reflect.New(spec.typ.Elem()))
		return deserializeValue(spec.elem, raw, dst.Elem())
	case KindList:
		items, ok := raw.([]interface{})
		if !ok {
			return errors.Wrapf(ErrTypeMismatch, "expected list, got %T", raw)
		}
		out := reflect.MakeSlice(spec.typ, len(items), len(items))
		for i, item := range items {
			if err := deserializeValue(spec.elem, item, out.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	case KindMap:
		values, ok := mapping(raw)
		if !ok {
			return errors.Wrapf(ErrTypeMismatch, "expected mapping, got %T", raw)
		}
		out := reflect.MakeMapWithSize(spec.typ, len(values))
		for k, v := range values {
			key := reflect.New(spec.typ.Key()).Elem()
			if err := deserializeKey(spec.key, k, key); err != nil {
				return err
			}
			val := reflect.New(spec.typ.Elem()).Elem()
			if err := deserializeValue(spec.elem, v, val); err != nil {
				return err
			}
			out.SetMapIndex(key, val)
		}
		dst.Set(out)
		return nil
	case KindNested:
		values, ok := mapping(raw)
		if !ok {
			return errors.Wrapf(ErrTypeMismatch, "expected mapping for nested model, got %T", raw)
		}
		return deserializeStruct(spec.nested, Document(values), dst)
	case KindDecimal:
		d, err := toDecimal(raw)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(d))
		return nil
	case KindTime:
		s, ok := raw.(string)
		if !ok {
			return errors.Wrapf(ErrTypeMismatch, "expected timestamp text, got %T", raw)
		}
		t, err := parseTimestamp(s)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	case KindInt:
		n, err := toInt(raw)
		if err != nil {
			return err
		}
		if isUintKind(dst.Kind()) {
			if n < 0 || dst.OverflowUint(uint64(n)) {
				return errors.Wrapf(ErrTypeMismatch, "value %d does not fit %s", n, dst.Type())
			}
			dst.SetUint(uint64(n))
		} else {
			if dst.OverflowInt(n) {
				return errors.Wrapf(ErrTypeMismatch, "value %d does not fit %s", n, dst.Type())
			}
			dst.SetInt(n)
		}
		return nil
	case KindFloat:
		f, err := toFloat(raw)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil
	case KindString:
		s, err := toString(raw)
		if err != nil {
			return err
		}
		dst.SetString(s)
		return nil
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return errors.Wrapf(ErrTypeMismatch, "expected bool, got %T", raw)
		}
		dst.SetBool(b)
		return nil
	default:
		v := reflect.ValueOf(raw)
		if !v.Type().AssignableTo(dst.Type()) {
			return errors.Wrapf(ErrTypeMismatch, "cannot assign %T", raw)
		}
		dst.Set(v)
		return nil
	}
}

func deserializeKey(spec *kindSpec, k string, dst reflect.Value) error {
	switch spec.kind {
	case KindString:
		dst.SetString(k)
		return nil
	case KindInt:
		if isUintKind(dst.Kind()) {
			n, err := strconv.ParseUint(k, 10, dst.Type().Bits())
			if err != nil {
				return errors.Wrap(ErrTypeMismatch, err.Error())
			}
			dst.SetUint(n)
			return nil
		}
		n, err := strconv.ParseInt(k, 10, dst.Type().Bits())
		if err != nil {
			return errors.Wrap(ErrTypeMismatch, err.Error())
		}
		dst.SetInt(n)
		return nil
	case KindFloat:
		f, err := strconv.ParseFloat(k, 64)
		if err != nil {
			return errors.Wrap(ErrTypeMismatch, err.Error())
		}
		dst.SetFloat(f)
		return nil
	case KindBool:
		b, err := strconv.ParseBool(k)
		if err != nil {
			return errors.Wrap(ErrTypeMismatch, err.Error())
		}
		dst.SetBool(b)
		return nil
	case KindDecimal:
		d, err := decimal.NewFromString(k)
		if err != nil {
			return errors.Wrap(ErrTypeMismatch, err.Error())
		}
		dst.Set(reflect.ValueOf(d))
		return nil
	case KindTime:
		t, err := parseTimestamp(k)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}
	return errors.Wrapf(ErrTypeMismatch, "map key kind %d", spec.kind)
}

// zoneLessLayout covers timestamps written without an offset; a fractional
// second in the input is accepted by time.Parse without the layout naming it.
const zoneLessLayout = "2006-01-02T15:04:05"

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}

	t, zerr := time.Parse(zoneLessLayout, s)
	if zerr == nil {
		return t, nil
	}
	return time.Time{}, errors.Wrap(ErrTypeMismatch, err.Error())
}

func mapping(raw interface{}) (map[string]interface{}, bool) {
	switch m := raw.(type) {
	case map[string]interface{}:
		return m, true
	case Document:
		return m, true
	case M:
		return m, true
	}
	return nil, false
}

func toDecimal(raw interface{}) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, errors.Wrap(ErrTypeMismatch, err.Error())
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return decimal.Decimal{}, errors.Wrapf(ErrTypeMismatch, "expected decimal text, got %T", raw)
}

func toInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, errors.Wrap(ErrTypeMismatch, err.Error())
		}
		return n, nil
	}
	return 0, errors.Wrapf(ErrTypeMismatch, "expected integer, got %T", raw)
}

func toFloat(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, errors.Wrap(ErrTypeMismatch, err.Error())
		}
		return f, nil
	}
	return 0, errors.Wrapf(ErrTypeMismatch, "expected float, got %T", raw)
}

func toString(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	}
	return "", errors.Wrapf(ErrTypeMismatch, "expected string, got %T", raw)
}
