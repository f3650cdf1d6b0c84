package signature

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/benmeehan/ecoflow-go/pkg/apierrors"
	"github.com/goccy/go-json"
)

// Value is a JSON value: Object, Array, String, Number, Bool or Null.
type Value interface {
	isValue()
}

// Object is a JSON object. Key order carries no meaning.
type Object map[string]Value

// Array is a JSON array.
type Array []Value

// String is a JSON string.
type String string

// Number is a JSON number kept in its textual form. The body is sent with the
// literal as written; the canonical string renders it with numberText.
type Number string

// Bool is a JSON boolean.
type Bool bool

// Null is the JSON null literal.
type Null struct{}

func (Object) isValue() {}
func (Array) isValue()  {}
func (String) isValue() {}
func (Number) isValue() {}
func (Bool) isValue()   {}
func (Null) isValue()   {}

// text renders a scalar the way it appears on the right of a key=value pair.
func text(v Value) string {
	switch t := v.(type) {
	case String:
		return string(t)
	case Number:
		return numberText(string(t))
	case Bool:
		return strconv.FormatBool(bool(t))
	case Null, nil:
		return "null"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// numberText renders a number the way ECMAScript Number#toString does, so
// 1.0, 1e0 and a float64 1 all sign as "1" and 1e-7 signs as "1e-7".
// Plain integer literals are kept as written since float64 cannot hold every
// device id or counter exactly. Literals that do not fit a float64 are kept too.
func numberText(lit string) string {
	if isIntegerLiteral(lit) {
		if lit == "-0" {
			return "0"
		}
		return lit
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil || math.IsInf(f, 0) {
		return lit
	}
	if f == 0 {
		return "0"
	}

	sign := ""
	if f < 0 {
		sign, f = "-", -f
	}
	mantissa, exp, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	x, _ := strconv.Atoi(exp)
	digits := strings.Replace(mantissa, ".", "", 1)
	k, n := len(digits), x+1

	switch {
	case k <= n && n <= 21:
		return sign + digits + strings.Repeat("0", n-k)
	case 0 < n && n <= 21:
		return sign + digits[:n] + "." + digits[n:]
	case -6 < n && n <= 0:
		return sign + "0." + strings.Repeat("0", -n) + digits
	}

	out := digits[:1]
	if k > 1 {
		out += "." + digits[1:]
	}
	if n-1 < 0 {
		return sign + out + "e-" + strconv.Itoa(1-n)
	}
	return sign + out + "e+" + strconv.Itoa(n-1)
}

func isIntegerLiteral(lit string) bool {
	digits := strings.TrimPrefix(lit, "-")
	if digits == "" {
		return false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Parse decodes a JSON document into a Value. Numbers keep their literal text.
// An empty document decodes to an empty Object.
func Parse(data []byte) (Value, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Object{}, nil
	}

	if !json.Valid(data) {
		return nil, &apierrors.SigningInputError{Reason: "invalid JSON document"}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, &apierrors.SigningInputError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	return fromDecoded(raw, "")
}

func fromDecoded(raw any, path string) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null{}, nil
	case map[string]any:
		obj := make(Object, len(t))
		for k, child := range t {
			v, err := fromDecoded(child, joinKey(path, k))
			if err != nil {
				return nil, err
			}
			obj[k] = v
		}
		return obj, nil
	case []any:
		arr := make(Array, len(t))
		for i, child := range t {
			v, err := fromDecoded(child, joinIndex(path, i))
			if err != nil {
				return nil, err
			}
			arr[i] = v
		}
		return arr, nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t.String()), nil
	case float64:
		return Number(strconv.FormatFloat(t, 'g', -1, 64)), nil
	case bool:
		return Bool(t), nil
	default:
		return nil, &apierrors.SigningInputError{Path: path, Reason: fmt.Sprintf("unsupported decoded type %T", raw)}
	}
}

// FromAny converts an arbitrary Go value into a Value by way of its JSON
// encoding, so the signed payload always matches the body that is sent.
// Cycles, functions, channels, complex numbers and non-finite floats fail with
// an error wrapping apierrors.ErrSigningInputInvalid.
func FromAny(v any) (Value, error) {
	if v == nil {
		return Object{}, nil
	}
	if value, ok := v.(Value); ok {
		return value, nil
	}

	w := walker{visiting: make(map[uintptr]struct{})}
	if err := w.check(reflect.ValueOf(v), ""); err != nil {
		return nil, err
	}

	body, err := json.Marshal(v)
	if err != nil {
		return nil, &apierrors.SigningInputError{Reason: err.Error()}
	}
	return Parse(body)
}

// walker rejects values the JSON encoder would either choke on or loop over.
type walker struct {
	visiting map[uintptr]struct{}
}

func (w *walker) check(rv reflect.Value, path string) error {
	if !rv.IsValid() {
		return nil
	}

	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return &apierrors.SigningInputError{Path: path, Reason: fmt.Sprintf("unsupported type %s", rv.Type())}

	case reflect.Float32, reflect.Float64:
		if f := rv.Float(); math.IsNaN(f) || math.IsInf(f, 0) {
			return &apierrors.SigningInputError{Path: path, Reason: "non-finite number"}
		}

	case reflect.Interface:
		if !rv.IsNil() {
			return w.check(rv.Elem(), path)
		}

	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return w.enter(rv.Pointer(), path, func() error { return w.check(rv.Elem(), path) })

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Key().Kind() != reflect.String {
			return &apierrors.SigningInputError{Path: path, Reason: fmt.Sprintf("map key type %s is not a string", rv.Type().Key())}
		}
		return w.enter(rv.Pointer(), path, func() error {
			iter := rv.MapRange()
			for iter.Next() {
				if err := w.check(iter.Value(), joinKey(path, iter.Key().String())); err != nil {
					return err
				}
			}
			return nil
		})

	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		return w.enter(rv.Pointer(), path, func() error { return w.checkElems(rv, path) })

	case reflect.Array:
		return w.checkElems(rv, path)

	case reflect.Struct:
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() || field.Tag.Get("json") == "-" {
				continue
			}
			if err := w.check(rv.Field(i), joinKey(path, field.Name)); err != nil {
				return err
			}
		}
	}

	return nil
}

func (w *walker) checkElems(rv reflect.Value, path string) error {
	for i := 0; i < rv.Len(); i++ {
		if err := w.check(rv.Index(i), joinIndex(path, i)); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) enter(ptr uintptr, path string, fn func() error) error {
	if _, ok := w.visiting[ptr]; ok {
		return &apierrors.SigningInputError{Path: path, Reason: "cyclic structure"}
	}
	w.visiting[ptr] = struct{}{}
	defer delete(w.visiting, ptr)
	return fn()
}

// MarshalJSON writes the number literal unquoted.
func (n Number) MarshalJSON() ([]byte, error) {
	if n == "" {
		return []byte("0"), nil
	}
	return []byte(n), nil
}

// MarshalJSON writes the null literal.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}
