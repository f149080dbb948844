// Package canonical produces a deterministic, order-independent string
// rendering of a value. The output is the exact byte payload used for
// submission signatures, so two logically equal values must always encode
// identically regardless of field insertion order or map iteration order.
package canonical

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// ErrCircular is returned when the value references itself, directly or
// through any chain of pointers, maps or slices.
var ErrCircular = fmt.Errorf("canonical: circular structure")

// Absent marks a value as missing. Mapping keys holding Absent are omitted
// from the output entirely, while sequence elements holding Absent render as
// null so element positions are preserved.
var Absent = absent{}

type absent struct{}

var (
	absentType = reflect.TypeOf(absent{})
	timeType   = reflect.TypeOf(time.Time{})
	regexpType = reflect.TypeOf(regexp.Regexp{})
)

// collator orders mapping keys. Root collation keeps case distinctions but
// sorts by letter first, so "A" comes before "b".
var collator = collate.New(language.Und)

// Encode renders v into its canonical form.
func Encode(v any) (string, error) {
	e := &encoder{seen: make(map[uintptr]struct{})}

	var b strings.Builder
	if err := e.encode(&b, reflect.ValueOf(v)); err != nil {
		return "", err
	}

	return b.String(), nil
}

type encoder struct {
	seen map[uintptr]struct{}
}

func (e *encoder) encode(b *strings.Builder, v reflect.Value) error {
	if !v.IsValid() {
		b.WriteString("null")
		return nil
	}

	switch v.Type() {
	case absentType:
		b.WriteString("null")
		return nil
	case timeType:
		return writeQuoted(b, v.Interface().(time.Time).UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	case regexpType:
		re := v.Interface().(regexp.Regexp)
		return writeQuoted(b, re.String())
	}

	switch v.Kind() {
	case reflect.Interface:
		return e.encode(b, v.Elem())

	case reflect.Pointer:
		if v.IsNil() {
			b.WriteString("null")
			return nil
		}
		if v.Type().Elem() == regexpType {
			return writeQuoted(b, v.Interface().(*regexp.Regexp).String())
		}
		return e.cycle(v, func() error { return e.encode(b, v.Elem()) })

	case reflect.Bool:
		b.WriteString(strconv.FormatBool(v.Bool()))
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		b.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		b.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			b.WriteString("null")
			return nil
		}
		bits := 64
		if v.Kind() == reflect.Float32 {
			bits = 32
		}
		writeFloat(b, f, bits)
		return nil

	case reflect.String:
		return writeQuoted(b, v.String())

	case reflect.Slice, reflect.Array:
		return e.encodeSequence(b, v)

	case reflect.Map:
		if setLike(v.Type()) || v.Type().Key().Kind() != reflect.String {
			return e.cycle(v, func() error { return e.encodeUnordered(b, v) })
		}
		return e.cycle(v, func() error { return e.encodeMapping(b, v) })

	case reflect.Struct:
		return e.encodeStruct(b, v)

	default:
		return fmt.Errorf("canonical: unsupported kind %s", v.Kind())
	}
}

func (e *encoder) encodeSequence(b *strings.Builder, v reflect.Value) error {
	enc := func() error {
		b.WriteByte('[')
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := e.encode(b, v.Index(i)); err != nil {
				return err
			}
		}
		b.WriteByte(']')
		return nil
	}

	if v.Kind() == reflect.Slice {
		if v.IsNil() {
			b.WriteString("null")
			return nil
		}
		return e.cycle(v, enc)
	}
	return enc()
}

// encodeMapping renders a string-keyed map as an object with keys in collated
// order. Keys whose value is Absent are dropped.
func (e *encoder) encodeMapping(b *strings.Builder, v reflect.Value) error {
	keys := make([]string, 0, v.Len())
	for _, k := range v.MapKeys() {
		keys = append(keys, k.String())
	}
	sort.Slice(keys, func(i, j int) bool {
		return collator.CompareString(keys[i], keys[j]) < 0
	})

	b.WriteByte('{')
	first := true
	for _, k := range keys {
		mv := v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))
		if isAbsent(mv) {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		if err := writeQuoted(b, k); err != nil {
			return err
		}
		b.WriteByte(':')
		if err := e.encode(b, mv); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// encodeUnordered renders set-like and non-string-keyed maps as an array of
// encoded entries sorted by their encoded form, so iteration order never
// leaks into the output. A struct{}-valued map is treated as a set and only
// its keys are rendered.
func (e *encoder) encodeUnordered(b *strings.Builder, v reflect.Value) error {
	isSet := setLike(v.Type())

	entries := make([]string, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		var eb strings.Builder
		if isSet {
			if err := e.encode(&eb, iter.Key()); err != nil {
				return err
			}
		} else {
			eb.WriteByte('[')
			if err := e.encode(&eb, iter.Key()); err != nil {
				return err
			}
			eb.WriteByte(',')
			if err := e.encode(&eb, iter.Value()); err != nil {
				return err
			}
			eb.WriteByte(']')
		}
		entries = append(entries, eb.String())
	}
	sort.Strings(entries)

	b.WriteByte('[')
	b.WriteString(strings.Join(entries, ","))
	b.WriteByte(']')
	return nil
}

func (e *encoder) encodeStruct(b *strings.Builder, v reflect.Value) error {
	t := v.Type()

	type field struct {
		name string
		val  reflect.Value
	}
	fields := make([]field, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, _, _ := strings.Cut(f.Tag.Get("json"), ","); tag == "-" {
			continue
		} else if tag != "" {
			name = tag
		}
		fields = append(fields, field{name: name, val: v.Field(i)})
	}
	sort.Slice(fields, func(i, j int) bool {
		return collator.CompareString(fields[i].name, fields[j].name) < 0
	})

	b.WriteByte('{')
	first := true
	for _, f := range fields {
		if isAbsent(f.val) {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		if err := writeQuoted(b, f.name); err != nil {
			return err
		}
		b.WriteByte(':')
		if err := e.encode(b, f.val); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

// cycle guards a reference value against self-reference while fn walks into
// it. Shared non-cyclic references are fine; only a path back to an ancestor
// fails.
func (e *encoder) cycle(v reflect.Value, fn func() error) error {
	p := v.Pointer()
	if _, ok := e.seen[p]; ok {
		return ErrCircular
	}
	e.seen[p] = struct{}{}
	defer delete(e.seen, p)

	return fn()
}

// setLike reports whether a map type carries no payload in its values, which
// makes it a set of its keys.
func setLike(t reflect.Type) bool {
	return t.Elem().Kind() == reflect.Struct && t.Elem().NumField() == 0
}

// writeFloat renders f the way encoding/json does: plain decimal unless the
// magnitude forces exponent form, with strconv's two-digit negative exponent
// padding trimmed to match. JSON output is the wire form clients sign over,
// so the rendering has to agree byte for byte.
func writeFloat(b *strings.Builder, f float64, bits int) {
	abs := math.Abs(f)
	format := byte('f')
	if abs != 0 {
		if bits == 64 && (abs < 1e-6 || abs >= 1e21) ||
			bits == 32 && (float32(abs) < 1e-6 || float32(abs) >= 1e21) {
			format = 'e'
		}
	}
	out := strconv.AppendFloat(nil, f, format, -1, bits)
	if format == 'e' {
		if n := len(out); n >= 4 && out[n-4] == 'e' && out[n-3] == '-' && out[n-2] == '0' {
			out[n-2] = out[n-1]
			out = out[:n-1]
		}
	}
	b.Write(out)
}

func isAbsent(v reflect.Value) bool {
	for v.IsValid() && v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	return v.IsValid() && v.Type() == absentType
}

func writeQuoted(b *strings.Builder, s string) error {
	q, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("canonical: quote string: %w", err)
	}
	b.Write(q)
	return nil
}
