package syncauth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrCycle is returned when a value refers back to itself.
var ErrCycle = errors.New("canonical: reference cycle")

// Canonicalize serializes v deterministically: object keys are sorted,
// arrays keep their order, strings are NFC normalized and HTML characters
// are not escaped. Two structurally equal values always produce the same
// bytes regardless of map construction order.
//
// Maps, slices and scalars are walked directly. Any other type (structs,
// typed maps) is first passed through encoding/json so that field tags apply.
func Canonicalize(v any) ([]byte, error) {
	var buf bytes.Buffer
	w := canonWriter{buf: &buf, path: make(map[uintptr]struct{})}
	if err := w.write(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type canonWriter struct {
	buf  *bytes.Buffer
	path map[uintptr]struct{}
}

func (w canonWriter) write(v any) error {
	switch val := v.(type) {
	case nil:
		w.buf.WriteString("null")
	case bool:
		w.buf.WriteString(strconv.FormatBool(val))
	case string:
		return w.writeString(val)
	case json.Number:
		return w.writeNumber(val)
	case int:
		w.buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int8, int16, int32, int64:
		w.buf.WriteString(strconv.FormatInt(reflect.ValueOf(val).Int(), 10))
	case uint, uint8, uint16, uint32, uint64:
		w.buf.WriteString(strconv.FormatUint(reflect.ValueOf(val).Uint(), 10))
	case float32:
		return w.writeFloat(float64(val))
	case float64:
		return w.writeFloat(val)
	case []any:
		return w.writeArray(val)
	case map[string]any:
		return w.writeObject(val)
	default:
		return w.writeViaJSON(v)
	}
	return nil
}

func (w canonWriter) writeString(s string) error {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return err
	}
	w.buf.Write(bytes.TrimSuffix(b.Bytes(), []byte("\n")))
	return nil
}

func (w canonWriter) writeFloat(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: unsupported number %v", f)
	}
	out, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.buf.Write(out)
	return nil
}

// writeNumber keeps integer literals verbatim and reformats everything else
// the way a float64 would be written, so 1.50 and 1.5 agree.
func (w canonWriter) writeNumber(n json.Number) error {
	if _, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
		w.buf.WriteString(n.String())
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: bad number %q: %w", n.String(), err)
	}
	return w.writeFloat(f)
}

func (w canonWriter) enter(v any) (uintptr, error) {
	rv := reflect.ValueOf(v)
	if rv.IsNil() || rv.Len() == 0 {
		return 0, nil
	}
	p := uintptr(rv.UnsafePointer())
	if _, seen := w.path[p]; seen {
		return 0, ErrCycle
	}
	w.path[p] = struct{}{}
	return p, nil
}

func (w canonWriter) leave(p uintptr) {
	if p != 0 {
		delete(w.path, p)
	}
}

func (w canonWriter) writeArray(arr []any) error {
	if arr == nil {
		w.buf.WriteString("null")
		return nil
	}
	p, err := w.enter(arr)
	if err != nil {
		return err
	}
	defer w.leave(p)

	w.buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.write(elem); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	w.buf.WriteByte(']')
	return nil
}

func (w canonWriter) writeObject(obj map[string]any) error {
	if obj == nil {
		w.buf.WriteString("null")
		return nil
	}
	p, err := w.enter(obj)
	if err != nil {
		return err
	}
	defer w.leave(p)

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w.buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			w.buf.WriteByte(',')
		}
		if err := w.writeString(k); err != nil {
			return err
		}
		w.buf.WriteByte(':')
		if err := w.write(obj[k]); err != nil {
			return fmt.Errorf("[%q]: %w", k, err)
		}
	}
	w.buf.WriteByte('}')
	return nil
}

func (w canonWriter) writeViaJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		var uve *json.UnsupportedValueError
		if errors.As(err, &uve) && strings.Contains(uve.Str, "cycle") {
			return ErrCycle
		}
		return fmt.Errorf("canonical: %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return err
	}
	return w.write(generic)
}
