package bencode

import (
	"bufio"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Encoder writes bencoded values to an underlying writer.
type Encoder struct {
	w *bufio.Writer
}

// Encode writes the bencode encoding of v.
func (e *Encoder) Encode(v interface{}) error {
	if err := e.encodeValue(reflect.ValueOf(v)); err != nil {
		return err
	}
	return e.w.Flush()
}

func (e *Encoder) writeString(s string) error {
	if _, err := fmt.Fprintf(e.w, "%d:", len(s)); err != nil {
		return err
	}
	_, err := e.w.WriteString(s)
	return err
}

func (e *Encoder) writeBytes(b []byte) error {
	if _, err := fmt.Fprintf(e.w, "%d:", len(b)); err != nil {
		return err
	}
	_, err := e.w.Write(b)
	return err
}

func (e *Encoder) writeInt(i int64) error {
	_, err := fmt.Fprintf(e.w, "i%de", i)
	return err
}

func (e *Encoder) writeUint(u uint64) error {
	_, err := fmt.Fprintf(e.w, "i%se", strconv.FormatUint(u, 10))
	return err
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if !v.IsValid() {
		// nil interface{}: encode nothing, matching {nil, ""} in the test table.
		return nil
	}

	if m, ok := v.Interface().(Marshaler); ok {
		b, err := m.MarshalBencode()
		if err != nil {
			return &MarshalerError{v.Type(), err}
		}
		_, err = e.w.Write(b)
		return err
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return e.encodeValue(reflect.Zero(v.Type().Elem()))
		}
		return e.encodeValue(v.Elem())
	case reflect.Interface:
		return e.encodeValue(v.Elem())
	case reflect.Bool:
		if v.Bool() {
			return e.writeInt(1)
		}
		return e.writeInt(0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.writeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.writeUint(v.Uint())
	case reflect.String:
		return e.writeString(v.String())
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.writeBytes(v.Bytes())
		}
		return e.encodeList(v)
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.encodeList(byteArrayAsIntSlice(b))
		}
		return e.encodeList(v)
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		return &MarshalTypeError{v.Type()}
	}
}

// byteArrayAsIntSlice preserves the teacher's observed behavior that a fixed
// [N]byte array (as opposed to a []byte slice) encodes as a bencode list of
// integers, e.g. [4]byte{1,2,3,4} -> "li1ei2ei3ei4ee".
func byteArrayAsIntSlice(b []byte) reflect.Value {
	ints := make([]int, len(b))
	for i, c := range b {
		ints[i] = int(c)
	}
	return reflect.ValueOf(ints)
}

func (e *Encoder) encodeList(v reflect.Value) error {
	if _, err := e.w.WriteString("l"); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encodeValue(v.Index(i)); err != nil {
			return err
		}
	}
	_, err := e.w.WriteString("e")
	return err
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{v.Type()}
	}
	if _, err := e.w.WriteString("d"); err != nil {
		return err
	}
	keys := v.MapKeys()
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = k.String()
	}
	sort.Strings(strs)
	for _, k := range strs {
		if err := e.writeString(k); err != nil {
			return err
		}
		if err := e.encodeValue(v.MapIndex(reflect.ValueOf(k))); err != nil {
			return err
		}
	}
	_, err := e.w.WriteString("e")
	return err
}

type structField struct {
	name      string
	omitempty bool
	value     reflect.Value
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	t := v.Type()
	var fields []structField
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" {
			// Unexported.
			continue
		}
		name, opts := parseTag(sf.Tag.Get("bencode"))
		if name == "-" {
			continue
		}
		if name == "" {
			name = sf.Name
		}
		fields = append(fields, structField{
			name:      name,
			omitempty: opts.contains("omitempty"),
			value:     v.Field(i),
		})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })

	if _, err := e.w.WriteString("d"); err != nil {
		return err
	}
	for _, f := range fields {
		if f.omitempty && isEmptyValue(f.value) {
			continue
		}
		if err := e.writeString(f.name); err != nil {
			return err
		}
		if err := e.encodeValue(f.value); err != nil {
			return err
		}
	}
	_, err := e.w.WriteString("e")
	return err
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map, reflect.String, reflect.Array:
		return v.Len() == 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Bool:
		return !v.Bool()
	default:
		return false
	}
}
