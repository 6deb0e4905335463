package beandb

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
	KindDecimal
)

var kindNames = [...]string{"string", "int", "float", "bool", "time", "decimal"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Zero returns the value a field of this kind has when nothing was stored.
func (k Kind) Zero() any {
	switch k {
	case KindString:
		return ""
	case KindInt:
		return int64(0)
	case KindFloat:
		return float64(0)
	case KindBool:
		return false
	case KindTime:
		return time.Time{}
	case KindDecimal:
		return decimal.Zero
	default:
		panic(fmt.Errorf("unknown kind %d", int(k)))
	}
}

// Normalize converts v to the canonical Go type of the kind: string, int64,
// float64, bool, time.Time (UTC) or decimal.Decimal. Nil stays nil.
func (k Kind) Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch k {
	case KindString:
		switch v := v.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		case fmt.Stringer:
			return v.String(), nil
		}
	case KindInt:
		switch v := v.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case int8:
			return int64(v), nil
		case int16:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case uint8:
			return int64(v), nil
		case uint16:
			return int64(v), nil
		case uint32:
			return int64(v), nil
		case uint64:
			if v <= 1<<63-1 {
				return int64(v), nil
			}
		case uint:
			if uint64(v) <= 1<<63-1 {
				return int64(v), nil
			}
		}
	case KindFloat:
		switch v := v.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case KindBool:
		if v, ok := v.(bool); ok {
			return v, nil
		}
	case KindTime:
		if v, ok := v.(time.Time); ok {
			return v.UTC(), nil
		}
	case KindDecimal:
		switch v := v.(type) {
		case decimal.Decimal:
			return v, nil
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		}
	}
	return nil, fmt.Errorf("cannot use %T as %v", v, k)
}

// Field describes one property of a record type.
type Field struct {
	Name string
	Kind Kind

	// Identifier fields together identify a bean within its container.
	Identifier bool

	// Initial is the value of the field in a freshly created bean.
	// Nil means Kind.Zero().
	Initial any
}

// RecordType is the descriptor of a bean type: an ordered list of fields.
type RecordType struct {
	name        string
	fields      []*Field
	byName      map[string]int
	identifiers []string

	// OnCreate, if set, is invoked every time a container instantiates a bean
	// of this type from stored data, without any container locks held.
	OnCreate func(b *Bean)
}

// DefineType builds a record type. It panics on duplicate or empty field
// names, or on initial values that do not match the field's kind.
func DefineType(name string, fields ...Field) *RecordType {
	if name == "" {
		panic("record type name is empty")
	}
	t := &RecordType{
		name:   name,
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Name == "" {
			panic(fmt.Errorf("%s: field %d has no name", name, i))
		}
		if _, dup := t.byName[f.Name]; dup {
			panic(fmt.Errorf("%s: duplicate field %s", name, f.Name))
		}
		if f.Initial == nil {
			f.Initial = f.Kind.Zero()
		} else {
			f.Initial = must(f.Kind.Normalize(f.Initial))
		}
		t.byName[f.Name] = i
		t.fields = append(t.fields, &f)
		if f.Identifier {
			t.identifiers = append(t.identifiers, f.Name)
		}
	}
	return t
}

func (t *RecordType) Name() string { return t.name }

func (t *RecordType) String() string { return t.name }

func (t *RecordType) NumField() int { return len(t.fields) }

func (t *RecordType) Fields() []Field {
	out := make([]Field, len(t.fields))
	for i, f := range t.fields {
		out[i] = *f
	}
	return out
}

func (t *RecordType) Field(name string) (Field, bool) {
	i, ok := t.byName[name]
	if !ok {
		return Field{}, false
	}
	return *t.fields[i], true
}

func (t *RecordType) FieldIndex(name string) int {
	i, ok := t.byName[name]
	if !ok {
		return -1
	}
	return i
}

// Identifiers returns the names of the identifier fields, in declaration order.
func (t *RecordType) Identifiers() []string { return slices.Clone(t.identifiers) }

func (t *RecordType) HasIdentifiers() bool { return len(t.identifiers) > 0 }

// InitialValues returns a fresh map with every field set to its initial value.
func (t *RecordType) InitialValues() map[string]any {
	m := make(map[string]any, len(t.fields))
	for _, f := range t.fields {
		m[f.Name] = f.Initial
	}
	return m
}

func (t *RecordType) normalizeValue(field string, v any) (any, error) {
	i, ok := t.byName[field]
	if !ok {
		return nil, fmt.Errorf("%s: unknown field %q", t.name, field)
	}
	nv, err := t.fields[i].Kind.Normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", t.name, field, err)
	}
	return nv, nil
}

// normalize returns a copy of values with every field normalized; fields
// missing from values get their initial values.
func (t *RecordType) normalize(values map[string]any) (map[string]any, error) {
	out := t.InitialValues()
	for k, v := range values {
		nv, err := t.normalizeValue(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

// identifierValues extracts the identifier tuple from values.
func (t *RecordType) identifierValues(values map[string]any) map[string]any {
	ids := make(map[string]any, len(t.identifiers))
	for _, name := range t.identifiers {
		ids[name] = values[name]
	}
	return ids
}

// TypeRegistry resolves stored type names back into record types.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]*RecordType
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]*RecordType)}
}

// Register adds t to the registry. Registering a different type under an
// existing name panics.
func (r *TypeRegistry) Register(t *RecordType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev := r.types[t.name]; prev != nil && prev != t {
		panic(fmt.Errorf("record type %s registered twice", t.name))
	}
	r.types[t.name] = t
}

func (r *TypeRegistry) Lookup(name string) *RecordType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.types[name]
}

func (r *TypeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.types))
}

// RecordData is a snapshot of a bean's values at a given position. Values
// maps field names to normalized values.
type RecordData struct {
	Index  int
	Values map[string]any
}

func (d *RecordData) Get(field string) any {
	if d == nil {
		return nil
	}
	return d.Values[field]
}

func (d *RecordData) clone() *RecordData {
	if d == nil {
		return nil
	}
	return &RecordData{Index: d.Index, Values: maps.Clone(d.Values)}
}

func (d *RecordData) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "#%d{", d.Index)
	for i, k := range slices.Sorted(maps.Keys(d.Values)) {
		if i > 0 {
			buf.WriteString(", ")
		}
		fmt.Fprintf(&buf, "%s: %v", k, d.Values[k])
	}
	buf.WriteByte('}')
	return buf.String()
}

// valuesEqual compares two values. If only one side is normalized, the other
// is normalized to its kind first; staged values are kept as given.
func valuesEqual(a, b any) bool {
	if k, ok := kindOf(a); ok {
		if nb, err := k.Normalize(b); err == nil {
			b = nb
		}
	} else if k, ok := kindOf(b); ok {
		if na, err := k.Normalize(a); err == nil {
			a = na
		}
	}
	switch a := a.(type) {
	case decimal.Decimal:
		b, ok := b.(decimal.Decimal)
		return ok && a.Equal(b)
	case time.Time:
		b, ok := b.(time.Time)
		return ok && a.Equal(b)
	default:
		// staged values are raw and may be slices or maps
		if ta := reflect.TypeOf(a); ta != nil && !ta.Comparable() {
			return reflect.DeepEqual(a, b)
		}
		return a == b
	}
}

// kindOf returns the kind whose canonical type v has.
func kindOf(v any) (Kind, bool) {
	switch v.(type) {
	case string:
		return KindString, true
	case int64:
		return KindInt, true
	case float64:
		return KindFloat, true
	case bool:
		return KindBool, true
	case time.Time:
		return KindTime, true
	case decimal.Decimal:
		return KindDecimal, true
	default:
		return 0, false
	}
}

// matchesAll reports whether values contains every entry of want.
func matchesAll(values, want map[string]any) bool {
	for k, w := range want {
		if !valuesEqual(values[k], w) {
			return false
		}
	}
	return true
}
