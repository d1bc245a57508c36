package realtime

import (
	"fmt"
	"strings"

	"github.com/example/ride-feeds/internal/models"
)

const DefaultSchema = "public"

// Binding identifies one postgres-changes topic inside a channel.
type Binding struct {
	Schema string
	Table  string
	Event  models.EventType
	Filter string
}

func (b Binding) withDefaults() Binding {
	if b.Schema == "" {
		b.Schema = DefaultSchema
	}
	if b.Event == "" {
		b.Event = models.EventAll
	}
	b.Filter = strings.TrimSpace(b.Filter)
	return b
}

func (b Binding) String() string {
	s := b.Schema + "." + b.Table + ":" + string(b.Event)
	if b.Filter != "" {
		s += "?" + b.Filter
	}
	return s
}

// Filter is a parsed server-side row predicate of the form column=op.value.
// Supported ops: eq, neq, in (values as "(a,b,c)").
type Filter struct {
	Column string
	Op     string
	Values []string
}

// ParseFilter parses a filter string. The empty string yields the zero
// Filter, which matches every row.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}
	col, rest, ok := strings.Cut(s, "=")
	if !ok || col == "" {
		return Filter{}, fmt.Errorf("filter %q: want column=op.value", s)
	}
	op, val, ok := strings.Cut(rest, ".")
	if !ok {
		return Filter{}, fmt.Errorf("filter %q: missing operator", s)
	}
	f := Filter{Column: strings.TrimSpace(col), Op: op}
	switch op {
	case "eq", "neq":
		f.Values = []string{val}
	case "in":
		val = strings.TrimSuffix(strings.TrimPrefix(val, "("), ")")
		for _, v := range strings.Split(val, ",") {
			f.Values = append(f.Values, strings.Trim(strings.TrimSpace(v), `"`))
		}
	default:
		return Filter{}, fmt.Errorf("filter %q: unsupported operator %q", s, op)
	}
	return f, nil
}

// Match evaluates the filter against a row image.
func (f Filter) Match(rec models.Record) bool {
	if f.Column == "" {
		return true
	}
	v := rec.String(f.Column)
	switch f.Op {
	case "eq":
		return v == f.Values[0]
	case "neq":
		return v != f.Values[0]
	case "in":
		for _, x := range f.Values {
			if v == x {
				return true
			}
		}
	}
	return false
}

// route is a binding compiled for delivery inside a transport.
type route struct {
	binding Binding
	filter  Filter
	handler ChangeHandler
}

func newRoute(b Binding, h ChangeHandler) (route, error) {
	b = b.withDefaults()
	f, err := ParseFilter(b.Filter)
	if err != nil {
		return route{}, err
	}
	return route{binding: b, filter: f, handler: h}, nil
}

func (r route) matches(p models.ChangePayload) bool {
	schema := p.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	if schema != r.binding.Schema || p.Table != r.binding.Table {
		return false
	}
	if r.binding.Event != models.EventAll && r.binding.Event != p.EventType {
		return false
	}
	return r.filter.Match(p.Row())
}
