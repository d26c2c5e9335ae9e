package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// ErrInvalidFilter indicates a row filter that is not of the form column=eq.value.
var ErrInvalidFilter = errors.New("realtime: invalid filter")

// Binding describes the rows a channel listens to.
type Binding struct {
	Channel string
	Table   string
	Filter  string
}

// Message is one raw payload delivered on a channel.
type Message struct {
	Channel string
	Payload any
}

// Transport connects channels to a source of change payloads. A joined
// channel is released when the join context is done or Leave is called.
// Transports never close the returned stream, so readers must also watch
// their own context.
type Transport interface {
	Join(ctx context.Context, binding Binding) (<-chan Message, error)
	Leave(ctx context.Context, channel string) error
}

// Reconnector is implemented by transports whose connection can drop and be
// restored. Hooks run once every channel has been rejoined; changes made
// while the connection was down are not replayed.
type Reconnector interface {
	OnRejoin(hook func()) (cancel func())
}

// RowFilter is a parsed column=eq.value expression.
type RowFilter struct {
	Column string
	Value  string
}

// ParseFilter parses a row filter. An empty expression yields a zero filter.
func ParseFilter(expression string) (RowFilter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return RowFilter{}, nil
	}
	column, rest, found := strings.Cut(expression, "=")
	if !found {
		return RowFilter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, expression)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	column = strings.TrimSpace(column)
	if !ok || column == "" {
		return RowFilter{}, fmt.Errorf("%w: %q", ErrInvalidFilter, expression)
	}
	return RowFilter{Column: column, Value: value}, nil
}

// IsZero reports whether the filter accepts every row.
func (f RowFilter) IsZero() bool {
	return f.Column == ""
}

// Matches reports whether the row image satisfies the filter.
func (f RowFilter) Matches(row map[string]any) bool {
	if f.IsZero() {
		return true
	}
	if row == nil {
		return false
	}
	value, ok := row[f.Column]
	if !ok {
		return false
	}
	return cast.ToString(value) == f.Value
}

// String renders the filter in wire form.
func (f RowFilter) String() string {
	if f.IsZero() {
		return ""
	}
	return f.Column + "=eq." + f.Value
}

func sameTable(bound, changed string) bool {
	if bound == "" || changed == "" {
		return true
	}
	trim := func(table string) string {
		table = strings.ToLower(strings.TrimSpace(table))
		if index := strings.LastIndex(table, "."); index >= 0 {
			return table[index+1:]
		}
		return table
	}
	return trim(bound) == trim(changed)
}
