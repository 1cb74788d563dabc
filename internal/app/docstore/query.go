package docstore

type Operator string

const (
	OpEqual         Operator = "=="
	OpArrayContains Operator = "array-contains"
	OpLess          Operator = "<"
	OpLessEqual     Operator = "<="
	OpGreater       Operator = ">"
	OpGreaterEqual  Operator = ">="
)

type Direction int

const (
	Asc Direction = iota
	Desc
)

type Filter struct {
	Field string
	Op    Operator
	Value any
}

type Order struct {
	Field string
	Dir   Direction
}

// Query selects documents of one collection. Builder methods return copies.
type Query struct {
	Collection string
	Filters    []Filter
	Orders     []Order
	Size       int
	Cursor     []any
}

func From(collection string) Query {
	return Query{Collection: collection}
}

func (q Query) Where(field string, op Operator, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderBy(field string, dir Direction) Query {
	q.Orders = append(append([]Order(nil), q.Orders...), Order{Field: field, Dir: dir})
	return q
}

// Limit caps the result set; zero means unlimited.
func (q Query) Limit(n int) Query {
	q.Size = n
	return q
}

// StartAfter skips documents up to and including the given order-field values.
func (q Query) StartAfter(values ...any) Query {
	q.Cursor = append([]any(nil), values...)
	return q
}
