package docstore

// Updates maps dotted field paths to either a literal value or one of the
// field operations below.
type Updates map[string]any

type DeleteOp struct{}

type IncrementOp struct {
	By int64
}

type ArrayUnionOp struct {
	Values []any
}

type ArrayRemoveOp struct {
	Values []any
}

// DeleteField removes the field.
func DeleteField() DeleteOp { return DeleteOp{} }

// Increment adds n to a numeric field, treating a missing field as zero.
func Increment(n int64) IncrementOp { return IncrementOp{By: n} }

// ArrayUnion appends the values not already present.
func ArrayUnion(values ...any) ArrayUnionOp { return ArrayUnionOp{Values: values} }

// ArrayRemove removes every occurrence of the values.
func ArrayRemove(values ...any) ArrayRemoveOp { return ArrayRemoveOp{Values: values} }
