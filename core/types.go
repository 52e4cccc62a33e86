package core

// ValueType enumerates the property value types the index understands.
// DATE/LONG/DOUBLE values are stored in a fixed-width, lexicographically
// sortable encoding so that range scans over the shared properties field
// order correctly; the remaining types are stored literally.
type ValueType uint8

const (
	ValueString ValueType = iota
	ValueName
	ValueReference
	ValuePath
	ValueLong
	ValueDouble
	ValueDate
	ValueBoolean
)

func (t ValueType) String() string {
	switch t {
	case ValueString:
		return "STRING"
	case ValueName:
		return "NAME"
	case ValueReference:
		return "REFERENCE"
	case ValuePath:
		return "PATH"
	case ValueLong:
		return "LONG"
	case ValueDouble:
		return "DOUBLE"
	case ValueDate:
		return "DATE"
	case ValueBoolean:
		return "BOOLEAN"
	}
	return "UNKNOWN"
}

// ParseValueType is the inverse of ValueType.String.
func ParseValueType(s string) (ValueType, error) {
	switch s {
	case "STRING", "":
		return ValueString, nil
	case "NAME":
		return ValueName, nil
	case "REFERENCE":
		return ValueReference, nil
	case "PATH":
		return ValuePath, nil
	case "LONG":
		return ValueLong, nil
	case "DOUBLE":
		return ValueDouble, nil
	case "DATE":
		return ValueDate, nil
	case "BOOLEAN":
		return ValueBoolean, nil
	}
	return ValueString, &UnsupportedTypeError{Message: s}
}

// Value is a single typed property value. Raw holds the canonical string
// form (decimal digits for LONG, RFC3339 for DATE, etc.); the sortable
// on-disk term form is produced by EncodeValue.
type Value struct {
	Type ValueType
	Raw  string
}

// Document is the unit of indexing: one content node with its structural
// fields and packed property values.
//
// ID is globally unique across the workspace. ParentIDs is empty for the
// root node; a shareable node may carry more than one parent reference.
// Within a single segment a document additionally has a local doc number,
// which is never part of the document itself because it is only valid for
// that segment instance's lifetime.
type Document struct {
	ID         string
	ParentIDs  []string
	NodeType   string
	Mixins     []string
	Shareable  bool
	Properties map[string][]Value
	Text       string
}

// IsRoot reports whether the document has no parent reference.
func (d *Document) IsRoot() bool { return len(d.ParentIDs) == 0 }

// FieldSelector restricts which parts of a stored document are decoded.
// Hot paths (parent resolution, identity scans) only pay for the fields
// they actually read.
type FieldSelector uint8

const (
	SelectIdentity FieldSelector = 1 << iota
	SelectParents
	SelectType
	SelectProperties
	SelectText

	SelectAll = SelectIdentity | SelectParents | SelectType | SelectProperties | SelectText
)

// Has reports whether the selector includes the given part.
func (s FieldSelector) Has(part FieldSelector) bool { return s&part != 0 }
