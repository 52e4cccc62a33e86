package core

// Index field names. All documents share this small fixed vocabulary;
// property values are packed into FieldProperties with a composite term
// (see PropertyTerm) instead of one index field per property name.
const (
	// FieldID holds the node identity, one term per document.
	FieldID = "_id"
	// FieldParent holds one term per parent identity of the document.
	FieldParent = "_parent"
	// FieldType holds the node's primary type and every mixin.
	FieldType = "_type"
	// FieldProperties is the shared multi-valued field holding
	// "name<sep>encodedValue" terms for every property value.
	FieldProperties = "_properties"
	// FieldPropertiesFold mirrors FieldProperties with case-folded string
	// values, so UPPER/LOWER comparison operands can be rewritten into
	// plain term queries at translation time.
	FieldPropertiesFold = "_properties_fold"
	// FieldPropNames holds one term per property name present on the
	// document, used for property-existence checks.
	FieldPropNames = "_propnames"
	// FieldFullText holds the analyzed node-level token stream.
	FieldFullText = "_fulltext"
)

// propertySeparator splits property name from encoded value inside a
// FieldProperties term. 0x1F (unit separator) sorts below all printable
// characters, so all terms of one property form a contiguous key range.
const propertySeparator = "\x1f"

// PropertyTerm builds the FieldProperties term for one property value.
func PropertyTerm(name, encodedValue string) string {
	return name + propertySeparator + encodedValue
}

// PropertyTermBounds returns the lowest and highest possible terms for the
// named property, for full range scans. The hi bound uses 0x20 (the byte
// after the separator) so it sorts after every value term of the property
// but before terms of any longer property name sharing the prefix.
func PropertyTermBounds(name string) (lo, hi string) {
	return name + propertySeparator, name + "\x20"
}

// FullTextField returns the field carrying the analyzed token stream for a
// single property, for property-scoped full-text constraints.
func FullTextField(property string) string {
	if property == "" {
		return FieldFullText
	}
	return FieldFullText + ":" + property
}
