package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Document records are serialized with uvarint length prefixes in a fixed
// field order, so a FieldSelector-driven decode can skip over the parts it
// does not need without allocating them.

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("failed to read string data (expected %d bytes): %w", n, err)
	}
	return string(b), nil
}

func skipString(r *bytes.Reader) error {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return err
	}
	_, err = r.Seek(int64(n), io.SeekCurrent)
	return err
}

// AppendDocument serializes d onto buf.
func AppendDocument(buf *bytes.Buffer, d *Document) {
	writeString(buf, d.ID)
	writeUvarint(buf, uint64(len(d.ParentIDs)))
	for _, p := range d.ParentIDs {
		writeString(buf, p)
	}
	writeString(buf, d.NodeType)
	writeUvarint(buf, uint64(len(d.Mixins)))
	for _, m := range d.Mixins {
		writeString(buf, m)
	}
	if d.Shareable {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUvarint(buf, uint64(len(d.Properties)))
	for name, values := range d.Properties {
		writeString(buf, name)
		writeUvarint(buf, uint64(len(values)))
		for _, v := range values {
			buf.WriteByte(byte(v.Type))
			writeString(buf, v.Raw)
		}
	}
	writeString(buf, d.Text)
}

// DecodeDocument deserializes a document record, decoding only the parts
// named by the selector. Skipped parts leave their fields zero.
func DecodeDocument(data []byte, sel FieldSelector) (*Document, error) {
	r := bytes.NewReader(data)
	d := &Document{}

	id, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("document identity: %w", err)
	}
	if sel.Has(SelectIdentity) {
		d.ID = id
	}

	nParents, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("parent count: %w", err)
	}
	if sel.Has(SelectParents) {
		if nParents > 0 {
			d.ParentIDs = make([]string, 0, nParents)
		}
		for i := uint64(0); i < nParents; i++ {
			p, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("parent identity: %w", err)
			}
			d.ParentIDs = append(d.ParentIDs, p)
		}
	} else {
		for i := uint64(0); i < nParents; i++ {
			if err := skipString(r); err != nil {
				return nil, fmt.Errorf("parent identity: %w", err)
			}
		}
	}

	if sel.Has(SelectType) {
		if d.NodeType, err = readString(r); err != nil {
			return nil, fmt.Errorf("node type: %w", err)
		}
	} else if err := skipString(r); err != nil {
		return nil, fmt.Errorf("node type: %w", err)
	}

	nMixins, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("mixin count: %w", err)
	}
	for i := uint64(0); i < nMixins; i++ {
		if sel.Has(SelectType) {
			m, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("mixin: %w", err)
			}
			d.Mixins = append(d.Mixins, m)
		} else if err := skipString(r); err != nil {
			return nil, fmt.Errorf("mixin: %w", err)
		}
	}

	shareable, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("shareable flag: %w", err)
	}
	if sel.Has(SelectParents) {
		d.Shareable = shareable == 1
	}

	nProps, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("property count: %w", err)
	}
	if sel.Has(SelectProperties) && nProps > 0 {
		d.Properties = make(map[string][]Value, nProps)
	}
	for i := uint64(0); i < nProps; i++ {
		var name string
		if sel.Has(SelectProperties) {
			if name, err = readString(r); err != nil {
				return nil, fmt.Errorf("property name: %w", err)
			}
		} else if err := skipString(r); err != nil {
			return nil, fmt.Errorf("property name: %w", err)
		}
		nValues, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("value count: %w", err)
		}
		var values []Value
		for j := uint64(0); j < nValues; j++ {
			t, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("value type: %w", err)
			}
			if sel.Has(SelectProperties) {
				raw, err := readString(r)
				if err != nil {
					return nil, fmt.Errorf("value data: %w", err)
				}
				values = append(values, Value{Type: ValueType(t), Raw: raw})
			} else if err := skipString(r); err != nil {
				return nil, fmt.Errorf("value data: %w", err)
			}
		}
		if sel.Has(SelectProperties) {
			d.Properties[name] = values
		}
	}

	if sel.Has(SelectText) {
		if d.Text, err = readString(r); err != nil {
			return nil, fmt.Errorf("text: %w", err)
		}
	}
	return d, nil
}
