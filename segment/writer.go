package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexussearch/analysis"
	"github.com/INLOpen/nexussearch/core"
)

const bloomFalsePositiveRate = 0.01

// WriterOptions configures a segment writer.
type WriterOptions struct {
	Dir        string
	Name       string
	Compressor core.Compressor
	Analyzer   analysis.Analyzer
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Writer builds a new persistent segment. Documents are buffered into the
// doc store and the in-memory term postings; Finish writes everything to a
// temporary file and renames it into place, so a crashed writer never
// leaves a half-written segment under its final name.
type Writer struct {
	opts     WriterOptions
	filePath string

	docBuf     bytes.Buffer
	docOffsets []uint32
	postings   map[string]*roaring.Bitmap
	identities [][]byte

	finished bool
}

// NewWriter creates a writer for a new segment named opts.Name.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compressor == nil {
		return nil, fmt.Errorf("segment writer requires a compressor")
	}
	if opts.Analyzer == nil {
		opts.Analyzer = analysis.NewStandardAnalyzer()
	}
	return &Writer{
		opts:     opts,
		filePath: filepath.Join(opts.Dir, opts.Name+segFileSuffix+".tmp"),
		postings: make(map[string]*roaring.Bitmap),
	}, nil
}

// DocumentCount returns the number of documents added so far.
func (w *Writer) DocumentCount() uint32 {
	return uint32(len(w.docOffsets))
}

// AddDocument appends d to the segment, assigning it the next local doc
// number, and indexes its structural and property terms.
func (w *Writer) AddDocument(d *core.Document) error {
	if w.finished {
		return fmt.Errorf("segment writer %s already finished", w.opts.Name)
	}
	doc := uint32(len(w.docOffsets))
	w.docOffsets = append(w.docOffsets, uint32(w.docBuf.Len()))
	core.AppendDocument(&w.docBuf, d)

	w.addTerm(core.FieldID, d.ID, doc)
	w.identities = append(w.identities, []byte(d.ID))
	for _, p := range d.ParentIDs {
		w.addTerm(core.FieldParent, p, doc)
	}
	w.addTerm(core.FieldType, d.NodeType, doc)
	for _, m := range d.Mixins {
		w.addTerm(core.FieldType, m, doc)
	}

	var fullText []string
	if d.Text != "" {
		fullText = append(fullText, d.Text)
	}
	for name, values := range d.Properties {
		w.addTerm(core.FieldPropNames, name, doc)
		for _, v := range values {
			encoded, err := core.EncodeValue(v)
			if err != nil {
				return fmt.Errorf("failed to encode property %s of node %s: %w", name, d.ID, err)
			}
			w.addTerm(core.FieldProperties, core.PropertyTerm(name, encoded), doc)
			if isTextType(v.Type) {
				// Case-folded term form so UPPER/LOWER comparisons can be
				// rewritten at query compile time instead of evaluated per
				// document.
				w.addTerm(core.FieldPropertiesFold, core.PropertyTerm(name, strings.ToLower(encoded)), doc)
				fullText = append(fullText, v.Raw)
				for _, token := range w.opts.Analyzer.Tokens(v.Raw) {
					w.addTerm(core.FullTextField(name), token, doc)
				}
			}
		}
	}
	for _, text := range fullText {
		for _, token := range w.opts.Analyzer.Tokens(text) {
			w.addTerm(core.FieldFullText, token, doc)
		}
	}
	return nil
}

func isTextType(t core.ValueType) bool {
	return t == core.ValueString || t == core.ValueName
}

func (w *Writer) addTerm(field, term string, doc uint32) {
	key := termKey(field, term)
	bm, ok := w.postings[key]
	if !ok {
		bm = roaring.New()
		w.postings[key] = bm
	}
	bm.Add(doc)
}

// Finish writes the buffered segment to disk, syncs it, and renames the
// temporary file to <name>.seg.
func (w *Writer) Finish(ctx context.Context) error {
	var span trace.Span
	if w.opts.Tracer != nil {
		_, span = w.opts.Tracer.Start(ctx, "segment.Writer.Finish")
		defer span.End()
		span.SetAttributes(
			attribute.String("segment.name", w.opts.Name),
			attribute.Int("segment.doc_count", len(w.docOffsets)),
			attribute.Int("segment.term_count", len(w.postings)),
		)
	}
	if w.finished {
		return fmt.Errorf("segment writer %s already finished", w.opts.Name)
	}
	w.finished = true

	f, err := os.OpenFile(w.filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temporary segment file %s: %w", w.filePath, err)
	}

	fail := func(err error) error {
		f.Close()
		os.Remove(w.filePath)
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	header := core.NewFileHeader(core.SegmentMagic, w.opts.Compressor.Type())
	if err := binary.Write(f, binary.LittleEndian, &header); err != nil {
		return fail(fmt.Errorf("failed to write segment header: %w", err))
	}
	offset := int64(header.Size())

	var sections [footerSectionCount]sectionRef

	docPayload := w.buildDocSection()
	off, length, err := writeSection(f, offset, docPayload, w.opts.Compressor)
	if err != nil {
		return fail(fmt.Errorf("document section: %w", err))
	}
	sections[0] = sectionRef{offset: uint64(off), length: length}
	offset += int64(length)

	termPayload, err := w.buildTermSection()
	if err != nil {
		return fail(fmt.Errorf("term section: %w", err))
	}
	off, length, err = writeSection(f, offset, termPayload, w.opts.Compressor)
	if err != nil {
		return fail(fmt.Errorf("term section: %w", err))
	}
	sections[1] = sectionRef{offset: uint64(off), length: length}
	offset += int64(length)

	bloomPayload, err := w.buildBloomSection()
	if err != nil {
		return fail(fmt.Errorf("bloom section: %w", err))
	}
	off, length, err = writeSection(f, offset, bloomPayload, w.opts.Compressor)
	if err != nil {
		return fail(fmt.Errorf("bloom section: %w", err))
	}
	sections[2] = sectionRef{offset: uint64(off), length: length}

	if err := writeFooter(f, sections); err != nil {
		return fail(fmt.Errorf("failed to write segment footer: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync segment file: %w", err))
	}
	if err := f.Close(); err != nil {
		return fail(fmt.Errorf("failed to close segment file: %w", err))
	}

	finalPath := strings.TrimSuffix(w.filePath, ".tmp")
	if err := os.Rename(w.filePath, finalPath); err != nil {
		os.Remove(w.filePath)
		return fmt.Errorf("failed to rename segment file %s: %w", w.filePath, err)
	}
	w.opts.Logger.Debug("Segment written.",
		"segment", w.opts.Name, "docs", len(w.docOffsets), "terms", len(w.postings))
	return nil
}

// Abort discards the writer and removes any temporary file. Safe to call
// after a failed Finish.
func (w *Writer) Abort() {
	w.finished = true
	if err := os.Remove(w.filePath); err != nil && !os.IsNotExist(err) {
		w.opts.Logger.Warn("Failed to remove temporary segment file during abort.",
			"path", w.filePath, "error", err)
	}
}

// buildDocSection serializes doc count, the offsets table, and the record
// blob.
func (w *Writer) buildDocSection() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(w.docOffsets)))
	for _, off := range w.docOffsets {
		binary.Write(&buf, binary.LittleEndian, off)
	}
	buf.Write(w.docBuf.Bytes())
	return buf.Bytes()
}

// buildTermSection serializes the sorted term dictionary with one roaring
// postings bitmap per term.
func (w *Writer) buildTermSection() ([]byte, error) {
	keys := make([]string, 0, len(w.postings))
	for key := range w.postings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(keys)))
	var tmp [binary.MaxVarintLen64]byte
	for _, key := range keys {
		n := binary.PutUvarint(tmp[:], uint64(len(key)))
		buf.Write(tmp[:n])
		buf.WriteString(key)

		bm := w.postings[key]
		bm.RunOptimize()
		data, err := bm.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("failed to serialize postings for %q: %w", key, err)
		}
		n = binary.PutUvarint(tmp[:], uint64(len(data)))
		buf.Write(tmp[:n])
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func (w *Writer) buildBloomSection() ([]byte, error) {
	bf, err := NewBloomFilter(uint64(len(w.identities)), bloomFalsePositiveRate)
	if err != nil {
		return nil, err
	}
	for _, id := range w.identities {
		bf.Add(id)
	}
	return bf.Bytes(), nil
}
