package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/zeebo/xxh3"
)

// Wire layout (§4.4/§6/§7):
//
//	[header][values block][index block][bloom block (optional)][footer]
//
// The footer is a fixed FooterSize trailer at the absolute end of the
// file — unlike the spec's inline bloomLen/bloomBlock sketch, the bloom
// filter here is its own region addressed by (offset,length) from the
// footer, which is what lets the footer stay fixed-size and therefore
// locatable by a single Read at fileSize-FooterSize. The header is a
// byte-for-byte mirror of that same footer, patched into place at offset 0
// once Finish knows its content: a tail truncation (crash, disk corruption)
// destroys the trailing footer but never the leading header, which is what
// lets Open recover IndexOffset/IndexLength for a CorruptedTailEntries
// prefix-recovery pass (§7) instead of losing the file's layout entirely.
const (
	footerMagic        = "LSMS"
	segmentFormatVersion uint32 = 1
	// FooterSize is the fixed byte length of an encoded Footer.
	FooterSize = 4 + 4 + 8 + 1 + 8 + 8 + 8 + 8 + 4
)

// Footer is the fixed-shape trailer of a segment file.
type Footer struct {
	Version       uint32
	KeyValueCount int64
	HasRange      bool
	BloomOffset   int64 // -1 if absent
	BloomLength   int64
	IndexOffset   int64
	IndexLength   int64
}

// HasBloom reports whether the footer references a bloom-filter block.
func (f Footer) HasBloom() bool { return f.BloomOffset >= 0 && f.BloomLength > 0 }

func encodeFooter(f Footer) []byte {
	buf := make([]byte, FooterSize)
	i := 0
	copy(buf[i:], footerMagic)
	i += 4
	binary.LittleEndian.PutUint32(buf[i:], f.Version)
	i += 4
	binary.LittleEndian.PutUint64(buf[i:], uint64(f.KeyValueCount))
	i += 8
	if f.HasRange {
		buf[i] = 1
	}
	i++
	binary.LittleEndian.PutUint64(buf[i:], uint64(f.BloomOffset))
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], uint64(f.BloomLength))
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], uint64(f.IndexOffset))
	i += 8
	binary.LittleEndian.PutUint64(buf[i:], uint64(f.IndexLength))
	i += 8

	crc := uint32(xxh3.Hash(buf[:i]))
	binary.LittleEndian.PutUint32(buf[i:], crc)
	return buf
}

func decodeFooter(buf []byte) (Footer, error) {
	if len(buf) != FooterSize {
		return Footer{}, &FormatError{Detail: "short footer"}
	}
	if string(buf[0:4]) != footerMagic {
		return Footer{}, &FormatError{Detail: "bad footer magic"}
	}
	version := binary.LittleEndian.Uint32(buf[4:8])
	if version != segmentFormatVersion {
		return Footer{}, &FormatError{Detail: fmt.Sprintf("unsupported segment format version %d", version)}
	}

	crcOffset := FooterSize - 4
	wantCRC := binary.LittleEndian.Uint32(buf[crcOffset:])
	gotCRC := uint32(xxh3.Hash(buf[:crcOffset]))
	if wantCRC != gotCRC {
		return Footer{}, &FormatError{Detail: "footer checksum mismatch"}
	}

	return Footer{
		Version:       version,
		KeyValueCount: int64(binary.LittleEndian.Uint64(buf[8:16])),
		HasRange:      buf[16] != 0,
		BloomOffset:   int64(binary.LittleEndian.Uint64(buf[17:25])),
		BloomLength:   int64(binary.LittleEndian.Uint64(buf[25:33])),
		IndexOffset:   int64(binary.LittleEndian.Uint64(buf[33:41])),
		IndexLength:   int64(binary.LittleEndian.Uint64(buf[41:49])),
	}, nil
}

// ReadFooter locates and decodes the footer at the tail of h.
func ReadFooter(h FileHandle) (Footer, error) {
	size, err := h.FileSize()
	if err != nil {
		return Footer{}, err
	}
	if size < FooterSize {
		return Footer{}, &FormatError{Detail: "file too small to contain a footer"}
	}
	buf, err := h.Read(size-FooterSize, FooterSize)
	if err != nil {
		return Footer{}, err
	}
	return decodeFooter(buf)
}

// LoadBloom decodes the bloom-filter block referenced by f, or returns
// (nil, nil) if the segment has none.
func LoadBloom(h FileHandle, f Footer) (*bloom.BloomFilter, error) {
	if !f.HasBloom() {
		return nil, nil
	}
	buf, err := h.Read(f.BloomOffset, int(f.BloomLength))
	if err != nil {
		return nil, err
	}
	bf := &bloom.BloomFilter{}
	if _, err := bf.ReadFrom(bytes.NewReader(buf)); err != nil {
		return nil, &FormatError{Detail: "decode bloom filter: " + err.Error()}
	}
	return bf, nil
}

// Stats is the cumulative segment-size projection accumulated as entries
// are added to a Writer; the SegmentMerger consults it to decide when to
// close the current output segment and start a new one.
type Stats struct {
	KeyValueCount     int
	SegmentSize       int64 // persistent (encoded) byte size
	MemorySegmentSize int64 // rough in-memory byte size
}

// estimateMemorySize is a rollover heuristic, not an exact accounting: a
// persisted entry's Value() read failing here just means the estimate
// undercounts that one entry's bytes, which is acceptable for deciding when
// an in-memory output segment is "big enough".
func estimateMemorySize(e Entry) int64 {
	const perEntryOverhead = 32
	n := int64(len(e.Key())) + perEntryOverhead
	if v, err := e.Value(); err == nil {
		n += int64(len(v))
	}
	if r, ok := AsRange(e); ok {
		n += int64(len(r.ToKey()))
		if fv, ok := r.FromValue(); ok {
			if v, err := fv.Value(); err == nil {
				n += int64(len(v))
			}
		}
	}
	return n
}

// Writer encodes a sorted sequence of entries into a segment file via h:
// values are appended to the values block as each entry is Add-ed; index
// records are buffered (their next-pointer fields can only be computed
// once every record's length is known) and flushed in Finish, followed by
// the optional bloom block and the footer.
type Writer struct {
	handle FileHandle

	prevKey        []byte
	keys           [][]byte
	indexRecords   [][]byte
	hasRange       bool
	stats          Stats
	headerReserved bool
}

// NewWriter returns a Writer that encodes onto h. Entries must be Add-ed in
// ascending key order.
func NewWriter(h FileHandle) *Writer {
	return &Writer{handle: h}
}

// Stats reports the cumulative size projection after the entries added so far.
func (w *Writer) Stats() Stats { return w.stats }

// ensureHeaderReserved appends the FooterSize placeholder header as the
// very first bytes of the file, the first time anything is written. Finish
// patches it with the real footer once that's known.
func (w *Writer) ensureHeaderReserved() error {
	if w.headerReserved {
		return nil
	}
	if _, err := w.handle.Append(make([]byte, FooterSize)); err != nil {
		return err
	}
	w.headerReserved = true
	return nil
}

// Add encodes one entry's value(s) into the values block immediately and
// buffers its index record for Finish.
func (w *Writer) Add(e Entry) error {
	if err := w.ensureHeaderReserved(); err != nil {
		return err
	}
	rec, err := w.encodeEntry(e)
	if err != nil {
		return err
	}
	w.indexRecords = append(w.indexRecords, rec)
	w.keys = append(w.keys, append([]byte(nil), e.Key()...))
	if _, ok := AsRange(e); ok {
		w.hasRange = true
	}
	w.prevKey = e.Key()

	w.stats.KeyValueCount++
	w.stats.SegmentSize += int64(len(rec)) + nextPointerSize
	w.stats.MemorySegmentSize += estimateMemorySize(e)
	return nil
}

const nextPointerSize = 8 + 4 // fixed-width nextIndexOffset + nextIndexSize

func tagForFixed(e Entry) Tag {
	switch e.Kind() {
	case KindPut:
		if e.HasValue() {
			return TagPutV
		}
		return TagPutNoV
	case KindUpdate:
		if e.HasValue() {
			return TagUpdateV
		}
		return TagUpdateNoV
	default:
		return TagRemove
	}
}

func deadlineMillis(d Deadline) uint64 {
	if !d.IsSet() {
		return 0
	}
	return uint64(d.Millis())
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func (w *Writer) writeKeyFields(buf *bytes.Buffer, key []byte) {
	cpl := commonPrefixLen(w.prevKey, key)
	tail := key[cpl:]
	writeVarint(buf, uint64(cpl))
	writeVarint(buf, uint64(len(tail)))
	buf.Write(tail)
}

// writeValue appends e's value to the values block and returns its offset
// and length. HasValue() must be true.
func (w *Writer) writeValue(e Entry) (int64, int, error) {
	v, err := e.Value()
	if err != nil {
		return 0, 0, err
	}
	off, err := w.handle.Append(v)
	if err != nil {
		return 0, 0, err
	}
	return off, len(v), nil
}

func (w *Writer) writeFixedValueBlock(buf *bytes.Buffer, e Entry) error {
	tag := tagForFixed(e)
	buf.WriteByte(byte(tag))
	writeVarint(buf, deadlineMillis(e.Deadline()))
	if tag.hasValue() {
		off, length, err := w.writeValue(e)
		if err != nil {
			return err
		}
		writeVarint(buf, uint64(off))
		writeVarint(buf, uint64(length))
	}
	return nil
}

func (w *Writer) encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer

	if r, ok := AsRange(e); ok {
		buf.WriteByte(byte(TagRange))
		w.writeKeyFields(&buf, r.Key())
		writeVarint(&buf, deadlineMillis(r.Deadline()))

		toKey := r.ToKey()
		writeVarint(&buf, uint64(len(toKey)))
		buf.Write(toKey)

		if fv, hasFrom := r.FromValue(); hasFrom {
			buf.WriteByte(1)
			if err := w.writeFixedValueBlock(&buf, fv); err != nil {
				return nil, err
			}
		} else {
			buf.WriteByte(0)
		}

		if err := w.writeFixedValueBlock(&buf, r.RangeValue()); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	tag := tagForFixed(e)
	buf.WriteByte(byte(tag))
	w.writeKeyFields(&buf, e.Key())
	writeVarint(&buf, deadlineMillis(e.Deadline()))
	if tag.hasValue() {
		off, length, err := w.writeValue(e)
		if err != nil {
			return nil, err
		}
		writeVarint(&buf, uint64(off))
		writeVarint(&buf, uint64(length))
	}
	return buf.Bytes(), nil
}

// Finish flushes the buffered index records, the bloom filter block (when
// bloomFPR is in (0,1) and no Range entry was added, since the filter only
// holds each record's own key and would reject keys inside a Range's span),
// and the footer, returning the footer that was written.
func (w *Writer) Finish(bloomFPR float64) (Footer, error) {
	if err := w.ensureHeaderReserved(); err != nil {
		return Footer{}, err
	}
	valuesEnd, err := w.handle.FileSize()
	if err != nil {
		return Footer{}, err
	}

	n := len(w.indexRecords)
	totalLens := make([]int, n)
	for i, rec := range w.indexRecords {
		totalLens[i] = len(rec) + nextPointerSize
	}

	offsets := make([]int64, n+1)
	offsets[0] = valuesEnd
	for i := 0; i < n; i++ {
		offsets[i+1] = offsets[i] + int64(totalLens[i])
	}
	indexOffset := valuesEnd
	indexLength := offsets[n] - valuesEnd

	for i, rec := range w.indexRecords {
		nextOff := uint64(offsets[n])
		var nextSize uint32
		if i+1 < n {
			nextOff = uint64(offsets[i+1])
			nextSize = uint32(totalLens[i+1])
		}

		full := make([]byte, 0, len(rec)+nextPointerSize)
		full = append(full, rec...)
		var tmp8 [8]byte
		binary.LittleEndian.PutUint64(tmp8[:], nextOff)
		full = append(full, tmp8[:]...)
		var tmp4 [4]byte
		binary.LittleEndian.PutUint32(tmp4[:], nextSize)
		full = append(full, tmp4[:]...)

		if _, err := w.handle.Append(full); err != nil {
			return Footer{}, err
		}
	}

	bloomOffset := int64(-1)
	var bloomLength int64
	if bloomFPR > 0 && bloomFPR < 1 && n > 0 && !w.hasRange {
		bf := bloom.NewWithEstimates(uint(n), bloomFPR)
		for _, k := range w.keys {
			bf.Add(k)
		}
		var bloomBuf bytes.Buffer
		if _, err := bf.WriteTo(&bloomBuf); err != nil {
			return Footer{}, err
		}
		off, err := w.handle.Append(bloomBuf.Bytes())
		if err != nil {
			return Footer{}, err
		}
		bloomOffset = off
		bloomLength = int64(bloomBuf.Len())
	}

	footer := Footer{
		Version:       segmentFormatVersion,
		KeyValueCount: int64(n),
		HasRange:      w.hasRange,
		BloomOffset:   bloomOffset,
		BloomLength:   bloomLength,
		IndexOffset:   indexOffset,
		IndexLength:   indexLength,
	}
	encoded := encodeFooter(footer)
	if _, err := w.handle.Append(encoded); err != nil {
		return Footer{}, err
	}
	if err := w.handle.WriteAt(0, encoded); err != nil {
		return Footer{}, err
	}
	return footer, nil
}
