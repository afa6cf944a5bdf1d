package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// indexRecord is the decoded form of one index-block entry: enough to
// build an Entry (given the owning FileHandle) and to keep walking the
// index block forward via nextOffset/nextSize.
type indexRecord struct {
	tag      Tag
	key      []byte
	deadline Deadline

	hasValue    bool
	valueOffset int64
	valueLength int

	toKey      []byte
	fromValue  *subValue
	rangeValue *subValue

	selfOffset int64
	nextOffset int64
	nextSize   int
}

// subValue is the decoded form of a Range entry's fromValue/rangeValue
// sub-block: a Fixed-shaped (tag, deadline, optional value pointer) triple
// with no key of its own (it shares the Range record's key).
type subValue struct {
	tag         Tag
	deadline    Deadline
	hasValue    bool
	valueOffset int64
	valueLength int
}

func kindForTag(t Tag) Kind {
	switch t {
	case TagPutV, TagPutNoV:
		return KindPut
	case TagUpdateV, TagUpdateNoV:
		return KindUpdate
	case TagRange:
		return KindRange
	default:
		return KindRemove
	}
}

func (rec *indexRecord) toEntry(h FileHandle) Entry {
	if rec.tag == TagRange {
		var fv *persistEntry
		if rec.fromValue != nil {
			fv = &persistEntry{
				key: rec.key, kind: kindForTag(rec.fromValue.tag), deadline: rec.fromValue.deadline,
				hasValue: rec.fromValue.hasValue, valueOffset: rec.fromValue.valueOffset, valueLength: rec.fromValue.valueLength,
				handle: h,
			}
		}
		rv := &persistEntry{
			key: rec.key, kind: kindForTag(rec.rangeValue.tag), deadline: rec.rangeValue.deadline,
			hasValue: rec.rangeValue.hasValue, valueOffset: rec.rangeValue.valueOffset, valueLength: rec.rangeValue.valueLength,
			handle: h,
		}
		return &persistRange{fromKey: rec.key, toKey: rec.toKey, fromValue: fv, rangeValue: rv}
	}
	return &persistEntry{
		key: rec.key, kind: kindForTag(rec.tag), deadline: rec.deadline,
		hasValue: rec.hasValue, valueOffset: rec.valueOffset, valueLength: rec.valueLength,
		handle: h,
	}
}

// handleReaderAt adapts FileHandle.Read to io.ReaderAt so the index block
// can be walked through a bufio.Reader over an io.SectionReader, exactly
// the way the teacher's recordScanner wraps its WAL file.
type handleReaderAt struct{ h FileHandle }

func (r handleReaderAt) ReadAt(p []byte, off int64) (int, error) {
	b, err := r.h.Read(off, len(p))
	if err != nil {
		return 0, err
	}
	n := copy(p, b)
	return n, nil
}

// countingReader wraps a *bufio.Reader and tracks bytes consumed, since
// binary.ReadUvarint only needs io.ByteReader but record decoding also
// needs to know how many bytes made up the record it just parsed.
type countingReader struct {
	r *bufio.Reader
	n int
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := io.ReadFull(c.r, p)
	c.n += n
	return n, err
}

// indexScanner walks an index block forward from a given offset, decoding
// one self-describing record at a time.
type indexScanner struct {
	br      *bufio.Reader
	pos     int64
	end     int64
	prevKey []byte
	err     error
}

// newIndexScanner returns a scanner over the index block [start,end) of h,
// primed with prevKey so the first record's common-prefix-compressed key
// can be reconstructed (pass nil when start==the index block's own start).
func newIndexScanner(h FileHandle, start, end int64, prevKey []byte) *indexScanner {
	sr := io.NewSectionReader(handleReaderAt{h}, start, end-start)
	return &indexScanner{
		br:      bufio.NewReader(sr),
		pos:     start,
		end:     end,
		prevKey: append([]byte(nil), prevKey...),
	}
}

// next decodes the record at the scanner's current position and advances.
// Returns (nil, false) at end of block or on decode error (check Err()).
func (s *indexScanner) next() (*indexRecord, bool) {
	if s.err != nil || s.pos >= s.end {
		return nil, false
	}
	rec, consumed, err := decodeIndexRecord(s.br, s.prevKey, s.pos)
	if err != nil {
		s.err = err
		return nil, false
	}
	s.pos += int64(consumed)
	s.prevKey = rec.key
	return rec, true
}

func (s *indexScanner) Err() error { return s.err }

func decodeFixedValueBlock(cr *countingReader) (*subValue, error) {
	tagByte, err := cr.ReadByte()
	if err != nil {
		return nil, &FormatError{Detail: "read sub-value tag: " + err.Error()}
	}
	tag := Tag(tagByte)

	dl, err := binary.ReadUvarint(cr)
	if err != nil {
		return nil, &FormatError{Detail: "read sub-value deadline: " + err.Error()}
	}
	sv := &subValue{tag: tag, deadline: DeadlineAtMillis(int64(dl))}

	if tag.hasValue() {
		voff, err := binary.ReadUvarint(cr)
		if err != nil {
			return nil, &FormatError{Detail: "read sub-value offset: " + err.Error()}
		}
		vlen, err := binary.ReadUvarint(cr)
		if err != nil {
			return nil, &FormatError{Detail: "read sub-value length: " + err.Error()}
		}
		sv.hasValue = true
		sv.valueOffset = int64(voff)
		sv.valueLength = int(vlen)
	}
	return sv, nil
}

// decodeIndexRecord decodes one record starting at br's current position,
// which is absolute file offset selfOffset. prevKey is the immediately
// preceding record's fully-expanded key, needed to undo common-prefix
// compression. Returns the record and the number of bytes consumed.
func decodeIndexRecord(br *bufio.Reader, prevKey []byte, selfOffset int64) (*indexRecord, int, error) {
	cr := &countingReader{r: br}

	tagByte, err := cr.ReadByte()
	if err != nil {
		return nil, 0, &FormatError{Detail: "read record tag: " + err.Error()}
	}
	tag := Tag(tagByte)

	cpl, err := binary.ReadUvarint(cr)
	if err != nil {
		return nil, 0, &FormatError{Detail: "read key common-prefix length: " + err.Error()}
	}
	tailLen, err := binary.ReadUvarint(cr)
	if err != nil {
		return nil, 0, &FormatError{Detail: "read key tail length: " + err.Error()}
	}
	if int(cpl) > len(prevKey) {
		return nil, 0, &FormatError{Detail: "key common-prefix length exceeds previous key"}
	}
	tail := make([]byte, tailLen)
	if tailLen > 0 {
		if _, err := cr.Read(tail); err != nil {
			return nil, 0, &FormatError{Detail: "read key tail: " + err.Error()}
		}
	}
	key := make([]byte, int(cpl)+len(tail))
	copy(key, prevKey[:cpl])
	copy(key[cpl:], tail)

	dl, err := binary.ReadUvarint(cr)
	if err != nil {
		return nil, 0, &FormatError{Detail: "read deadline: " + err.Error()}
	}

	rec := &indexRecord{tag: tag, key: key, deadline: DeadlineAtMillis(int64(dl)), selfOffset: selfOffset}

	switch tag {
	case TagPutV, TagUpdateV:
		voff, err := binary.ReadUvarint(cr)
		if err != nil {
			return nil, 0, &FormatError{Detail: "read value offset: " + err.Error()}
		}
		vlen, err := binary.ReadUvarint(cr)
		if err != nil {
			return nil, 0, &FormatError{Detail: "read value length: " + err.Error()}
		}
		rec.hasValue = true
		rec.valueOffset = int64(voff)
		rec.valueLength = int(vlen)
	case TagPutNoV, TagUpdateNoV, TagRemove:
		// no value fields
	case TagRange:
		toKeyLen, err := binary.ReadUvarint(cr)
		if err != nil {
			return nil, 0, &FormatError{Detail: "read toKey length: " + err.Error()}
		}
		toKey := make([]byte, toKeyLen)
		if toKeyLen > 0 {
			if _, err := cr.Read(toKey); err != nil {
				return nil, 0, &FormatError{Detail: "read toKey: " + err.Error()}
			}
		}
		rec.toKey = toKey

		fromPresent, err := cr.ReadByte()
		if err != nil {
			return nil, 0, &FormatError{Detail: "read fromValue presence: " + err.Error()}
		}
		if fromPresent == 1 {
			fv, err := decodeFixedValueBlock(cr)
			if err != nil {
				return nil, 0, err
			}
			rec.fromValue = fv
		}
		rv, err := decodeFixedValueBlock(cr)
		if err != nil {
			return nil, 0, err
		}
		rec.rangeValue = rv
	default:
		return nil, 0, &FormatError{Detail: fmt.Sprintf("unknown index record tag %d", tagByte)}
	}

	var nextOffBuf [8]byte
	if _, err := cr.Read(nextOffBuf[:]); err != nil {
		return nil, 0, &FormatError{Detail: "read next-index offset: " + err.Error()}
	}
	var nextSizeBuf [4]byte
	if _, err := cr.Read(nextSizeBuf[:]); err != nil {
		return nil, 0, &FormatError{Detail: "read next-index size: " + err.Error()}
	}
	rec.nextOffset = int64(binary.LittleEndian.Uint64(nextOffBuf[:]))
	rec.nextSize = int(binary.LittleEndian.Uint32(nextSizeBuf[:]))

	return rec, cr.n, nil
}

// scanIndexPrefix walks the index block [start,end), decoding records until
// either end is reached or a record fails to decode. It always returns
// whatever records decoded successfully along with the offset the scan
// stopped at; clean is false only when a decode error cut the scan short,
// which is how Open's CorruptedTailEntries recovery (§7) tells a truncated
// tail apart from a normal, fully-decoded index block.
func scanIndexPrefix(h FileHandle, start, end int64) (recs []*indexRecord, stoppedAt int64, clean bool) {
	s := newIndexScanner(h, start, end, nil)
	for {
		rec, ok := s.next()
		if !ok {
			break
		}
		recs = append(recs, rec)
	}
	return recs, s.pos, s.Err() == nil
}

// matchResult is what a forward index-block walk found relative to the
// search key.
type matchResult struct {
	exact  *indexRecord // non-nil if the key was found exactly
	lower  *indexRecord // greatest record with key < search key seen so far
	higher *indexRecord // first record with key > search key
}

// walkIndex scans the index block [start,end) in key order, comparing
// against target with ordering, and reports the exact/lower/higher
// records relative to target. It stops as soon as it has passed target
// (ordering(rec.key, target) > 0), since the block is sorted.
func walkIndex(h FileHandle, start, end int64, prevKey []byte, target []byte, ordering Ordering) (matchResult, error) {
	s := newIndexScanner(h, start, end, prevKey)
	var res matchResult
	for {
		rec, ok := s.next()
		if !ok {
			break
		}
		cmp := ordering(rec.key, target)
		switch {
		case cmp == 0:
			res.exact = rec
		case cmp < 0:
			res.lower = rec
		default:
			res.higher = rec
			return res, s.Err()
		}
	}
	return res, s.Err()
}
