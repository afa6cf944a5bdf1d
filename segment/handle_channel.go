package segment

import (
	"io"
	"os"
)

// channelWriteHandle is a sequential-append FileHandle over a pre-allocated
// or growing OS file. Reads are rejected with NotReadable while the handle
// is actively writing; once closed, a read lazily reopens the file
// read-only rather than staying permanently unusable, mirroring the
// teacher's append-then-reopen pattern for segment files.
type channelWriteHandle struct {
	path     string
	f        *os.File
	size     int64
	open     bool
	readFile *os.File
	onOpen   OnOpenFunc
}

// NewChannelWriteHandle creates (or truncates) path for sequential
// appending.
func NewChannelWriteHandle(path string, onOpen OnOpenFunc) (FileHandle, error) {
	if onOpen == nil {
		onOpen = NopOnOpen
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, &IOError{Kind: classifyOSErr(err), Path: path, Err: err}
	}
	h := &channelWriteHandle{path: path, f: f, open: true, onOpen: onOpen}
	onOpen(h)
	return h, nil
}

func (h *channelWriteHandle) Append(b []byte) (int64, error) {
	if !h.open {
		return 0, ErrNotOpen
	}
	off := h.size
	n, err := h.f.Write(b)
	if err != nil {
		return 0, &IOError{Kind: IOOther, Path: h.path, Err: err}
	}
	if n != len(b) {
		return 0, &FailedToWriteAllBytesError{Expected: len(b), Actual: n, SliceSize: len(b)}
	}
	h.size += int64(n)
	return off, nil
}

func (h *channelWriteHandle) WriteAt(position int64, b []byte) error {
	if !h.open {
		return ErrNotOpen
	}
	if position+int64(len(b)) > h.size {
		return &IOError{Kind: IOOther, Path: h.path}
	}
	if _, err := h.f.WriteAt(b, position); err != nil {
		return &IOError{Kind: IOOther, Path: h.path, Err: err}
	}
	return nil
}

func (h *channelWriteHandle) ensureReadFile() error {
	if h.readFile != nil {
		return nil
	}
	rf, err := os.Open(h.path)
	if err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	h.readFile = rf
	h.onOpen(h)
	return nil
}

func (h *channelWriteHandle) Read(position int64, size int) ([]byte, error) {
	if h.open {
		return nil, &IOError{Kind: IONotReadable, Path: h.path}
	}
	if err := h.ensureReadFile(); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := h.readFile.ReadAt(buf, position); err != nil {
		return nil, &IOError{Kind: IOOther, Path: h.path, Err: err}
	}
	return buf, nil
}

func (h *channelWriteHandle) Get(position int64) (byte, error) {
	buf, err := h.Read(position, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (h *channelWriteHandle) ReadAll() ([]byte, error) {
	size, err := h.FileSize()
	if err != nil {
		return nil, err
	}
	return h.Read(0, int(size))
}

func (h *channelWriteHandle) FileSize() (int64, error) {
	if h.open {
		return h.size, nil
	}
	info, err := os.Stat(h.path)
	if err != nil {
		return 0, &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	return info.Size(), nil
}

func (h *channelWriteHandle) Close() error {
	if !h.open {
		return nil
	}
	h.open = false
	return h.f.Close()
}

func (h *channelWriteHandle) Delete() error {
	_ = h.Close()
	if h.readFile != nil {
		_ = h.readFile.Close()
	}
	if err := os.Remove(h.path); err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	return nil
}

func (h *channelWriteHandle) CopyTo(dstPath string) error {
	src, err := os.Open(h.path)
	if err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	defer src.Close() // nolint:errcheck

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: dstPath, Err: err}
	}
	defer dst.Close() // nolint:errcheck

	if _, err := io.Copy(dst, src); err != nil {
		return &IOError{Kind: IOOther, Path: dstPath, Err: err}
	}
	return nil
}

// channelReadHandle is a pure random-access FileHandle over an existing
// file; it rejects Append with NotWritable and opens the underlying OS
// handle lazily on first read.
type channelReadHandle struct {
	path   string
	f      *os.File
	open   bool
	onOpen OnOpenFunc
}

// NewChannelReadHandle returns a FileHandle for random-access reads of an
// existing segment file. The OS file is not opened until the first read.
func NewChannelReadHandle(path string, onOpen OnOpenFunc) FileHandle {
	if onOpen == nil {
		onOpen = NopOnOpen
	}
	return &channelReadHandle{path: path, open: true, onOpen: onOpen}
}

func (h *channelReadHandle) ensureOpen() error {
	if h.f != nil {
		return nil
	}
	f, err := os.Open(h.path)
	if err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	h.f = f
	h.onOpen(h)
	return nil
}

func (h *channelReadHandle) Append([]byte) (int64, error) {
	return 0, &IOError{Kind: IONotWritable, Path: h.path}
}

func (h *channelReadHandle) WriteAt(int64, []byte) error {
	return &IOError{Kind: IONotWritable, Path: h.path}
}

func (h *channelReadHandle) Read(position int64, size int) ([]byte, error) {
	if !h.open {
		return nil, ErrNotOpen
	}
	if err := h.ensureOpen(); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := h.f.ReadAt(buf, position); err != nil {
		return nil, &IOError{Kind: IOOther, Path: h.path, Err: err}
	}
	return buf, nil
}

func (h *channelReadHandle) Get(position int64) (byte, error) {
	buf, err := h.Read(position, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (h *channelReadHandle) ReadAll() ([]byte, error) {
	size, err := h.FileSize()
	if err != nil {
		return nil, err
	}
	return h.Read(0, int(size))
}

func (h *channelReadHandle) FileSize() (int64, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		return 0, &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	return info.Size(), nil
}

func (h *channelReadHandle) Close() error {
	if !h.open {
		return nil
	}
	h.open = false
	if h.f != nil {
		err := h.f.Close()
		h.f = nil
		return err
	}
	return nil
}

func (h *channelReadHandle) Delete() error {
	_ = h.Close()
	if err := os.Remove(h.path); err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	return nil
}

func (h *channelReadHandle) CopyTo(dstPath string) error {
	if err := h.ensureOpen(); err != nil {
		return err
	}
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: dstPath, Err: err}
	}
	defer dst.Close() // nolint:errcheck

	if _, err := h.f.Seek(0, io.SeekStart); err != nil {
		return &IOError{Kind: IOOther, Path: h.path, Err: err}
	}
	if _, err := io.Copy(dst, h.f); err != nil {
		return &IOError{Kind: IOOther, Path: dstPath, Err: err}
	}
	return nil
}

func classifyOSErr(err error) IOErrorKind {
	switch {
	case os.IsNotExist(err):
		return IONotFound
	case os.IsExist(err):
		return IOAlreadyExists
	default:
		return IOOther
	}
}
