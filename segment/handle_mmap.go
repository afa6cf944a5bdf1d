package segment

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapHandle is a read_write memory-mapped FileHandle of bufferSize bytes.
// Append grows the mapping on BufferOverflow by forcing the current map,
// releasing it to the Cleaner, extending the file, and remapping from 0 to
// position+required, restoring the write position. The handle's mutex is
// held across that whole transition, which is how the explicit open-flag
// check from the design notes actually prevents a concurrent reader from
// ever dereferencing a released mapping: the reader blocks on the mutex,
// not on inspecting a (possibly nil) buffer.
type mmapHandle struct {
	mu sync.Mutex

	path       string
	f          *os.File
	data       []byte
	bufferSize int64
	position   int64
	readOnly   bool
	open       bool

	cleaner *Cleaner
	onOpen  OnOpenFunc
}

// NewMmapHandle opens path, creating it if missing (existing contents are
// kept and Append continues after them), maps bufferSize bytes read_write,
// and returns a FileHandle that grows the mapping on overflow.
// If readOnly is true the handle maps the file's current size read-only
// and rejects Append with ReadOnlyMap.
func NewMmapHandle(path string, bufferSize int64, readOnly bool, cleaner *Cleaner, onOpen OnOpenFunc) (FileHandle, error) {
	if cleaner == nil {
		cleaner = defaultCleaner
	}
	if onOpen == nil {
		onOpen = NopOnOpen
	}

	flag := os.O_CREATE | os.O_RDWR
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, &IOError{Kind: classifyOSErr(err), Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close() // nolint:errcheck
		return nil, &IOError{Kind: IOOther, Path: path, Err: err}
	}

	size := info.Size()
	mapSize := bufferSize
	if readOnly {
		mapSize = size
	} else if size < bufferSize {
		if err := f.Truncate(bufferSize); err != nil {
			f.Close() // nolint:errcheck
			return nil, &IOError{Kind: IOOther, Path: path, Err: err}
		}
	}
	if mapSize == 0 {
		mapSize = 1 // unix.Mmap rejects a zero-length mapping
	}

	prot := unix.PROT_READ
	if !readOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(mapSize), prot, unix.MAP_SHARED)
	if err != nil {
		f.Close() // nolint:errcheck
		return nil, &IOError{Kind: IOOther, Path: path, Err: err}
	}

	h := &mmapHandle{
		path:       path,
		f:          f,
		data:       data,
		bufferSize: mapSize,
		position:   size,
		readOnly:   readOnly,
		open:       true,
		cleaner:    cleaner,
		onOpen:     onOpen,
	}
	onOpen(h)
	return h, nil
}

func (h *mmapHandle) Append(b []byte) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return 0, ErrNotOpen
	}
	if h.readOnly {
		return 0, &IOError{Kind: IOReadOnlyMap, Path: h.path}
	}
	if h.position+int64(len(b)) > h.bufferSize {
		if err := h.growLocked(h.position + int64(len(b))); err != nil {
			return 0, err
		}
	}

	off := h.position
	copy(h.data[off:], b)
	h.position += int64(len(b))
	return off, nil
}

func (h *mmapHandle) WriteAt(position int64, b []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return ErrNotOpen
	}
	if h.readOnly {
		return &IOError{Kind: IOReadOnlyMap, Path: h.path}
	}
	if position+int64(len(b)) > h.position {
		return &IOError{Kind: IOOther, Path: h.path}
	}
	copy(h.data[position:], b)
	return nil
}

// growLocked forces the current mapping, releases it to the cleaner,
// extends the backing file, and remaps from 0 to at least required bytes.
// Callers must hold h.mu.
func (h *mmapHandle) growLocked(required int64) error {
	if err := unix.Msync(h.data, unix.MS_SYNC); err != nil {
		return &IOError{Kind: IOOther, Path: h.path, Err: err}
	}

	old := h.data
	h.data = nil // never observable: h.mu is held until the new mapping lands
	h.cleaner.Release(old, h.path)

	newSize := h.bufferSize
	for newSize < required {
		newSize *= 2
	}
	if err := h.f.Truncate(newSize); err != nil {
		return &IOError{Kind: IOOther, Path: h.path, Err: err}
	}

	data, err := unix.Mmap(int(h.f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return &IOError{Kind: IOBufferOverflow, Path: h.path, Err: err}
	}
	h.data = data
	h.bufferSize = newSize
	return nil
}

func (h *mmapHandle) Read(position int64, size int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		if err := h.reopenReadOnlyLocked(); err != nil {
			return nil, err
		}
	}
	end := position + int64(size)
	if end > int64(len(h.data)) {
		return nil, &FormatError{Detail: "read past mapped region"}
	}
	buf := make([]byte, size)
	copy(buf, h.data[position:end])
	return buf, nil
}

func (h *mmapHandle) Get(position int64) (byte, error) {
	buf, err := h.Read(position, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (h *mmapHandle) ReadAll() ([]byte, error) {
	h.mu.Lock()
	if h.open {
		n := h.position
		h.mu.Unlock()
		return h.Read(0, int(n))
	}
	h.mu.Unlock()
	size, err := h.FileSize()
	if err != nil {
		return nil, err
	}
	return h.Read(0, int(size))
}

func (h *mmapHandle) FileSize() (int64, error) {
	h.mu.Lock()
	if h.open {
		n := h.position
		h.mu.Unlock()
		return n, nil
	}
	h.mu.Unlock()
	info, err := os.Stat(h.path)
	if err != nil {
		return 0, &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	return info.Size(), nil
}

// reopenReadOnlyLocked re-establishes a read-only mapping after Close.
// Callers must hold h.mu.
func (h *mmapHandle) reopenReadOnlyLocked() error {
	f, err := os.Open(h.path)
	if err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() // nolint:errcheck
		return &IOError{Kind: IOOther, Path: h.path, Err: err}
	}
	size := info.Size()
	mapSize := size
	if mapSize == 0 {
		mapSize = 1
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(mapSize), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close() // nolint:errcheck
		return &IOError{Kind: IOOther, Path: h.path, Err: err}
	}

	h.f = f
	h.data = data
	h.bufferSize = mapSize
	h.position = size
	h.readOnly = true
	h.open = true
	h.onOpen(h)
	return nil
}

func (h *mmapHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return nil
	}
	if !h.readOnly {
		if err := unix.Msync(h.data, unix.MS_SYNC); err != nil {
			return &IOError{Kind: IOOther, Path: h.path, Err: err}
		}
		if err := h.f.Truncate(h.position); err != nil {
			return &IOError{Kind: IOOther, Path: h.path, Err: err}
		}
	}
	h.cleaner.Release(h.data, h.path)
	h.data = nil
	h.open = false

	err := h.f.Close()
	h.f = nil
	return err
}

func (h *mmapHandle) Delete() error {
	_ = h.Close()
	if err := os.Remove(h.path); err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: h.path, Err: err}
	}
	return nil
}

func (h *mmapHandle) CopyTo(dstPath string) error {
	all, err := h.ReadAll()
	if err != nil {
		return err
	}
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0o644)
	if err != nil {
		return &IOError{Kind: classifyOSErr(err), Path: dstPath, Err: err}
	}
	defer dst.Close() // nolint:errcheck

	if _, err := dst.Write(all); err != nil {
		return &IOError{Kind: IOOther, Path: dstPath, Err: err}
	}
	return nil
}
