package segment

// memoryHandle is an in-RAM-only FileHandle: Append always fails with
// ErrUnsupported (it only ever holds the bytes it was constructed with),
// and CopyTo always fails with CannotCopyInMemoryError since there is no
// source file on disk to copy from.
type memoryHandle struct {
	path string
	data []byte
	open bool
}

// NewMemoryHandle wraps data as a read-only in-memory FileHandle. path is
// used only for error messages.
func NewMemoryHandle(path string, data []byte) FileHandle {
	return &memoryHandle{path: path, data: data, open: true}
}

func (h *memoryHandle) Append([]byte) (int64, error) {
	return 0, ErrUnsupported
}

func (h *memoryHandle) WriteAt(int64, []byte) error {
	return ErrUnsupported
}

func (h *memoryHandle) Read(position int64, size int) ([]byte, error) {
	if !h.open {
		return nil, ErrNotOpen
	}
	end := position + int64(size)
	if position < 0 || end > int64(len(h.data)) {
		return nil, &FormatError{Detail: "read past in-memory buffer"}
	}
	buf := make([]byte, size)
	copy(buf, h.data[position:end])
	return buf, nil
}

func (h *memoryHandle) Get(position int64) (byte, error) {
	buf, err := h.Read(position, 1)
	if err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (h *memoryHandle) ReadAll() ([]byte, error) {
	return h.Read(0, len(h.data))
}

func (h *memoryHandle) FileSize() (int64, error) {
	return int64(len(h.data)), nil
}

func (h *memoryHandle) Close() error {
	h.open = false
	return nil
}

func (h *memoryHandle) Delete() error {
	h.open = false
	h.data = nil
	return nil
}

func (h *memoryHandle) CopyTo(string) error {
	return &CannotCopyInMemoryError{Path: h.path}
}
