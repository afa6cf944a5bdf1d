package segment

// FileHandle presents a uniform read/append surface over a segment file,
// regardless of whether it is backed by sequential OS writes, random-access
// OS reads, a memory-mapped region, or pure RAM (§4.2).
type FileHandle interface {
	// Append writes b at the current end of the file and returns the
	// offset it was written at.
	Append(b []byte) (int64, error)
	// WriteAt overwrites b at an already-written position (position+len(b)
	// must not exceed what Append has already extended the file to) —
	// used to patch the leading header once Finish knows the footer it
	// mirrors.
	WriteAt(position int64, b []byte) error
	// Read returns exactly size bytes starting at position.
	Read(position int64, size int) ([]byte, error)
	// Get returns the single byte at position.
	Get(position int64) (byte, error)
	ReadAll() ([]byte, error)
	FileSize() (int64, error)
	Close() error
	Delete() error
	CopyTo(dstPath string) error
}

// OnOpenFunc is invoked every time a FileHandle materializes its underlying
// OS file descriptor — used by an external file-open limiter. It receives
// the handle itself rather than holding a long-lived reference to it.
type OnOpenFunc func(FileHandle)

// NopOnOpen is a no-op OnOpenFunc for callers that don't need an
// open-file-count limit.
func NopOnOpen(FileHandle) {}
