// Command iobench drives append/read workloads against the segment
// package's FileHandle backings (mmap vs. channel) to compare their
// sequential-append and random-read throughput.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epokhe/lsmseg/segment"
)

var (
	backing  = flag.String("backing", "mmap", "mmap | channel")
	dir      = flag.String("dir", "", "scratch directory (default: a temp dir)")
	duration = flag.Duration("dur", 10*time.Second, "run time")
	recSize  = flag.Int("recsize", 256, "bytes written per Append")
	readSize = flag.Int("readsize", 256, "bytes read per random Read")
	readers  = flag.Int("readers", 4, "concurrent random readers")
	randSeed = flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
)

func mib(b int64, d time.Duration) float64 {
	return float64(b) / (1024 * 1024) / d.Seconds()
}

func openHandle(path string) (segment.FileHandle, error) {
	switch *backing {
	case "mmap":
		return segment.NewMmapHandle(path, 4<<20, false, nil, nil)
	case "channel":
		return segment.NewChannelWriteHandle(path, nil)
	default:
		return nil, fmt.Errorf("unknown backing %q", *backing)
	}
}

func main() {
	flag.Parse()

	scratch := *dir
	if scratch == "" {
		var err error
		scratch, err = os.MkdirTemp("", "iobench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "mkdir temp: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(scratch) // nolint:errcheck
	}
	path := filepath.Join(scratch, "iobench.dat")

	h, err := openHandle(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open handle: %v\n", err)
		os.Exit(1)
	}
	defer h.Close() // nolint:errcheck

	// Seed enough data for the random readers to have something to hit
	// before they start racing the appender.
	seed := make([]byte, *recSize)
	for i := 0; i < 64; i++ {
		if _, err := h.Append(seed); err != nil {
			fmt.Fprintf(os.Stderr, "seed append: %v\n", err)
			os.Exit(1)
		}
	}

	// A channel write handle rejects reads while it is open, so the channel
	// backing's readers go through a separate channel read handle on the
	// same file, opened here before the readers share it.
	reader := h
	if *backing == "channel" {
		reader = segment.NewChannelReadHandle(path, nil)
		defer reader.Close() // nolint:errcheck
		if _, err := reader.Read(0, 1); err != nil {
			fmt.Fprintf(os.Stderr, "open reader: %v\n", err)
			os.Exit(1)
		}
	}

	deadline := time.Now().Add(*duration)
	var appended, read int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		rec := make([]byte, *recSize)
		for time.Now().Before(deadline) {
			if _, err := h.Append(rec); err != nil {
				fmt.Fprintf(os.Stderr, "append: %v\n", err)
				os.Exit(1)
			}
			atomic.AddInt64(&appended, int64(*recSize))
		}
	}()

	for n := 0; n < *readers; n++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for time.Now().Before(deadline) {
				size, err := reader.FileSize()
				if err != nil || size <= int64(*readSize) {
					continue
				}
				off := r.Int63n(size - int64(*readSize))
				if _, err := reader.Read(off, *readSize); err != nil {
					fmt.Fprintf(os.Stderr, "read: %v\n", err)
					os.Exit(1)
				}
				atomic.AddInt64(&read, int64(*readSize))
			}
		}(*randSeed + int64(n))
	}

	wg.Wait()

	fmt.Printf("backing=%s  Append %.2f MiB/s  Read %.2f MiB/s (%d readers)\n",
		*backing, mib(appended, *duration), mib(read, *duration), *readers)
}
