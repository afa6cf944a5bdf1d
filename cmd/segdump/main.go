// Command segdump inspects a single on-disk segment file: its footer,
// entry count, key range, and (optionally) every entry it holds.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/epokhe/lsmseg/segment"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "  segdump -file <segment-file> [-entries] [-check-bloom <key>]\n")
	os.Exit(1)
}

func main() {
	var (
		path          = flag.String("file", "", "path to a .seg file")
		dumpEntries   = flag.Bool("entries", false, "print every entry")
		checkBloom    = flag.String("check-bloom", "", "report whether the bloom filter admits this key")
		dropCorrupted = flag.Bool("drop-corrupted-tail", false, "recover a prefix of entries if the file's tail is truncated/corrupt")
	)
	flag.Parse()

	if *path == "" {
		usage()
	}

	handle := segment.NewChannelReadHandle(*path, nil)
	seg, err := segment.OpenSegment(handle, segment.DefaultOrdering, false, *dropCorrupted, nil)
	if err != nil {
		log.Fatalf("open segment: %v", err)
	}
	defer seg.Close() // nolint:errcheck

	count, err := seg.GetKeyValueCount()
	if err != nil {
		log.Fatalf("key value count: %v", err)
	}
	hasRange, err := seg.HasRange()
	if err != nil {
		log.Fatalf("has range: %v", err)
	}
	bf, err := seg.GetBloomFilter()
	if err != nil {
		log.Fatalf("bloom filter: %v", err)
	}

	fmt.Printf("file:          %s\n", *path)
	fmt.Printf("minKey:        %q\n", seg.MinKey())
	fmt.Printf("maxKey:        %q (toKey=%v)\n", seg.MaxKey(), seg.MaxIsToKey())
	fmt.Printf("keyValueCount: %d\n", count)
	fmt.Printf("hasRange:      %v\n", hasRange)
	fmt.Printf("segmentSize:   %d bytes\n", seg.SegmentSize())
	fmt.Printf("nearestExpiry: %s\n", formatDeadline(seg.NearestExpiryDeadline()))
	fmt.Printf("bloom:         %v\n", bf != nil)

	if *checkBloom != "" {
		might, err := seg.MightContain([]byte(*checkBloom))
		if err != nil {
			log.Fatalf("might contain: %v", err)
		}
		fmt.Printf("mightContain(%q): %v\n", *checkBloom, might)
	}

	if *dumpEntries {
		entries, err := seg.GetAll()
		if err != nil {
			log.Fatalf("get all: %v", err)
		}
		for _, e := range entries {
			printEntry(e)
		}
	}
}

func printEntry(e segment.Entry) {
	if r, ok := segment.AsRange(e); ok {
		fv, hasFrom := r.FromValue()
		fromDesc := "-"
		if hasFrom {
			fromDesc = describeFixed(fv)
		}
		fmt.Printf("  RANGE  [%q,%q)  from=%s  range=%s\n", r.Key(), r.ToKey(), fromDesc, describeFixed(r.RangeValue()))
		return
	}
	fmt.Printf("  FIXED  %s\n", describeFixed(e))
}

func describeFixed(e segment.Entry) string {
	v, err := e.Value()
	if err != nil {
		return fmt.Sprintf("%v kind=%v err=%v", e.Key(), e.Kind(), err)
	}
	return fmt.Sprintf("%q=%q kind=%v deadline=%s", e.Key(), v, e.Kind(), formatDeadline(e.Deadline()))
}

func formatDeadline(d segment.Deadline) string {
	if !d.IsSet() {
		return "none"
	}
	return d.Time().String()
}
