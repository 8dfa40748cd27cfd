package parquet

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/metricd/internal/errors"
	"github.com/xtxerr/metricd/internal/metric"
)

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "snappy":
		return CompressionSnappy, nil
	case "zstd", "":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// BucketRow is a bucket in Parquet format. The rollup is implied by the
// directory the file lives in.
type BucketRow struct {
	Path  string  `parquet:"path,zstd"`
	Start int64   `parquet:"start"`
	Count int64   `parquet:"count"`
	Sum   float64 `parquet:"sum"`
	Min   float64 `parquet:"min"`
	Max   float64 `parquet:"max"`
	Value float64 `parquet:"value"`
}

func toRow(b metric.Bucket) BucketRow {
	return BucketRow{
		Path:  b.Path,
		Start: b.Start,
		Count: b.Count,
		Sum:   b.Sum,
		Min:   b.Min,
		Max:   b.Max,
		Value: b.Value,
	}
}

func fromRow(r BucketRow, rollup int64) metric.Bucket {
	return metric.Bucket{
		Path:   r.Path,
		Rollup: rollup,
		Start:  r.Start,
		Count:  r.Count,
		Sum:    r.Sum,
		Min:    r.Min,
		Max:    r.Max,
		Value:  r.Value,
	}
}

// segment names a flushed file: <newest start>_<flush nanos>.parquet.
// Encoding the newest start lets readers and the sweeper skip files
// without opening them.
type segment struct {
	path   string
	newest int64
	seq    int64
}

func segmentName(newest, seq int64) string {
	return fmt.Sprintf("%d_%d.parquet", newest, seq)
}

func parseSegment(dir, name string) (segment, bool) {
	base, ok := strings.CutSuffix(name, ".parquet")
	if !ok {
		return segment{}, false
	}
	a, b, ok := strings.Cut(base, "_")
	if !ok {
		return segment{}, false
	}
	newest, err1 := strconv.ParseInt(a, 10, 64)
	seq, err2 := strconv.ParseInt(b, 10, 64)
	if err1 != nil || err2 != nil {
		return segment{}, false
	}
	return segment{path: filepath.Join(dir, name), newest: newest, seq: seq}, true
}

// listSegments returns the segments of dir ordered by flush sequence.
// A missing directory has no segments.
func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if s, ok := parseSegment(dir, e.Name()); ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

// writeSegment writes rows to a new file in dir. The file is written under
// a temporary name and renamed so readers never see a partial segment.
func writeSegment(dir string, rows []BucketRow, newest, seq int64, ct CompressionType) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	final := filepath.Join(dir, segmentName(newest, seq))
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}

	w := parquet.NewGenericWriter[BucketRow](f, parquet.Compression(codec(ct)))
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("close writer: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename segment: %w", err)
	}
	return final, nil
}

// readSegment returns the rows of a segment for which keep is true.
func readSegment(path string, keep func(*BucketRow) bool) ([]BucketRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[BucketRow](f)
	defer r.Close()

	var out []BucketRow
	buf := make([]BucketRow, 1024)
	for {
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			if keep(&buf[i]) {
				out = append(out, buf[i])
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
	}
	return out, nil
}
