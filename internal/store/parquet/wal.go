package parquet

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xtxerr/metricd/internal/logging"
	"github.com/xtxerr/metricd/internal/metric"
)

// The write-ahead log keeps pending buckets across a crash. Every Write
// appends one record; a successful flush of everything pending starts a new
// segment and deletes the older ones.
//
// Segment format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
//
// Payload (little-endian): rollup (8), period (8), bucket count (4), then
// per bucket: path length (4) + path, start (8), count (8), sum, min, max,
// value (8 each, float64 bits).

const (
	walMagic         = 0x4D4554524357414C // "METRCWAL"
	walVersion       = 2
	walHeaderSize    = 12
	recordHeaderSize = 8
	walSuffix        = ".wal"
)

// walRecord is one replayed Write.
type walRecord struct {
	rollup  int64
	period  int64
	buckets []metric.Bucket
}

type wal struct {
	dir   string
	fsync bool

	seq    int64
	file   *os.File
	writer *bufio.Writer
}

// openWAL replays the segments in dir and starts a new segment after them.
func openWAL(dir string, fsync bool) (*wal, []walRecord, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create wal dir: %w", err)
	}

	seqs, err := walSegments(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("list wal segments: %w", err)
	}

	var records []walRecord
	for _, seq := range seqs {
		recs, err := replaySegment(walPath(dir, seq))
		if err != nil {
			return nil, nil, err
		}
		records = append(records, recs...)
	}

	l := &wal{dir: dir, fsync: fsync}
	if len(seqs) > 0 {
		l.seq = seqs[len(seqs)-1] + 1
	}
	if err := l.rotate(); err != nil {
		return nil, nil, err
	}
	return l, records, nil
}

func walPath(dir string, seq int64) string {
	return filepath.Join(dir, fmt.Sprintf("%016d%s", seq, walSuffix))
}

// walSegments returns the segment sequence numbers in dir, ascending.
func walSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var seqs []int64
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), walSuffix)
		if e.IsDir() || !ok {
			continue
		}
		seq, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Append logs one Write.
func (l *wal) Append(rollup, period int64, buckets []metric.Bucket) error {
	payload := encodeBuckets(rollup, period, buckets)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := l.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := l.writer.Write(payload); err != nil {
		return err
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	if l.fsync {
		return l.file.Sync()
	}
	return nil
}

// Checkpoint starts a new segment and deletes every older one. Callers
// invoke it once nothing is pending.
func (l *wal) Checkpoint() error {
	if err := l.rotate(); err != nil {
		return err
	}
	seqs, err := walSegments(l.dir)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		if seq >= l.seq-1 {
			continue
		}
		if err := os.Remove(walPath(l.dir, seq)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (l *wal) rotate() error {
	if err := l.closeSegment(); err != nil {
		return err
	}

	path := walPath(l.dir, l.seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create wal segment: %w", err)
	}

	var header [walHeaderSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write wal header: %w", err)
	}

	l.file = f
	l.writer = bufio.NewWriterSize(f, 64*1024)
	l.seq++
	return nil
}

func (l *wal) closeSegment() error {
	if l.file == nil {
		return nil
	}
	err := l.writer.Flush()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file, l.writer = nil, nil
	return err
}

// Close closes the current segment. The segments stay on disk.
func (l *wal) Close() error {
	return l.closeSegment()
}

// replaySegment reads every intact record. A torn or corrupt tail ends the
// segment; what precedes it is kept.
func replaySegment(path string) ([]walRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal segment: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat wal segment: %w", err)
	}
	remaining := info.Size()

	log := logging.Component("store.parquet")
	r := bufio.NewReader(f)

	var header [walHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		log.Warn("wal segment without header skipped", "path", path)
		return nil, nil
	}
	if binary.LittleEndian.Uint64(header[0:8]) != walMagic {
		return nil, fmt.Errorf("%s: not a wal segment", path)
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != walVersion {
		return nil, fmt.Errorf("%s: unsupported wal version %d", path, v)
	}
	remaining -= walHeaderSize

	var records []walRecord
	for {
		var rh [recordHeaderSize]byte
		if _, err := io.ReadFull(r, rh[:]); err != nil {
			if err != io.EOF {
				log.Warn("wal segment truncated", "path", path, "records", len(records))
			}
			return records, nil
		}
		remaining -= recordHeaderSize

		// A length beyond the end of the file is a torn or corrupt header.
		size := int64(binary.LittleEndian.Uint32(rh[0:4]))
		if size > remaining {
			log.Warn("wal segment truncated", "path", path, "records", len(records))
			return records, nil
		}
		remaining -= size

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			log.Warn("wal segment truncated", "path", path, "records", len(records))
			return records, nil
		}
		if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(rh[4:8]) {
			log.Warn("wal checksum mismatch", "path", path, "records", len(records))
			return records, nil
		}

		rec, err := decodeBuckets(payload)
		if err != nil {
			log.Warn("wal record undecodable", "path", path, "error", err)
			return records, nil
		}
		records = append(records, rec)
	}
}

func encodeBuckets(rollup, period int64, buckets []metric.Bucket) []byte {
	buf := make([]byte, 0, 20+len(buckets)*64)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rollup))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(period))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(buckets)))

	for _, b := range buckets {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Path)))
		buf = append(buf, b.Path...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(b.Start))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(b.Count))
		for _, v := range []float64{b.Sum, b.Min, b.Max, b.Value} {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	return buf
}

func decodeBuckets(data []byte) (walRecord, error) {
	var rec walRecord
	if len(data) < 20 {
		return rec, fmt.Errorf("record too short")
	}
	rec.rollup = int64(binary.LittleEndian.Uint64(data[0:8]))
	rec.period = int64(binary.LittleEndian.Uint64(data[8:16]))
	count := int(binary.LittleEndian.Uint32(data[16:20]))
	offset := 20

	rec.buckets = make([]metric.Bucket, 0, count)
	for i := 0; i < count; i++ {
		if offset+4 > len(data) {
			return rec, fmt.Errorf("bucket %d: data too short for path length", i)
		}
		n := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if n > len(data)-offset-48 {
			return rec, fmt.Errorf("bucket %d: data too short", i)
		}

		b := metric.Bucket{Path: string(data[offset : offset+n]), Rollup: rec.rollup}
		offset += n
		b.Start = int64(binary.LittleEndian.Uint64(data[offset:]))
		b.Count = int64(binary.LittleEndian.Uint64(data[offset+8:]))
		b.Sum = math.Float64frombits(binary.LittleEndian.Uint64(data[offset+16:]))
		b.Min = math.Float64frombits(binary.LittleEndian.Uint64(data[offset+24:]))
		b.Max = math.Float64frombits(binary.LittleEndian.Uint64(data[offset+32:]))
		b.Value = math.Float64frombits(binary.LittleEndian.Uint64(data[offset+40:]))
		offset += 48

		rec.buckets = append(rec.buckets, b)
	}
	return rec, nil
}
