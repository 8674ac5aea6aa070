package meter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/NodePath81/joule/internal/click"
	"github.com/NodePath81/joule/internal/model"
)

var ErrHistogram = errors.New("meter: histogram unavailable")

// Entry is one line of a packet-size counter dump: a captured frame size and
// the cumulative number of frames seen with that size.
type Entry struct {
	Size  int
	Count int64
}

// HistogramSource returns the current cumulative packet-size counters for
// one direction.
type HistogramSource interface {
	Histogram(ctx context.Context, dir model.Direction) ([]Entry, error)
}

type caller interface {
	Call(ctx context.Context, host string, port int, mode click.Mode, handler string, args ...string) (*click.Response, error)
}

// ClickHistogram polls the aggregate counters named after each direction on
// a local Click instance. In read mode the dump is taken from a READ
// handler; in file mode Click writes it to FileDir and the file is parsed.
type ClickHistogram struct {
	Client  caller
	Host    string
	Port    int
	Handler string
	File    bool
	FileDir string
}

func (h *ClickHistogram) Histogram(ctx context.Context, dir model.Direction) ([]Entry, error) {
	if h.File {
		return h.fromFile(ctx, dir)
	}
	handler := string(dir) + "." + h.Handler
	resp, err := h.Client.Call(ctx, h.Host, h.Port, click.Read, handler)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrHistogram, handler, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %s: %d %s", ErrHistogram, handler, resp.Code, resp.Message)
	}
	return ParseHistogram(resp.Payload)
}

func (h *ClickHistogram) fromFile(ctx context.Context, dir model.Direction) ([]Entry, error) {
	path := filepath.Join(h.FileDir, string(dir))
	handler := string(dir) + ".write_text_file"
	resp, err := h.Client.Call(ctx, h.Host, h.Port, click.Write, handler, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrHistogram, handler, err)
	}
	if !resp.OK() {
		return nil, fmt.Errorf("%w: %s: %d %s", ErrHistogram, handler, resp.Code, resp.Message)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistogram, err)
	}
	return ParseHistogram(string(data))
}

// ParseHistogram reads "size count" lines. Lines starting with '!' are
// comments.
func ParseHistogram(text string) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "!") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: garbled line %q", ErrHistogram, line)
		}
		size, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: garbled size %q", ErrHistogram, fields[0])
		}
		count, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil || count < 0 {
			return nil, fmt.Errorf("%w: garbled count %q", ErrHistogram, fields[1])
		}
		entries = append(entries, Entry{Size: size, Count: count})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHistogram, err)
	}
	return entries, nil
}

// Bucket returns the index of the smallest bucket not below size, or the
// last bucket when size exceeds all of them. buckets must be ascending.
func Bucket(buckets []int, size int) int {
	for i, b := range buckets {
		if size <= b {
			return i
		}
	}
	return len(buckets) - 1
}

// Bin folds entries into cumulative counts per bucket after removing
// headerOffset bytes of framing from each captured size.
func Bin(entries []Entry, buckets []int, headerOffset int) []int64 {
	bins := make([]int64, len(buckets))
	if len(buckets) == 0 {
		return bins
	}
	for _, e := range entries {
		bins[Bucket(buckets, e.Size-headerOffset)] += e.Count
	}
	return bins
}
