package meter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownVariant  = errors.New("meter: unknown device line format")
	ErrMalformedSample = errors.New("meter: malformed device sample")
	ErrUnsupportedBaud = errors.New("meter: unsupported baud rate")
)

const energinoTag = "#Energino"

// Variant identifies the line layout a board speaks. It is detected from
// the first sample and fixed for the lifetime of the meter.
type Variant int

const (
	VariantUnknown Variant = iota
	// VariantV0: #Energino,<version>,<volts>,<amps>,<watts>,<relay>
	VariantV0
	// VariantV1 adds <window>,<samples>.
	VariantV1
)

func (v Variant) String() string {
	switch v {
	case VariantV0:
		return "v0"
	case VariantV1:
		return "v1"
	default:
		return "unknown"
	}
}

func (v Variant) fields() int {
	switch v {
	case VariantV0:
		return 6
	case VariantV1:
		return 8
	default:
		return 0
	}
}

func detectVariant(n int) Variant {
	switch n {
	case VariantV0.fields():
		return VariantV0
	case VariantV1.fields():
		return VariantV1
	default:
		return VariantUnknown
	}
}

// DeviceMeter reads samples streamed by an Energino board over an already
// configured character device.
type DeviceMeter struct {
	reader  *bufio.Reader
	closer  io.Closer
	variant Variant
	now     func() time.Time

	closeOnce sync.Once
	closeErr  error
}

func NewDeviceMeter(r io.Reader) *DeviceMeter {
	d := &DeviceMeter{reader: bufio.NewReader(r), now: time.Now}
	if c, ok := r.(io.Closer); ok {
		d.closer = c
	}
	return d
}

// OpenDevice opens the board's serial port. A positive baud switches the
// line to raw 8N1 at that speed first; zero leaves the line untouched.
func OpenDevice(path string, baud int) (*DeviceMeter, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open device %s: %w", path, err)
	}
	if baud > 0 {
		if err := configureSerial(f, baud); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("configure device %s: %w", path, err)
		}
	}
	return NewDeviceMeter(f), nil
}

func (d *DeviceMeter) Variant() Variant {
	return d.variant
}

// Close releases the underlying device. It may be called more than once.
func (d *DeviceMeter) Close() error {
	if d.closer == nil {
		return nil
	}
	d.closeOnce.Do(func() {
		d.closeErr = d.closer.Close()
	})
	return d.closeErr
}

// Fetch blocks until the next sample line. Banner and debug lines that do
// not carry the Energino tag are skipped. Cancelling ctx closes the device
// so a read pending on a silent board returns; the meter is unusable after.
func (d *DeviceMeter) Fetch(ctx context.Context) (Reading, error) {
	if d.closer != nil {
		stop := context.AfterFunc(ctx, func() { _ = d.Close() })
		defer stop()
	}
	for {
		if err := ctx.Err(); err != nil {
			return Reading{}, err
		}
		line, err := d.reader.ReadString('\n')
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Reading{}, ctxErr
		}
		line = strings.TrimSpace(line)
		if line != "" && strings.HasPrefix(line, energinoTag) {
			return d.parse(line)
		}
		if err != nil {
			return Reading{}, err
		}
	}
}

func (d *DeviceMeter) parse(line string) (Reading, error) {
	fields := strings.Split(line, ",")
	if d.variant == VariantUnknown {
		d.variant = detectVariant(len(fields))
		if d.variant == VariantUnknown {
			return Reading{}, fmt.Errorf("%w: %d fields in %q", ErrUnknownVariant, len(fields), line)
		}
	}
	if len(fields) != d.variant.fields() {
		return Reading{}, fmt.Errorf("%w: %s expects %d fields, got %q", ErrMalformedSample, d.variant, d.variant.fields(), line)
	}
	values := make([]float64, 0, 3)
	for _, raw := range fields[2:5] {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: %q", ErrMalformedSample, line)
		}
		values = append(values, v)
	}
	r := Reading{
		At:      d.now(),
		Voltage: values[0],
		Current: values[1],
		Power:   values[2],
		Source:  SourceDevice,
	}
	if d.variant == VariantV1 {
		window, err1 := strconv.Atoi(strings.TrimSpace(fields[6]))
		samples, err2 := strconv.Atoi(strings.TrimSpace(fields[7]))
		if err1 != nil || err2 != nil {
			return Reading{}, fmt.Errorf("%w: %q", ErrMalformedSample, line)
		}
		r.Window = window
		r.Samples = samples
	}
	return r, nil
}

// DualMeter pairs a device reading with the virtual estimate for the same
// interval, so the model error can be observed live.
type DualMeter struct {
	Device  Meter
	Virtual Meter
}

func (m *DualMeter) Fetch(ctx context.Context) (Reading, error) {
	r, err := m.Device.Fetch(ctx)
	if err != nil {
		return Reading{}, err
	}
	v, err := m.Virtual.Fetch(ctx)
	if err != nil {
		return Reading{}, err
	}
	r.Virtual = v.Power
	r.Source = SourceDual
	return r, nil
}
