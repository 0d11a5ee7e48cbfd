package codec

import (
	"io"
	"sync/atomic"
	"time"
)

// Batcher groups decoded rows into fixed-size batches. The final partial
// batch is flushed at end of input. Per-row parse errors flow through as
// rows with Err set so the pipeline can account for them in order.
type Batcher struct {
	dec  Decoder
	size int
}

// NewBatcher wraps a decoder.
func NewBatcher(dec Decoder, size int) *Batcher {
	return &Batcher{dec: dec, size: size}
}

// Next returns the next batch, or io.EOF once the input is exhausted.
func (b *Batcher) Next() ([]Row, error) {
	batch := make([]Row, 0, b.size)
	for len(batch) < b.size {
		row, err := b.dec.Next()
		if err == io.EOF {
			if len(batch) == 0 {
				return nil, io.EOF
			}
			return batch, nil
		}
		if err != nil {
			return nil, err
		}
		batch = append(batch, row)
	}
	return batch, nil
}

// CountingReader passes reads through while tracking total bytes.
type CountingReader struct {
	r io.Reader
	n atomic.Int64
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns bytes read so far.
func (c *CountingReader) Count() int64 { return c.n.Load() }

// CountingWriter passes writes through while tracking total bytes.
type CountingWriter struct {
	w io.Writer
	n atomic.Int64
}

func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns bytes written so far.
func (c *CountingWriter) Count() int64 { return c.n.Load() }

// MeterReport is a throughput snapshot.
type MeterReport struct {
	TotalRows     int64
	RowsPerSecond float64
	ElapsedMS     int64
}

// Meter counts rows and reports throughput to a callback at a fixed
// interval; rows-per-second in interval reports covers the window since the
// previous report, while the final report averages over the whole run.
type Meter struct {
	interval time.Duration
	report   func(MeterReport)

	start    time.Time
	lastAt   time.Time
	lastRows int64
	total    int64
}

// NewMeter creates a meter; report may be nil for count-only use.
func NewMeter(interval time.Duration, report func(MeterReport)) *Meter {
	now := time.Now()
	return &Meter{interval: interval, report: report, start: now, lastAt: now}
}

// Tick records n processed rows and fires an interval report when due.
func (m *Meter) Tick(n int) {
	m.total += int64(n)
	if m.report == nil || m.interval <= 0 {
		return
	}
	now := time.Now()
	window := now.Sub(m.lastAt)
	if window < m.interval {
		return
	}
	windowRows := m.total - m.lastRows
	m.report(MeterReport{
		TotalRows:     m.total,
		RowsPerSecond: float64(windowRows) / window.Seconds(),
		ElapsedMS:     now.Sub(m.start).Milliseconds(),
	})
	m.lastAt = now
	m.lastRows = m.total
}

// Finish returns the final averaged report and delivers it to the callback.
func (m *Meter) Finish() MeterReport {
	elapsed := time.Since(m.start)
	rps := 0.0
	if elapsed > 0 {
		rps = float64(m.total) / elapsed.Seconds()
	}
	final := MeterReport{
		TotalRows:     m.total,
		RowsPerSecond: rps,
		ElapsedMS:     elapsed.Milliseconds(),
	}
	if m.report != nil {
		m.report(final)
	}
	return final
}

// Total returns rows counted so far.
func (m *Meter) Total() int64 { return m.total }
