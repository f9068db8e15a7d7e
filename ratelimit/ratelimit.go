// Package ratelimit provides process-wide, adjustable bandwidth limits that
// can be applied to any io.Reader/io.Writer, used here to throttle the rate
// at which each DownloadJob response body is consumed. Every wrapped reader
// or writer is throttled to the limit on its own; the rate summed across
// concurrent wrappers is not capped.
package ratelimit

import (
	"io"
	"sync"
	"time"
)

var (
	mu         sync.Mutex
	readBPS    int64
	writeBPS   int64
	packetSize = uint64(64 << 10) // 64 KiB
)

// SetLimits sets the process-wide read and write bandwidth caps, in bytes
// per second, and the packet size each capped Read/Write call is chunked
// into. A limit of zero or less means unlimited.
func SetLimits(readBytesPerSecond, writeBytesPerSecond int64, pktSize uint64) {
	mu.Lock()
	defer mu.Unlock()
	readBPS = readBytesPerSecond
	writeBPS = writeBytesPerSecond
	if pktSize > 0 {
		packetSize = pktSize
	}
}

// limits returns the currently configured limits.
func limits() (int64, int64, uint64) {
	mu.Lock()
	defer mu.Unlock()
	return readBPS, writeBPS, packetSize
}

// RLReadWriter wraps an io.ReadWriter, throttling Read and Write calls to
// the process-wide limits in effect at the time of the call.
type RLReadWriter struct {
	rw io.ReadWriter
}

// NewRLReadWriter wraps rw in bandwidth throttling.
func NewRLReadWriter(rw io.ReadWriter) *RLReadWriter {
	return &RLReadWriter{rw: rw}
}

// Read implements io.Reader, throttled to the configured read limit.
func (r *RLReadWriter) Read(p []byte) (int, error) {
	bps, _, pkt := limits()
	return throttledIO(bps, pkt, len(p), func(chunk []byte) (int, error) {
		return r.rw.Read(chunk)
	}, p)
}

// Write implements io.Writer, throttled to the configured write limit.
func (r *RLReadWriter) Write(p []byte) (int, error) {
	_, bps, pkt := limits()
	return throttledIO(bps, pkt, len(p), func(chunk []byte) (int, error) {
		return r.rw.Write(chunk)
	}, p)
}

// RLReader wraps a read-only io.Reader, throttling Read calls. It is the
// form fetchjob uses to cap an HTTP response body's consumption rate without
// needing a writable counterpart.
type RLReader struct {
	r io.Reader
}

// NewRLReader wraps r in read bandwidth throttling.
func NewRLReader(r io.Reader) *RLReader {
	return &RLReader{r: r}
}

// Read implements io.Reader, throttled to the configured read limit.
func (r *RLReader) Read(p []byte) (int, error) {
	bps, _, pkt := limits()
	return throttledIO(bps, pkt, len(p), func(chunk []byte) (int, error) {
		return r.r.Read(chunk)
	}, p)
}

// throttledIO drives op over p in packetSize-sized slices, sleeping between
// slices so that this call's own rate does not exceed bps. bps <= 0 disables
// throttling entirely and op is invoked once over the whole buffer.
func throttledIO(bps int64, packetSize uint64, total int, op func([]byte) (int, error), p []byte) (int, error) {
	if bps <= 0 || packetSize == 0 {
		return op(p)
	}

	var written int
	for written < total {
		end := written + int(packetSize)
		if end > total {
			end = total
		}
		requested := end - written

		start := time.Now()
		n, err := op(p[written:end])
		written += n

		elapsed := time.Since(start)
		want := time.Duration(float64(n) / float64(bps) * float64(time.Second))
		if want > elapsed {
			time.Sleep(want - elapsed)
		}
		if err != nil {
			return written, err
		}
		if n < requested {
			// Short read/write (e.g. end of stream): stop instead of looping
			// forever waiting for more bytes that op already said aren't
			// coming this call.
			break
		}
	}
	return written, nil
}
