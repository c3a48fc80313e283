// Package ingress supplies raw chunk bytes to the frame parser from either
// a live TCP connection to a SERVAL server or a flat capture file. Both
// implementations hand bytes to a Sink as soon as they arrive and signal
// end-of-stream with Close, mirroring how dastard's DataSource decouples
// CoreLoop from the concrete source type.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
)

// Sink receives raw bytes as they arrive and is told when the stream ends.
// The frame parser's Feed/Close methods satisfy this.
type Sink interface {
	Feed(data []byte)
	Close()
}

// Ingress is the common collaborator interface for both a TCP connection
// and a flat file: push bytes as they're read, signal end-of-stream with a
// distinct Close.
type Ingress interface {
	// Run reads until EOF, connection loss, or ctx cancellation, feeding
	// every byte read to the sink in arrival order. It returns nil only on
	// a clean, deliberate end-of-stream.
	Run(ctx context.Context, sink Sink) error
}

const (
	tcpReadBufferSize  = 1 << 20 // ~1 MiB per spec.md §6
	tcpConnectBackoff  = 100 * time.Millisecond
	tcpKeepAliveIdle   = 5 * time.Second
	tcpKeepAliveProbes = 3
	tcpRcvBufWanted    = 64 << 20 // 64 MiB, kernel may clamp
)

// RunID is a process-lifetime identity, logged alongside TCPIngress's
// connect-failure and disconnect messages so multiple overlapping runs in
// the same log stream can be told apart.
var RunID = ulid.Make().String()

// SocketTuningAdvisor reports the host's configured receive-buffer
// ceiling so TCPIngress can log when its SO_RCVBUF request was clamped by
// the kernel rather than silently accepting a smaller buffer.
type SocketTuningAdvisor struct{}

// MaxRcvBuf returns net.core.rmem_max, or an error if it cannot be read
// (e.g. non-Linux host, missing /proc/sys).
func (SocketTuningAdvisor) MaxRcvBuf() (int, error) {
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return 0, fmt.Errorf("reading net.core.rmem_max: %w", err)
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return 0, fmt.Errorf("parsing net.core.rmem_max %q: %w", val, err)
	}
	return n, nil
}

// TCPIngress dials host:port and streams bytes to a Sink, reconnecting
// with a fixed backoff unless ExitOnDisconnect is set. Stop sets an atomic
// shutdown flag observed by the connect loop and by every blocking read,
// exactly as spec.md §9's re-architecture of raw collaborator-handle
// pointers used from a signal handler.
type TCPIngress struct {
	Addr             string
	ExitOnDisconnect bool
	Advisor          SocketTuningAdvisor

	stopped atomic.Bool

	// Reconnects counts reconnect attempts: every retry after a failed dial
	// or a lost connection, whether or not the new dial succeeds.
	Reconnects atomic.Uint64
}

var _ Ingress = (*TCPIngress)(nil)

// Stop requests a graceful shutdown; in-flight reads notice it on their
// next loop iteration.
func (t *TCPIngress) Stop() {
	t.stopped.Store(true)
}

// Run implements Ingress. It dials Addr, tunes the socket, and reads until
// the connection is lost or ctx is cancelled. On connection loss it
// reconnects after a 100ms backoff unless ExitOnDisconnect is set or Stop
// was called. Stop and ctx cancellation are the only paths that make Run
// return nil.
func (t *TCPIngress) Run(ctx context.Context, sink Sink) error {
	defer sink.Close()

	first := true
	for {
		if t.stopped.Load() {
			return nil
		}
		if !first {
			t.Reconnects.Add(1)
			select {
			case <-time.After(tcpConnectBackoff):
			case <-ctx.Done():
				return nil
			}
		}
		first = false

		conn, err := t.dial(ctx)
		if err != nil {
			if t.ExitOnDisconnect {
				return fmt.Errorf("connecting to %s: %w", t.Addr, err)
			}
			log.Printf("[TCP] run=%s connect to %s failed: %v; retrying", RunID, t.Addr, err)
			continue
		}

		err = t.readLoop(ctx, conn, sink)
		conn.Close()
		if err == nil {
			return nil
		}
		if t.ExitOnDisconnect {
			return err
		}
		log.Printf("[TCP] run=%s connection lost (correlation=%s): %v; reconnecting", RunID, uuid.NewString(), err)
	}
}

func (t *TCPIngress) dial(ctx context.Context) (*net.TCPConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}
	if err := tc.SetNoDelay(true); err != nil {
		log.Printf("[TCP] SetNoDelay failed: %v", err)
	}
	if err := tc.SetKeepAlive(true); err != nil {
		log.Printf("[TCP] SetKeepAlive failed: %v", err)
	}
	if err := tc.SetKeepAlivePeriod(tcpKeepAliveIdle); err != nil {
		log.Printf("[TCP] SetKeepAlivePeriod failed: %v", err)
	}
	if err := tc.SetReadBuffer(tcpRcvBufWanted); err != nil {
		log.Printf("[TCP] SetReadBuffer(%d) failed: %v", tcpRcvBufWanted, err)
	}
	if max, err := t.Advisor.MaxRcvBuf(); err == nil && max < tcpRcvBufWanted {
		log.Printf("[TCP] net.core.rmem_max=%d is below the requested %d; kernel will clamp", max, tcpRcvBufWanted)
	}
	return tc, nil
}

func (t *TCPIngress) readLoop(ctx context.Context, conn *net.TCPConn, sink Sink) error {
	buf := make([]byte, tcpReadBufferSize)
	for {
		if t.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			sink.Feed(buf[:n])
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("connection closed by peer")
			}
			return err
		}
	}
}

// FileIngress reads a flat capture file in large buffered chunks. A
// trailing partial word is fed to the sink like any other bytes;
// FileIngress itself does not count or drop it (the frame parser's Close
// counts it as dropped-incomplete).
type FileIngress struct {
	Path       string
	BufferSize int // defaults to 1 MiB if zero
}

var _ Ingress = (*FileIngress)(nil)

// Run implements Ingress. It returns nil on reaching end-of-file, or a
// non-nil error if the file cannot be opened or a read fails outright.
func (f *FileIngress) Run(ctx context.Context, sink Sink) error {
	file, err := os.Open(f.Path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Path, err)
	}
	defer file.Close()
	defer sink.Close()

	size := f.BufferSize
	if size <= 0 {
		size = 1 << 20
	}
	buf := make([]byte, size)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := file.Read(buf)
		if n > 0 {
			sink.Feed(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", f.Path, err)
		}
	}
}
