package ingress

import (
	"context"
	"net"
	"os"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu     sync.Mutex
	chunks [][]byte
	closed bool
}

func (r *recordingSink) Feed(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	r.chunks = append(r.chunks, cp)
}

func (r *recordingSink) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordingSink) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.chunks {
		n += len(c)
	}
	return n
}

func (r *recordingSink) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestFileIngressFeedsAllBytesAndCloses(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "ingress-*.bin")
	if err != nil {
		t.Fatal(err)
	}
	want := []byte("0123456789abcdef")
	if _, err := f.Write(want); err != nil {
		t.Fatal(err)
	}
	f.Close()

	ing := &FileIngress{Path: f.Name(), BufferSize: 4}
	sink := &recordingSink{}
	if err := ing.Run(context.Background(), sink); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sink.total() != len(want) {
		t.Errorf("total bytes fed = %d, want %d", sink.total(), len(want))
	}
	if !sink.isClosed() {
		t.Error("sink was never closed")
	}
}

func TestFileIngressMissingFileReturnsError(t *testing.T) {
	ing := &FileIngress{Path: "/nonexistent/path/does-not-exist.bin"}
	if err := ing.Run(context.Background(), &recordingSink{}); err == nil {
		t.Fatal("expected an error opening a missing file")
	}
}

func TestTCPIngressReadsUntilPeerCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	payload := []byte("hello tpx3")
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write(payload)
		conn.Close()
	}()

	ing := &TCPIngress{Addr: ln.Addr().String(), ExitOnDisconnect: true}
	sink := &recordingSink{}
	if err := ing.Run(context.Background(), sink); err == nil {
		t.Fatal("expected an error when the peer closes and ExitOnDisconnect is set")
	}
	if sink.total() != len(payload) {
		t.Errorf("total bytes fed = %d, want %d", sink.total(), len(payload))
	}
}

func TestTCPIngressStopPreventsReconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	ing := &TCPIngress{Addr: ln.Addr().String()}
	done := make(chan error, 1)
	go func() {
		done <- ing.Run(context.Background(), &recordingSink{})
	}()

	time.Sleep(20 * time.Millisecond)
	ing.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
