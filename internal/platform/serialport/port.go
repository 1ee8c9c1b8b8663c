// Package serialport adapts a serial line to the buffered, line-oriented
// view the dispenser protocol needs: a count of bytes waiting, line reads
// with a per-line timeout, and raw writes.
//
// A pump goroutine moves bytes from the device into an in-memory buffer.
// Buffered reports what the pump has collected so far; it never blocks.
package serialport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	bugst "go.bug.st/serial"
)

// ErrClosed is returned by reads on a closed port.
var ErrClosed = errors.New("serial port closed")

// pumpTimeout bounds each blocking read of the pump so Close is prompt.
const pumpTimeout = 50 * time.Millisecond

// Config addresses a serial device. The line format is fixed at 8N1.
type Config struct {
	Address     string
	BaudRate    int
	ReadTimeout time.Duration
}

// Port is a buffered serial connection. Write and ReadLine may be called
// from different goroutines; ReadLine must not be called concurrently with
// itself.
type Port struct {
	rw          io.ReadWriteCloser
	address     string
	lineTimeout time.Duration

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error

	signal    chan struct{}
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// Open opens the serial device at cfg.Address.
func Open(cfg Config) (*Port, error) {
	raw, err := bugst.Open(cfg.Address, &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Address, err)
	}
	if err := raw.SetReadTimeout(pumpTimeout); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Address, err)
	}
	return newPort(raw, cfg.Address, cfg.ReadTimeout), nil
}

func newPort(rw io.ReadWriteCloser, address string, lineTimeout time.Duration) *Port {
	if lineTimeout <= 0 {
		lineTimeout = time.Second
	}
	p := &Port{
		rw:          rw,
		address:     address,
		lineTimeout: lineTimeout,
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
	}
	go p.pump()
	return p
}

func (p *Port) pump() {
	defer close(p.pumpDone)
	chunk := make([]byte, 256)
	for {
		n, err := p.rw.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.buf.Write(chunk[:n])
			p.mu.Unlock()
			p.notify()
		}
		if err != nil {
			p.mu.Lock()
			p.readErr = err
			p.mu.Unlock()
			p.notify()
			return
		}
		select {
		case <-p.done:
			return
		default:
		}
	}
}

func (p *Port) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Address returns the device path the port was opened on.
func (p *Port) Address() string { return p.address }

// Buffered returns the number of received bytes not yet consumed.
func (p *Port) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Len()
}

// Write sends b to the device.
func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, ErrClosed
	default:
	}
	return p.rw.Write(b)
}

// ReadLine returns the next newline-terminated line, including the newline.
// If no newline arrives within the line timeout, whatever has been received
// is returned as a partial line.
func (p *Port) ReadLine() ([]byte, error) {
	timer := time.NewTimer(p.lineTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if i := bytes.IndexByte(p.buf.Bytes(), '\n'); i >= 0 {
			line := make([]byte, i+1)
			_, _ = p.buf.Read(line)
			p.mu.Unlock()
			return line, nil
		}
		if p.readErr != nil {
			line, err := p.takeLocked(), p.readErr
			p.mu.Unlock()
			if len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		p.mu.Unlock()

		select {
		case <-p.signal:
		case <-timer.C:
			p.mu.Lock()
			line := p.takeLocked()
			p.mu.Unlock()
			return line, nil
		case <-p.done:
			return nil, ErrClosed
		}
	}
}

func (p *Port) takeLocked() []byte {
	if p.buf.Len() == 0 {
		return nil
	}
	line := make([]byte, p.buf.Len())
	copy(line, p.buf.Bytes())
	p.buf.Reset()
	return line
}

// Discard drops pending input, on the device side where supported and in
// the local buffer, and returns the bytes that had been collected locally.
func (p *Port) Discard() ([]byte, error) {
	var err error
	if r, ok := p.rw.(interface{ ResetInputBuffer() error }); ok {
		err = r.ResetInputBuffer()
	}
	p.mu.Lock()
	stale := p.takeLocked()
	p.mu.Unlock()
	return stale, err
}

// Close stops the pump and closes the device.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.rw.Close()
		<-p.pumpDone
	})
	return err
}

// ListPorts returns the serial devices visible to the host.
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
