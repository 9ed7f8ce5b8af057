/*Package comm provides primitives for talking to lab hardware over
TCP/IP or serial lines.

Devices speak short terminated command strings.  RemoteDevice wraps the
transport behind one mutex so a command and its reply are never
interleaved with another caller's exchange, and opens connections under
a bounded exponential backoff.

Device types open a connection around each exchange and close it after,
so an unplugged instrument recovers on the next command.  A minimal
example for a shutter that responds to "ens?" with its enable state:

	type MyShutter struct {
		rd *comm.RemoteDevice
	}

	func (ms *MyShutter) Enabled() (bool, error) {
		err := ms.rd.Open()
		if err != nil {
			return false, err
		}
		defer ms.rd.Close()
		resp, err := ms.rd.SendRecv([]byte("ens?"))
		if err != nil {
			return false, err
		}
		return string(resp) == "1", nil
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrNotOpen is generated when an exchange is attempted before Open
var ErrNotOpen = errors.New("comm: device not open")

// Sender has a Send method that passes along a byte slice
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that gets a byte slice
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and receive, and provides a method that sends
// then receives under one critical section
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Communicator can Open, Send, Recv, and Close
type Communicator interface {
	io.Closer
	SendRecver

	Open() error
}

// Terminators hold the byte appended to transmitted commands and the
// byte expected at the end of replies
type Terminators struct {
	// Tx terminates outgoing commands
	Tx byte

	// Rx terminates incoming replies
	Rx byte
}

// BackOff returns the retry policy used when connecting to hardware,
// a few seconds of exponential retreat.  Lab devices do not like being
// connection thrashed
func BackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
}

// RemoteDevice holds a connection to a piece of hardware and implements
// Communicator
type RemoteDevice struct {
	// Addr is a host:port pair for TCP devices or a device file for
	// serial ones
	Addr string

	// IsSerial selects the serial transport
	IsSerial bool

	// Timeout bounds dialing and replies on TCP connections
	Timeout time.Duration

	conn  io.ReadWriteCloser
	rdr   *bufio.Reader
	terms Terminators
	ser   *serial.Config
	mu    sync.Mutex
}

// NewRemoteDevice creates a new RemoteDevice instance.  terms and ser
// may be nil, defaulting to carriage return terminators and 9600 8N1
func NewRemoteDevice(addr string, isSerial bool, terms *Terminators, ser *serial.Config) *RemoteDevice {
	if terms == nil {
		terms = &Terminators{Tx: '\r', Rx: '\r'}
	}
	if ser == nil && isSerial {
		ser = &serial.Config{Name: addr, Baud: 9600, ReadTimeout: 3 * time.Second}
	}
	return &RemoteDevice{
		Addr:     addr,
		IsSerial: isSerial,
		Timeout:  3 * time.Second,
		terms:    *terms,
		ser:      ser}
}

// Open dials the device, retrying refused connections and timeouts
// under the BackOff policy.  Any other dial failure is permanent
func (rd *RemoteDevice) Open() error {
	op := func() error {
		conn, err := rd.dial()
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		rd.Use(conn)
		return nil
	}
	return backoff.Retry(op, BackOff())
}

func (rd *RemoteDevice) dial() (io.ReadWriteCloser, error) {
	if rd.IsSerial {
		return serial.OpenPort(rd.ser)
	}
	return net.DialTimeout("tcp", rd.Addr, rd.Timeout)
}

// retryable reports whether a dial error is worth another attempt
func retryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "refused")
}

// Use hands the device an already open transport.  It is useful with
// in-memory pipes in tests and with connections opened elsewhere
func (rd *RemoteDevice) Use(rwc io.ReadWriteCloser) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	rd.conn = rwc
	rd.rdr = bufio.NewReader(rwc)
}

// Close closes the connection.  The device may be reopened afterward
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	rd.rdr = nil
	return err
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.sendLocked(b)
}

func (rd *RemoteDevice) sendLocked(b []byte) error {
	if rd.conn == nil {
		return ErrNotOpen
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.terms.Tx)
	_, err := rd.conn.Write(buf)
	return err
}

// Recv receives data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.recvLocked()
}

func (rd *RemoteDevice) recvLocked() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotOpen
	}
	if c, ok := rd.conn.(net.Conn); ok && rd.Timeout > 0 {
		c.SetReadDeadline(time.Now().Add(rd.Timeout))
	}
	buf, err := rd.rdr.ReadBytes(rd.terms.Rx)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{rd.terms.Rx}), nil
}

// SendRecv sends a buffer after appending the Tx terminator, then
// returns the response with the Rx terminator stripped.  The exchange
// holds the lock for its full duration
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	err := rd.sendLocked(b)
	if err != nil {
		return nil, err
	}
	return rd.recvLocked()
}
