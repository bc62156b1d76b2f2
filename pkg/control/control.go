// Package control carries lifecycle messages between the supervisor and a
// worker as newline-delimited JSON over a Unix socketpair.
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// EnvFD names the environment variable holding the worker's control fd
const EnvFD = "FLEET_CONTROL_FD"

// ChildFD is the descriptor the child end occupies in a worker
const ChildFD = 3

// MessageType identifies a control message
type MessageType string

const (
	// TypeOnline is sent by a worker once it accepts requests
	TypeOnline MessageType = "online"
	// TypeShutdown asks a worker to drain and exit
	TypeShutdown MessageType = "shutdown"
)

// Message is one control line
type Message struct {
	Type MessageType `json:"type"`
	PID  int         `json:"pid,omitempty"`
}

// Online builds the message a worker sends after binding its endpoint
func Online(pid int) Message {
	return Message{Type: TypeOnline, PID: pid}
}

// Shutdown builds the drain command
func Shutdown() Message {
	return Message{Type: TypeShutdown}
}

// Channel is one end of a control connection. Send is safe for concurrent
// use; Receive must be called from a single goroutine.
type Channel struct {
	conn net.Conn
	dec  *json.Decoder

	writeMu sync.Mutex
	enc     *json.Encoder

	closeOnce sync.Once
	closeErr  error
}

// NewChannel wraps an established connection
func NewChannel(conn net.Conn) *Channel {
	return &Channel{
		conn: conn,
		dec:  json.NewDecoder(bufio.NewReader(conn)),
		enc:  json.NewEncoder(conn),
	}
}

// Send writes one message
func (c *Channel) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks for the next message. It returns io.EOF once the peer is
// gone, including when the peer process died.
func (c *Channel) Receive() (Message, error) {
	var msg Message
	if err := c.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("receive: %w", err)
	}
	return msg, nil
}

// Close closes the underlying connection
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Pair creates a connected socketpair. The parent end is returned as a
// Channel; the child end is returned as a file to hand to exec.Cmd.ExtraFiles
// and must be closed by the parent once the child has started.
func Pair() (*Channel, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])

	parentFile := os.NewFile(uintptr(fds[0]), "control-parent")
	childFile := os.NewFile(uintptr(fds[1]), "control-child")

	conn, err := net.FileConn(parentFile)
	// FileConn dups the descriptor
	parentFile.Close()
	if err != nil {
		childFile.Close()
		return nil, nil, fmt.Errorf("parent control conn: %w", err)
	}
	return NewChannel(conn), childFile, nil
}

// FromEnv opens the control channel inherited from the supervisor. It
// returns nil without error when the process was started standalone.
func FromEnv() (*Channel, error) {
	raw := os.Getenv(EnvFD)
	if raw == "" {
		return nil, nil
	}
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 0 {
		return nil, fmt.Errorf("invalid %s %q", EnvFD, raw)
	}

	file := os.NewFile(uintptr(fd), "control")
	if file == nil {
		return nil, fmt.Errorf("control fd %d is not open", fd)
	}
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("control conn from fd %d: %w", fd, err)
	}
	return NewChannel(conn), nil
}
