package fakes

import (
	"io"
	"net"
	"time"
)

// TCPConn is an in-memory net.Conn: reads drain Reader, writes land in
// Writer.
type TCPConn struct {
	LAddr net.TCPAddr
	RAddr net.TCPAddr

	Reader io.Reader
	Writer io.Writer
}

func (c *TCPConn) Read(b []byte) (n int, err error) {
	return c.Reader.Read(b)
}

func (c *TCPConn) Write(b []byte) (n int, err error) {
	return c.Writer.Write(b)
}

func (c *TCPConn) LocalAddr() net.Addr {
	return &c.LAddr
}

func (c *TCPConn) RemoteAddr() net.Addr {
	return &c.RAddr
}

func (c *TCPConn) Close() error                       { return nil }
func (c *TCPConn) SetDeadline(t time.Time) error      { return nil }
func (c *TCPConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *TCPConn) SetWriteDeadline(t time.Time) error { return nil }
