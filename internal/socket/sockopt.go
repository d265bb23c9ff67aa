//go:build linux
// +build linux

// File: internal/socket/sockopt.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Descriptor creation: listen, accept4, non-blocking connect and dup for
// the protocol switch.

package socket

import (
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mux/api"
)

const listenBacklog = 1024

// Listen creates a non-blocking listening descriptor for tcp, tcp4, tcp6 or unix.
func Listen(network, addr string, opts Options) (int, net.Addr, error) {
	sa, domain, err := resolve(network, addr)
	if err != nil {
		return -1, nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, nil, fmt.Errorf("socket create: %w", err)
	}
	if domain != unix.AF_UNIX {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if domain == unix.AF_INET6 && network == "tcp6" {
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
		}
	} else if ua, ok := sa.(*unix.SockaddrUnix); ok {
		_ = os.Remove(ua.Name)
	}
	// Accepted sockets inherit the buffer sizes of the listener.
	applyBufferSizes(fd, opts)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("getsockname: %w", err)
	}
	return fd, toAddr(local), nil
}

// Accept takes one pending connection off listenFD. It returns
// api.ErrWouldBlock when the backlog is empty.
func Accept(listenFD int, opts Options) (*Socket, error) {
	for {
		nfd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
				return nil, api.ErrWouldBlock
			}
			return nil, fmt.Errorf("accept4: %w", err)
		}
		s := newSocket(nfd, toAddr(sa), Connected)
		s.applyOptions(opts)
		return s, nil
	}
}

// Dial starts a non-blocking connect. The socket is Connected when the
// kernel finished immediately and Connecting otherwise.
func Dial(network, addr string, opts Options) (*Socket, error) {
	sa, domain, err := resolve(network, addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	state := Connected
	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	switch err {
	case nil:
	case unix.EINPROGRESS:
		state = Connecting
	default:
		unix.Close(fd)
		return nil, classify("connect", err)
	}
	s := newSocket(fd, toAddr(sa), state)
	s.connectStarted = time.Now()
	s.applyOptions(opts)
	return s, nil
}

// ConnectResult returns the outcome of a non-blocking connect once the
// socket became writable.
func (s *Socket) ConnectResult() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return classify("connect", err)
	}
	if v != 0 {
		return classify("connect", unix.Errno(v))
	}
	return nil
}

// Dup returns a new Socket on a duplicate descriptor of the same connection.
// Pending output and unconsumed input move to the copy; the original can
// then be closed without affecting the connection.
func (s *Socket) Dup() (*Socket, error) {
	nfd, err := unix.FcntlInt(uintptr(s.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup: %w", err)
	}
	d := newSocket(nfd, s.peer, s.State())
	d.sendSize, d.recvSize = s.sendSize, s.recvSize
	d.bytesIn, d.bytesOut = s.bytesIn, s.bytesOut
	s.TakeQueue(d)
	return d, nil
}

func (s *Socket) applyOptions(opts Options) {
	if opts.NoDelay {
		if _, ok := s.peer.(*net.TCPAddr); ok {
			_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}
	}
	applyBufferSizes(s.fd, opts)
	if v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_SNDBUF); err == nil && v > 0 {
		s.sendSize = v
	}
	if v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF); err == nil && v > 0 {
		s.recvSize = v
	}
}

func applyBufferSizes(fd int, opts Options) {
	if opts.SendBufferSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBufferSize)
	}
	if opts.RecvBufferSize > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBufferSize)
	}
}

// resolve turns a network address into a raw sockaddr.
func resolve(network, addr string) (unix.Sockaddr, int, error) {
	switch network {
	case "unix":
		return &unix.SockaddrUnix{Name: addr}, unix.AF_UNIX, nil
	case "tcp", "tcp4", "tcp6":
		ta, err := net.ResolveTCPAddr(network, addr)
		if err != nil {
			return nil, 0, fmt.Errorf("resolve %s: %w", addr, err)
		}
		if ip4 := ta.IP.To4(); network != "tcp6" && (ip4 != nil || ta.IP == nil) {
			sa := &unix.SockaddrInet4{Port: ta.Port}
			if ip4 != nil {
				copy(sa.Addr[:], ip4)
			}
			return sa, unix.AF_INET, nil
		}
		sa := &unix.SockaddrInet6{Port: ta.Port}
		copy(sa.Addr[:], ta.IP.To16())
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("%w: network %q", api.ErrNotSupported, network)
}

func toAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: a.Name, Net: "unix"}
	}
	return nil
}
