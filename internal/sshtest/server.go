// Package sshtest is an equivalent of net/http/httptest for SSH servers.
package sshtest

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"sync"

	"github.com/gliderlabs/ssh"
)

// Server is a local SSH server for tests. Without auth handlers it accepts
// any client.
type Server struct {
	handler  func(ssh.Session)
	server   *ssh.Server
	Listener net.Listener
	wg       sync.WaitGroup

	// PasswordHandler enables password authentication when set before Start.
	PasswordHandler ssh.PasswordHandler
}

// NewUnstartedServer returns a server that runs handler for every session.
func NewUnstartedServer(handler func(ssh.Session)) *Server {
	return &Server{handler: handler}
}

// NewServer starts a server that runs handler for every session.
func NewServer(handler func(ssh.Session)) *Server {
	s := NewUnstartedServer(handler)
	s.Start()
	return s
}

func (ts *Server) Start() {
	if ts.server != nil {
		panic("already started")
	}
	if ts.Listener == nil {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			panic("cannot listen: " + err.Error())
		}
		ts.Listener = listener
	}
	ts.server = &ssh.Server{
		Addr:            ts.Listener.Addr().String(),
		Handler:         ts.handler,
		PasswordHandler: ts.PasswordHandler,
	}
	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		err := ts.server.Serve(ts.Listener)
		if err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			panic("server error: " + err.Error())
		}
	}()
}

func (ts *Server) AddrPort() netip.AddrPort {
	if ts.Listener == nil {
		panic("not yet started")
	}
	return netip.MustParseAddrPort(ts.Listener.Addr().String())
}

// Host returns the listen address without the port.
func (ts *Server) Host() string {
	return ts.AddrPort().Addr().String()
}

// Port returns the listen port.
func (ts *Server) Port() int {
	return int(ts.AddrPort().Port())
}

func (ts *Server) Close() {
	if ts.server == nil {
		panic("not yet started")
	}
	_ = ts.server.Close()
	_ = ts.Listener.Close()
	ts.wg.Wait()
}

// ShellHandler runs each session's command with sh -c in dir, with env
// appended to the server's environment. Stdin, stdout, stderr and the exit
// status are forwarded to the client.
func ShellHandler(dir string, env ...string) func(ssh.Session) {
	return func(s ssh.Session) {
		cmd := exec.CommandContext(s.Context(), "sh", "-c", s.RawCommand())
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), env...)
		cmd.Stdin = s
		cmd.Stdout = s
		cmd.Stderr = s.Stderr()

		code := 0
		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				_, _ = s.Stderr().Write([]byte(err.Error() + "\n"))
				code = 255
			}
		}
		_ = s.Exit(code)
	}
}

// DropHandler closes every session without sending an exit status.
func DropHandler(s ssh.Session) {
	_ = s.Close()
}

// WriteScript writes an executable shell script named name into dir.
func WriteScript(dir, name, body string) error {
	// #nosec G306 -- test fixtures must be executable
	return os.WriteFile(dir+"/"+name, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
}

// PathEnv returns a PATH entry that puts dir first.
func PathEnv(dir string) string {
	return "PATH=" + dir + string(os.PathListSeparator) + os.Getenv("PATH")
}
