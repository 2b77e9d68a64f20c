package shell

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHConnector opens real SSH sessions with a per-connection timeout.
type SSHConnector struct {
	Timeout time.Duration
}

// NewSSHConnector returns a connector using the given dial/auth timeout.
func NewSSHConnector(timeout time.Duration) *SSHConnector {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SSHConnector{Timeout: timeout}
}

// Connect dials host:port and authenticates as user.
func (c *SSHConnector) Connect(host string, port int, user string, auth Auth) (Session, error) {
	var methods []ssh.AuthMethod
	if len(auth.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(auth.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if auth.Password != "" {
		methods = append(methods, ssh.Password(auth.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication method provided")
	}

	cfg := &ssh.ClientConfig{
		User: user,
		Auth: methods,
		// Satellites are freshly imaged devices on the local network;
		// their host keys are not known ahead of time.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         c.Timeout,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	return &sshSession{client: client, timeout: c.Timeout}, nil
}

// sshSession wraps an ssh.Client; each Run opens a fresh exec channel.
type sshSession struct {
	client  *ssh.Client
	timeout time.Duration
}

func (s *sshSession) Run(cmd string) (Result, error) {
	return s.run(cmd, nil)
}

// RunWithInput executes cmd with stdin connected to input. Used to transfer
// file contents verbatim without interpolating them into a shell string.
func (s *sshSession) RunWithInput(cmd string, input io.Reader) (Result, error) {
	return s.run(cmd, input)
}

func (s *sshSession) run(cmd string, input io.Reader) (Result, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("open ssh session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if input != nil {
		sess.Stdin = input
	}

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err = <-done:
	case <-time.After(s.timeout):
		sess.Close()
		return Result{}, fmt.Errorf("command timed out after %s", s.timeout)
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
