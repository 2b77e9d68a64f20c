// Package shell abstracts the remote shell used for hardware probing and
// provisioning, with a real SSH implementation and an in-memory fixture
// for tests.
package shell

// Result captures one remote command's outcome.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited zero.
func (r Result) OK() bool {
	return r.ExitCode == 0
}

// Session is one open remote shell. Commands run strictly one at a time.
type Session interface {
	// Run executes cmd and returns its captured output. A non-zero exit
	// code is not an error; err is reserved for transport failures.
	Run(cmd string) (Result, error)
	Close() error
}

// Connector opens remote shell sessions.
type Connector interface {
	Connect(host string, port int, user string, auth Auth) (Session, error)
}

// Auth carries the credentials for one connection. PrivateKeyPEM takes
// precedence over Password when both are set.
type Auth struct {
	Password      string
	PrivateKeyPEM []byte
}
