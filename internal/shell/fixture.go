package shell

import (
	"io"
	"strings"
	"sync"
)

// InputRunner is implemented by sessions that can stream data to a
// command's stdin.
type InputRunner interface {
	RunWithInput(cmd string, input io.Reader) (Result, error)
}

// Fixture is an in-memory Session keyed by command prefix. The longest
// matching prefix wins; unmatched commands exit 127. It records every
// command it receives, in order.
type Fixture struct {
	mu       sync.Mutex
	canned   map[string]Result
	Commands []string
	Inputs   map[string]string // cmd prefix -> stdin content received
	closed   bool
}

// NewFixture creates a fixture session with the given canned results.
func NewFixture(canned map[string]Result) *Fixture {
	if canned == nil {
		canned = map[string]Result{}
	}
	return &Fixture{canned: canned, Inputs: map[string]string{}}
}

// On adds or replaces a canned result for a command prefix.
func (f *Fixture) On(prefix string, res Result) *Fixture {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canned[prefix] = res
	return f
}

func (f *Fixture) Run(cmd string) (Result, error) {
	return f.RunWithInput(cmd, nil)
}

func (f *Fixture) RunWithInput(cmd string, input io.Reader) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Commands = append(f.Commands, cmd)

	prefix, res, found := "", Result{}, false
	for p, r := range f.canned {
		if strings.HasPrefix(cmd, p) && len(p) >= len(prefix) {
			prefix, res, found = p, r, true
		}
	}
	if input != nil {
		data, _ := io.ReadAll(input)
		if found {
			f.Inputs[prefix] = string(data)
		}
	}
	if !found {
		return Result{Stderr: "sh: command not found", ExitCode: 127}, nil
	}
	return res, nil
}

func (f *Fixture) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fixture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Ran reports whether any executed command starts with prefix.
func (f *Fixture) Ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Commands {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// FixtureConnector hands out a fixed set of fixture sessions, in order of
// Connect calls, and records the targets it was asked to reach.
type FixtureConnector struct {
	mu       sync.Mutex
	sessions []*Fixture
	Err      error
	Targets  []string
}

// NewFixtureConnector returns a connector that yields the given sessions.
func NewFixtureConnector(sessions ...*Fixture) *FixtureConnector {
	return &FixtureConnector{sessions: sessions}
}

func (c *FixtureConnector) Connect(host string, port int, user string, auth Auth) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Targets = append(c.Targets, host)
	if c.Err != nil {
		return nil, c.Err
	}
	if len(c.sessions) == 0 {
		return NewFixture(nil), nil
	}
	s := c.sessions[0]
	if len(c.sessions) > 1 {
		c.sessions = c.sessions[1:]
	}
	return s, nil
}
