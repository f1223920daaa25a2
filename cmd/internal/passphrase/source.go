package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// DefaultEnv names the variable consulted before prompting.
const DefaultEnv = "MANNA_KEYSTORE_PASS"

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first successful
// retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar  string
	confirm bool
	prompt  string

	lookupEnv func(string) (string, bool)
	readPass  func() ([]byte, bool, error)
	stderr    io.Writer

	once  sync.Once
	value string
	err   error
}

// Option configures a Source.
type Option func(*Source)

// WithConfirmation asks for the passphrase twice when prompting. Used when a
// new keystore is created.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// WithPrompt overrides the terminal prompt.
func WithPrompt(prompt string) Option {
	return func(s *Source) {
		if strings.TrimSpace(prompt) != "" {
			s.prompt = prompt
		}
	}
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{
		envVar:    strings.TrimSpace(envVar),
		prompt:    "Enter keystore passphrase: ",
		lookupEnv: os.LookupEnv,
		readPass:  readTerminal,
		stderr:    os.Stderr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func readTerminal() ([]byte, bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, false, nil
	}
	b, err := term.ReadPassword(fd)
	return b, true, err
}

// Get returns the cached passphrase or resolves it if this is the first call.
// When the environment variable is set the exact value is used; otherwise the
// operator is prompted on stderr. Whitespace-only passphrases are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve()
	})
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	first, err := s.ask(s.prompt)
	if err != nil {
		return "", err
	}
	if s.confirm {
		second, err := s.ask("Repeat passphrase: ")
		if err != nil {
			return "", err
		}
		if second != first {
			return "", errors.New("passphrases do not match")
		}
	}
	return first, nil
}

func (s *Source) ask(prompt string) (string, error) {
	fmt.Fprint(s.stderr, prompt)
	raw, interactive, err := s.readPass()
	fmt.Fprintln(s.stderr)
	if !interactive {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	passphrase := string(raw)
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return passphrase, nil
}
