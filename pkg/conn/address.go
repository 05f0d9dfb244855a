package conn

import (
	"fmt"
	"net/url"
	"strings"
)

// ServerAddress is a normalized server locator: either a remote URL or a
// local command line. The discrimination happens once, in
// ParseServerAddress, and is immutable afterwards.
type ServerAddress struct {
	// Remote is true when the address is an http(s) URL.
	Remote bool

	// URL is set for remote addresses.
	URL string

	// Command and Args are set for local addresses.
	Command string
	Args    []string
}

// ParseServerAddress classifies an address string. An absolute URL with
// scheme http or https selects the remote transport; anything else is
// tokenized as a command line for the stdio transport.
func ParseServerAddress(address string) (ServerAddress, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return ServerAddress{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	if u, err := url.Parse(trimmed); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if u.Host == "" {
			return ServerAddress{}, fmt.Errorf("%w: URL %q has no host", ErrInvalidAddress, trimmed)
		}
		return ServerAddress{Remote: true, URL: trimmed}, nil
	}

	fields, err := splitCommandLine(trimmed)
	if err != nil {
		return ServerAddress{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(fields) == 0 {
		return ServerAddress{}, fmt.Errorf("%w: empty command", ErrInvalidAddress)
	}

	args := fields[1:]
	if len(args) == 0 {
		args = nil
	}
	return ServerAddress{Command: fields[0], Args: args}, nil
}

// String returns the address in its original shape, suitable for logs.
func (a ServerAddress) String() string {
	if a.Remote {
		return a.URL
	}
	if len(a.Args) == 0 {
		return a.Command
	}
	return a.Command + " " + strings.Join(a.Args, " ")
}

// splitCommandLine tokenizes a command string with shell-like quoting:
// single and double quotes group words, backslash escapes the next rune
// outside single quotes. It performs no variable expansion.
func splitCommandLine(s string) ([]string, error) {
	var fields []string
	var current strings.Builder
	inField := false

	const (
		bare = iota
		singleQuoted
		doubleQuoted
	)
	state := bare
	escaped := false

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}

		switch state {
		case bare:
			switch r {
			case '\\':
				escaped = true
				inField = true
			case '\'':
				state = singleQuoted
				inField = true
			case '"':
				state = doubleQuoted
				inField = true
			case ' ', '\t':
				if inField {
					fields = append(fields, current.String())
					current.Reset()
					inField = false
				}
			default:
				current.WriteRune(r)
				inField = true
			}
		case singleQuoted:
			if r == '\'' {
				state = bare
			} else {
				current.WriteRune(r)
			}
		case doubleQuoted:
			switch r {
			case '\\':
				escaped = true
			case '"':
				state = bare
			default:
				current.WriteRune(r)
			}
		}
	}

	if escaped {
		return nil, fmt.Errorf("trailing backslash")
	}
	if state != bare {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inField {
		fields = append(fields, current.String())
	}
	return fields, nil
}
