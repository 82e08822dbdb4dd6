package permission

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

type staticAuthorizer struct {
	status Status
}

// NewStaticAuthorizer answers every request with the same status from a
// separate goroutine, like a platform permission dialog would.
func NewStaticAuthorizer(status Status) Authorizer {
	return &staticAuthorizer{status: status}
}

func (a *staticAuthorizer) RequestAuthorization(callback func(Status)) {
	go callback(a.status)
}

type promptAuthorizer struct {
	in  io.Reader
	out io.Writer
}

// NewPromptAuthorizer asks the operator on a terminal. Anything other than an
// explicit yes is a denial; end of input is a restriction.
func NewPromptAuthorizer(in io.Reader, out io.Writer) Authorizer {
	return &promptAuthorizer{in: in, out: out}
}

func (a *promptAuthorizer) RequestAuthorization(callback func(Status)) {
	go func() {
		fmt.Fprint(a.out, "Allow microphone access for speech recognition? [y/N] ")
		line, err := bufio.NewReader(a.in).ReadString('\n')
		if err != nil && line == "" {
			callback(Restricted)
			return
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			callback(Authorized)
		default:
			callback(Denied)
		}
	}()
}

// FromMode maps a configured permission mode to an Authorizer.
func FromMode(mode string, in io.Reader, out io.Writer) (Authorizer, error) {
	switch mode {
	case "grant":
		return NewStaticAuthorizer(Authorized), nil
	case "deny":
		return NewStaticAuthorizer(Denied), nil
	case "restrict":
		return NewStaticAuthorizer(Restricted), nil
	case "prompt":
		return NewPromptAuthorizer(in, out), nil
	default:
		return nil, fmt.Errorf("unknown permission mode %q", mode)
	}
}
