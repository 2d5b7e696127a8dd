package authn

import (
	"context"
	"io"
	"os/exec"
	"time"

	"github.com/docker/docker-credential-helpers/client"
	"github.com/docker/docker-credential-helpers/credentials"
)

// helperTimeout bounds how long a credential-helper subprocess may run
// before it's killed, per spec.md §5's "credential-helper subprocess 10s
// timeout".
const helperTimeout = 10 * time.Second

// timeoutProgram implements client.Program (Output/Input) over
// exec.CommandContext instead of the library's own exec.Command, the same
// context-cancellable-subprocess shape internal/compiler uses for the
// compiler invocation, applied here to a different subprocess.
type timeoutProgram struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func newTimeoutProgramFunc(name string) client.ProgramFunc {
	return func(args ...string) client.Program {
		ctx, cancel := context.WithTimeout(context.Background(), helperTimeout)
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Cancel = func() error { return cmd.Process.Kill() }
		return &timeoutProgram{cmd: cmd, cancel: cancel}
	}
}

func (p *timeoutProgram) Output() ([]byte, error) {
	defer p.cancel()
	return p.cmd.Output()
}

func (p *timeoutProgram) Input(in io.Reader) { p.cmd.Stdin = in }

// resolveHelper invokes "docker-credential-<name> get" for the given
// registry host, the same subprocess protocol docker's own credential
// helpers implement. A "not found" response is not an error here: it means
// try the next credential source, per spec.md §4.5. Any other failure
// (helper missing, malformed output, or timeout) is also treated as "no
// credential", since a registry that needs no auth must still work when a
// helper is merely misconfigured or hung for it.
func resolveHelper(name, registry string) (Authenticator, error) {
	return credentialsFromProgram(newTimeoutProgramFunc("docker-credential-"+name), registry)
}

// credentialsFromProgram holds the result-parsing logic separately from
// program construction so tests can inject a fake client.ProgramFunc, the
// same seam moby-moby's nativeStore.programFunc field gives its own tests.
func credentialsFromProgram(program client.ProgramFunc, registry string) (Authenticator, error) {
	username, secret, err := client.Get(program, registry)
	if err != nil {
		if credentials.IsErrCredentialsNotFound(err) {
			return nil, nil
		}
		return nil, nil
	}

	if username == "" && secret == "" {
		return nil, nil
	}
	// Some helpers return the identity token as the "secret" half of a
	// username-less pair (e.g. ACR's refresh-token flow).
	if username == "" || username == "<token>" {
		return &Bearer{Token: secret}, nil
	}
	return &Basic{Username: username, Password: secret}, nil
}
