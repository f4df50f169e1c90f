// Package tokenprompt resolves the credential branchfs embeds into the
// remote repository URL: the BRANCHFS_TOKEN environment variable if
// set, else an interactive, echo-free prompt.
package tokenprompt

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// EnvVar is the environment variable checked before prompting.
const EnvVar = "BRANCHFS_TOKEN"

// readPassword is term.ReadPassword, replaced in tests since it
// requires a real terminal file descriptor.
var readPassword = term.ReadPassword

// Resolve returns the access token to embed in the remote URL, reading
// EnvVar first and falling back to an interactive prompt on in/out
// when it is unset.
func Resolve(in *os.File, out io.Writer) (string, error) {
	if tok := os.Getenv(EnvVar); tok != "" {
		return tok, nil
	}
	return prompt(in, out)
}

func prompt(in *os.File, out io.Writer) (string, error) {
	fmt.Fprint(out, "branchfs access token: ")
	raw, err := readPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", errors.Wrap(err, "read token")
	}
	if len(raw) == 0 {
		return "", errors.New("no token provided")
	}
	return string(raw), nil
}
