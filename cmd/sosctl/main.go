// Command sosctl manages device keys, circle files and a device's account
// trust state.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"xdao.co/sos/config"
	"xdao.co/sos/keys"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// usageError marks errors caused by how the command was invoked.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(errOut, err)
		var u usageError
		if errors.As(err, &u) {
			return 2
		}
		return 1
	}
	return 0
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	keyDir     string
	secretFile string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "sosctl",
		Short:         "Manage device keys and account trust circles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to sos.yaml (defaults apply when unset)")
	pf.StringVar(&g.keyDir, "key-dir", "", "Key store directory (default ~/.sos/keys)")
	pf.StringVar(&g.secretFile, "secret-file", "", "File holding the account secret (default $SOS_SECRET)")

	root.AddCommand(newKeyCmd(g), newCircleCmd(g), newConcordanceCmd(g), newAccountCmd(g))
	return root
}

func (g *globals) config() (*config.Config, error) {
	conf := config.Default()
	if g.configPath != "" {
		var err error
		if conf, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.keyDir != "" {
		conf.KeyDir = g.keyDir
	}
	return conf, nil
}

func (g *globals) keyStore() (*keys.KeyStore, error) {
	conf, err := g.config()
	if err != nil {
		return nil, err
	}
	return keys.CreateKeyStore(conf.KeyDir)
}

// userKey derives the account user key for circle from the account secret.
func (g *globals) userKey(circle string) (*keys.PrivateKey, error) {
	var secret []byte
	switch {
	case g.secretFile != "":
		b, err := os.ReadFile(g.secretFile)
		if err != nil {
			return nil, fmt.Errorf("read secret: %w", err)
		}
		secret = trimNewline(b)
	case os.Getenv("SOS_SECRET") != "":
		secret = []byte(os.Getenv("SOS_SECRET"))
	default:
		return nil, usagef("no account secret: set --secret-file or SOS_SECRET")
	}
	return keys.DeriveUserKey(secret, circle, keys.AlgEd25519)
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usagef("usage: %s", usage)
		}
		return nil
	}
}
