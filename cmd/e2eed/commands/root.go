package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"e2eed/internal/app"
	"e2eed/internal/config"
)

const (
	envPassphrase       = "E2EED_PASSPHRASE"
	envExportPassphrase = "E2EED_EXPORT_PASSPHRASE"
)

// globals holds the persistent flags and the loaded config.
type globals struct {
	configPath string
	passphrase string
	cfg        *config.Config
	lines      *bufio.Reader
}

func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree with fresh flag state.
func NewRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "e2eed",
		Short:         "End-to-end encryption key server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["config"] == "none" {
				return nil
			}
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			g.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "e2eed.toml", "config file")
	root.PersistentFlags().StringVarP(&g.passphrase, "passphrase", "p", "", "passphrase of the local account (or "+envPassphrase+")")

	root.AddCommand(
		initConfigCmd(g),
		migrateCmd(g),
		serveCmd(g),
		sweepCmd(g),
		tokenCmd(g),
		initCmd(g),
		fingerprintCmd(g),
		publishCmd(g),
		exportKeysCmd(g),
		importKeysCmd(g),
	)
	return root
}

// accountPassphrase resolves the account passphrase from the flag, the
// environment or a terminal prompt.
func (g *globals) accountPassphrase(cmd *cobra.Command) (string, error) {
	return g.secret(cmd, g.passphrase, envPassphrase, "Account passphrase: ")
}

func (g *globals) secret(cmd *cobra.Command, flagValue, env, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(b), nil
	}
	// Not a terminal: take one line from stdin.
	if g.lines == nil {
		g.lines = bufio.NewReader(in)
	}
	line, err := g.lines.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	if line = strings.TrimRight(line, "\r\n"); line == "" {
		return "", fmt.Errorf("passphrase required (-p or %s)", env)
	}
	return line, nil
}

// wire builds the dependency graph; the account is unlocked when
// withAccount is set.
func (g *globals) wire(cmd *cobra.Command, withAccount bool) (*app.Wire, error) {
	opts := app.Options{LogOutput: cmd.ErrOrStderr()}
	if withAccount {
		pass, err := g.accountPassphrase(cmd)
		if err != nil {
			return nil, err
		}
		opts.Passphrase = pass
	}
	return app.NewWire(g.cfg, opts)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
