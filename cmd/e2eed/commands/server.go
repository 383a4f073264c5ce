package commands

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"e2eed/internal/api"
	"e2eed/internal/app"
	"e2eed/internal/config"
	"e2eed/internal/crypto"
	"e2eed/internal/domain"
	"e2eed/internal/store/sqlite"
	"e2eed/internal/store/sqlite/migrations"
)

func initConfigCmd(g *globals) *cobra.Command {
	var dbPath, accountDir string
	cmd := &cobra.Command{
		Use:         "init-config",
		Short:       "Write a config file with a fresh pickle key and JWT secret",
		Annotations: map[string]string{"config": "none"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			pickle, err := crypto.RandomBytes(32)
			if err != nil {
				return err
			}
			secret, err := crypto.RandomBytes(32)
			if err != nil {
				return err
			}
			cfg.Crypto.PickleKey = hex.EncodeToString(pickle)
			cfg.Auth.JWTSecret = hex.EncodeToString(secret)
			cfg.Database.Path = dbPath
			cfg.Account.Dir = accountDir
			if err := config.Init(g.configPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", g.configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "database", "e2eed.db", "sqlite database path")
	cmd.Flags().StringVar(&accountDir, "account-dir", "account", "directory of the local account file")
	return cmd
}

func migrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply, revert or inspect the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			conn, err := sqlite.OpenConnection(g.cfg.Database.Path)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			switch action {
			case "up":
				if err := migrations.Up(conn); err != nil {
					return err
				}
			case "down":
				if err := migrations.Down(conn); err != nil {
					return err
				}
			}
			st, err := migrations.ReadStatus(conn)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "schema version %d of %d", st.Current, st.Latest)
			if st.Dirty {
				fmt.Fprint(out, " (dirty)")
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	return cmd
}

func serveCmd(g *globals) *cobra.Command {
	var withAccount bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.Options{LogOutput: cmd.ErrOrStderr()}
			if withAccount {
				pass, err := g.accountPassphrase(cmd)
				if err != nil {
					return err
				}
				opts.Passphrase = pass
			}

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, g.cfg, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&withAccount, "with-account", false, "unlock the local account so key requests can be fulfilled")
	return cmd
}

func sweepCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired and long-fulfilled key requests once",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := g.wire(cmd, false)
			if err != nil {
				return err
			}
			defer w.Close()

			ctx := commandContext(cmd)
			if err := w.KeyRequests.LoadPending(ctx); err != nil {
				return err
			}
			fulfilled, expired, err := w.KeyRequests.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d fulfilled and %d expired key requests\n", fulfilled, expired)
			return nil
		},
	}
}

func tokenCmd(g *globals) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user_id> <device_id>",
		Short: "Issue an access token for a user's device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jwt := api.NewJWTConfig(g.cfg.Auth.JWTSecret)
			jwt.Expiration = ttl
			tok, err := jwt.GenerateToken(domain.UserID(args[0]), domain.DeviceID(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
