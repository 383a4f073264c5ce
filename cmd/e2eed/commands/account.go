package commands

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"e2eed/internal/client"
	"e2eed/internal/domain"
	"e2eed/internal/services/account"
	"e2eed/internal/store"
)

func (g *globals) accounts() *account.Service {
	return account.New(store.NewAccountFileStore(g.cfg.Account.Dir), domain.RealClock{}, nil)
}

func initCmd(g *globals) *cobra.Command {
	var user, device string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the local device account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				user = g.cfg.Account.UserID
			}
			if device == "" {
				device = g.cfg.Account.DeviceID
			}
			if user == "" || device == "" {
				return fmt.Errorf("user and device required (--user/--device or [account] in config)")
			}
			pass, err := g.accountPassphrase(cmd)
			if err != nil {
				return err
			}
			acct, fp, err := g.accounts().Create(pass, domain.UserID(user), domain.DeviceID(device))
			if err != nil {
				return err
			}
			acct.Zero()
			fmt.Fprintf(cmd.OutOrStdout(), "Account created for %s/%s.\nFingerprint: %s\n", user, device, fp)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user ID, e.g. @alice:example.org")
	cmd.Flags().StringVar(&device, "device", "", "device ID")
	return cmd
}

func fingerprintCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			pass, err := g.accountPassphrase(cmd)
			if err != nil {
				return err
			}
			fp, err := g.accounts().Fingerprint(pass)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", fp)
			return nil
		},
	}
}

type keyUploader interface {
	Upload(ctx context.Context, user domain.UserID, device domain.DeviceID, req domain.KeyUploadRequest) (domain.KeyUploadResponse, error)
}

func publishCmd(g *globals) *cobra.Command {
	var (
		count    int
		fallback bool
		server   string
		token    string
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Generate and upload one-time keys and a fallback key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 0 {
				return fmt.Errorf("--count must not be negative")
			}
			pass, err := g.accountPassphrase(cmd)
			if err != nil {
				return err
			}
			acct, err := g.accounts().Open(pass)
			if err != nil {
				return err
			}
			defer acct.Zero()

			var up keyUploader
			if server != "" {
				if token == "" {
					return fmt.Errorf("--token is required with --server")
				}
				up = client.New(server, token, acct.UserID(), acct.DeviceID())
			} else {
				w, err := g.wire(cmd, false)
				if err != nil {
					return err
				}
				defer w.Close()
				up = w.DeviceKeys
			}

			if count > 0 {
				if err := acct.GenerateOneTimeKeys(count); err != nil {
					return err
				}
			}
			if fallback {
				if err := acct.GenerateFallbackKey(); err != nil {
					return err
				}
			}
			req, err := acct.UploadRequest()
			if err != nil {
				return err
			}
			resp, err := up.Upload(commandContext(cmd), acct.UserID(), acct.DeviceID(), req)
			if err != nil {
				return err
			}
			if err := acct.MarkPublished(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Published keys for %s/%s\n", acct.UserID(), acct.DeviceID())
			algs := make([]string, 0, len(resp.OneTimeKeyCounts))
			for alg := range resp.OneTimeKeyCounts {
				algs = append(algs, alg)
			}
			sort.Strings(algs)
			for _, alg := range algs {
				fmt.Fprintf(out, "  %s: %d\n", alg, resp.OneTimeKeyCounts[alg])
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of one-time keys to generate")
	cmd.Flags().BoolVar(&fallback, "fallback", true, "also generate a fallback key")
	cmd.Flags().StringVar(&server, "server", "", "upload to a remote server instead of the local database")
	cmd.Flags().StringVar(&token, "token", "", "access token for --server")
	return cmd
}

func exportKeysCmd(g *globals) *cobra.Command {
	var exportPass string
	cmd := &cobra.Command{
		Use:   "export-keys [name]",
		Short: "Write inbound group sessions, age-encrypted, to the archive",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := "megolm-" + time.Now().UTC().Format("20060102T150405Z") + ".age"
			if len(args) == 1 {
				name = args[0]
			}
			w, err := g.wire(cmd, true)
			if err != nil {
				return err
			}
			defer w.Close()
			pass, err := g.secret(cmd, exportPass, envExportPassphrase, "Export passphrase: ")
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			sink, err := w.Archive(ctx)
			if err != nil {
				return err
			}

			pr, pw := io.Pipe()
			exported := make(chan int, 1)
			go func() {
				n, err := w.Megolm.Export(ctx, pass, pw)
				exported <- n
				pw.CloseWithError(err)
			}()
			if err := sink.Put(ctx, name, pr); err != nil {
				pr.CloseWithError(err)
				<-exported
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d sessions to %s\n", <-exported, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&exportPass, "export-passphrase", "", "passphrase protecting the export (or "+envExportPassphrase+")")
	return cmd
}

func importKeysCmd(g *globals) *cobra.Command {
	var exportPass string
	cmd := &cobra.Command{
		Use:   "import-keys <name>",
		Short: "Read inbound group sessions from the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := g.wire(cmd, true)
			if err != nil {
				return err
			}
			defer w.Close()
			pass, err := g.secret(cmd, exportPass, envExportPassphrase, "Export passphrase: ")
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			sink, err := w.Archive(ctx)
			if err != nil {
				return err
			}

			pr, pw := io.Pipe()
			go func() {
				pw.CloseWithError(sink.Get(ctx, args[0], pw))
			}()
			n, err := w.Megolm.Import(ctx, pass, pr)
			pr.Close()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d sessions from %s\n", n, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&exportPass, "export-passphrase", "", "passphrase protecting the export (or "+envExportPassphrase+")")
	return cmd
}
