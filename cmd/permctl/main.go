// Command permctl manages the permission records the gateway consults and
// prints recent run history.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/chatops-gateway/internal/permission"
	"github.com/tjfontaine/chatops-gateway/internal/pkg/config"
	"github.com/tjfontaine/chatops-gateway/internal/storage"
	"github.com/tjfontaine/chatops-gateway/internal/storage/sqldb"
)

// backend is what the commands operate on. Runs is nil when permissions
// live outside the SQL database.
type backend struct {
	Admin permission.Admin
	Runs  storage.RunStore
	close func() error
}

type opener func(configPath string) (*backend, error)

func openBackend(configPath string) (*backend, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}

	store, err := sqldb.New(sqldb.Config{Driver: cfg.Storage.Driver, DSN: cfg.Storage.DSN})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Driver, err)
	}

	switch cfg.Permissions.Type {
	case "sql":
		return &backend{Admin: store, Runs: store, close: store.Close}, nil
	case "redis":
		rc := cfg.Permissions.Redis
		rs := permission.NewRedisStore(permission.RedisConfig{
			Addr: rc.Addr, Password: rc.Password, DB: rc.DB, KeyPrefix: rc.KeyPrefix,
		})
		return &backend{Admin: rs, Runs: store, close: func() error {
			return errors.Join(rs.Close(), store.Close())
		}}, nil
	default:
		store.Close()
		return nil, fmt.Errorf("permissions.type %q is not editable", cfg.Permissions.Type)
	}
}

func newRootCmd(open opener, out io.Writer) *cobra.Command {
	var configPath string
	var be *backend

	root := &cobra.Command{
		Use:           "permctl",
		Short:         "Manage chatops gateway permissions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			b, err := open(configPath)
			if err != nil {
				return err
			}
			be = b
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if be != nil && be.close != nil {
				return be.close()
			}
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultFile, "path to config.yaml")

	grantCmd := &cobra.Command{
		Use:   "grant [user] [action...]",
		Short: "Grant actions to a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := be.Admin.Grant(cmd.Context(), args[0], args[1:]...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s to %s\n", strings.Join(args[1:], ", "), args[0])
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke [user] [action...]",
		Short: "Revoke actions, or the whole user when none are named",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := be.Admin.Revoke(cmd.Context(), args[0], args[1:]...); err != nil {
				return err
			}
			if len(args) == 1 {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s from %s\n", strings.Join(args[1:], ", "), args[0])
			}
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show [user]",
		Short: "Show a user's permitted actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := be.Admin.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("%s: %w", args[0], permission.ErrUserNotFound)
			}
			for _, a := range p.Actions() {
				fmt.Fprintln(cmd.OutOrStdout(), a)
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List users and their actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			principals, err := be.Admin.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "USER\tACTIONS")
			for _, p := range principals {
				fmt.Fprintf(w, "%s\t%s\n", p.UserName, strings.Join(p.Actions(), ","))
			}
			return w.Flush()
		},
	}

	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if be.Runs == nil {
				return errors.New("run history is not available")
			}
			runs, err := be.Runs.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACTION\tUSER\tPHASE\tSTARTED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Action, r.UserName, r.Phase, r.StartedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	runsCmd.Flags().IntVar(&limit, "limit", storage.DefaultListLimit, "maximum runs to show")

	root.AddCommand(grantCmd, revokeCmd, showCmd, listCmd, runsCmd)
	return root
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd(openBackend, os.Stdout).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
