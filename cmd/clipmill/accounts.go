package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cwygoda/clipmill/internal/account"
	"github.com/cwygoda/clipmill/internal/domain"
)

func accountsCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage generation accounts",
	}
	cmd.AddCommand(accountsAddCmd(g), accountsListCmd(g), accountsResetCmd(g), accountsClearCmd(g))
	return cmd
}

func accountsAddCmd(g *globalFlags) *cobra.Command {
	var acct domain.Account
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, repo, err := g.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			if acct.Platform == "" {
				acct.Platform = cfg.Pipeline.Platform
			}
			if err := repo.Accounts().Create(cmd.Context(), &acct); err != nil {
				return fmt.Errorf("create account: %w", err)
			}
			fmt.Println(acct.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&acct.Platform, "platform", "", "platform (defaults to the configured platform)")
	cmd.Flags().StringVar(&acct.Email, "email", "", "login email")
	cmd.Flags().StringVar(&acct.Secret, "secret", "", "login secret")
	cmd.Flags().StringVar(&acct.Proxy, "proxy", "", "proxy url")
	cmd.MarkFlagRequired("email")
	return cmd
}

func accountsListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, repo, err := g.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			accts, err := repo.Accounts().List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list accounts: %w", err)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPLATFORM\tEMAIL\tSTATUS\tCREDITS\tLAST USED")
			for _, a := range accts {
				last := "-"
				if a.LastUsedAt != nil {
					last = a.LastUsedAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", a.ID, a.Platform, a.Email, a.Status, a.CreditsRemaining, last)
			}
			return tw.Flush()
		},
	}
}

func accountsResetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-cooldown",
		Short: "Return quota exhausted accounts past the cooldown to live",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, repo, err := g.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			n, err := account.NewPool(repo.Accounts(), log).ResetCooldownAccounts(cmd.Context(), cfg.Monitor.Cooldown)
			if err != nil {
				return err
			}
			fmt.Printf("reset %d accounts\n", n)
			return nil
		},
	}
}

func accountsClearCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-checkpoint <id>",
		Short: "Return an account held for verification to live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[0], &id); err != nil {
				return fmt.Errorf("invalid account id %q", args[0])
			}
			_, log, repo, err := g.open()
			if err != nil {
				return err
			}
			defer repo.Close()

			return account.NewPool(repo.Accounts(), log).ClearCheckpoint(cmd.Context(), id)
		},
	}
}
