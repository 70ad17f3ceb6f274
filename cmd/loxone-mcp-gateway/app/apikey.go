package app

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loxone-mcp/gateway/pkg/apikey"
	"github.com/loxone-mcp/gateway/pkg/db"
	"github.com/loxone-mcp/gateway/pkg/errs"
)

// newAPIKeyCmd builds the `apikey` command group from spec §6.1:
// create|rotate|revoke|list|audit, each a thin cobra command delegating
// to pkg/apikey, the same store the HTTP admin endpoints authenticate
// against.
func newAPIKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage gateway API keys",
	}

	cmd.AddCommand(newAPIKeyCreateCmd())
	cmd.AddCommand(newAPIKeyRotateCmd())
	cmd.AddCommand(newAPIKeyRevokeCmd())
	cmd.AddCommand(newAPIKeyListCmd())
	cmd.AddCommand(newAPIKeyAuditCmd())
	return cmd
}

// openStore opens the same sqlite-backed store the running gateway
// uses, so an admin CLI invocation sees and affects live key records.
func openStore() (db.DAO, error) {
	return db.New()
}

func newAPIKeyCreateCmd() *cobra.Command {
	var role, description string
	var ttl time.Duration
	var allowedIPs []string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint a new API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return errs.Wrap(errs.Config, "opening api-key store", err)
			}
			defer store.Close()

			auth := apikey.New(store)
			raw, keyID, err := auth.CreateKey(cmd.Context(), apikey.Role(role), description, ttl, allowedIPs)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "key_id: %s\nkey:    %s\n", keyID, raw)
			fmt.Fprintln(cmd.OutOrStdout(), "store this key now; it cannot be retrieved again")
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role: admin|operator|readonly|limited|monitor")
	cmd.Flags().StringVar(&description, "description", "", "free-text description")
	cmd.Flags().DurationVar(&ttl, "ttl", 90*24*time.Hour, "time until the key expires")
	cmd.Flags().StringSliceVar(&allowedIPs, "allowed-ip", nil, "restrict the key to an IP or CIDR (repeatable)")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newAPIKeyRotateCmd() *cobra.Command {
	var predecessor string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Deactivate a key and mint its replacement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return errs.Wrap(errs.Config, "opening api-key store", err)
			}
			defer store.Close()

			auth := apikey.New(store)
			raw, keyID, err := auth.RotateKey(cmd.Context(), predecessor, ttl)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "new_key_id: %s\nkey:        %s\n", keyID, raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&predecessor, "key-id", "", "key_id of the key being replaced")
	cmd.Flags().DurationVar(&ttl, "ttl", 90*24*time.Hour, "time until the new key expires")
	_ = cmd.MarkFlagRequired("key-id")
	return cmd
}

func newAPIKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Deactivate a key without deleting its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return errs.Wrap(errs.Config, "opening api-key store", err)
			}
			defer store.Close()

			return apikey.New(store).RevokeKey(cmd.Context(), args[0])
		},
	}
	return cmd
}

func newAPIKeyListCmd() *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API key records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return errs.Wrap(errs.Config, "opening api-key store", err)
			}
			defer store.Close()

			var recs []db.APIKeyRecord
			if activeOnly {
				recs, err = store.ListActiveAPIKeys(cmd.Context())
			} else {
				recs, err = store.ListAllAPIKeys(cmd.Context())
			}
			if err != nil {
				return errs.Wrap(errs.Internal, "listing api keys", err)
			}

			w := cmd.OutOrStdout()
			for _, rec := range recs {
				status := "inactive"
				if rec.Active {
					status = "active"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\texpires=%s\tusage=%d\n",
					rec.KeyID, rec.Role, status, rec.ExpiresAt.Format(time.RFC3339), rec.UsageCount)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active-only", false, "show only active keys")
	return cmd
}

func newAPIKeyAuditCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent API key validation outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return errs.Wrap(errs.Config, "opening api-key store", err)
			}
			defer store.Close()

			entries, err := store.ListRecentAudit(cmd.Context(), limit)
			if err != nil {
				return errs.Wrap(errs.Internal, "reading audit log", err)
			}

			w := cmd.OutOrStdout()
			for _, e := range entries {
				outcome := "ok"
				reason := ""
				if !e.Success {
					outcome = "denied"
					if e.ErrorReason != nil {
						reason = ": " + *e.ErrorReason
					}
				}
				keyID := "-"
				if e.KeyID != nil {
					keyID = *e.KeyID
				}
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s%s\n",
					e.OccurredAt.Format(time.RFC3339), keyID, e.Method, e.Endpoint, e.ClientIP, outcome, reason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries to show")
	return cmd
}
