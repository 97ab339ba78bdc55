package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-directory-sync/internal/records"
	"github.com/tbourn/go-directory-sync/internal/syncauth"
)

// SignOptions holds flags for the sign command.
type SignOptions struct {
	Op      string
	Subject string
	Body    string
	Limit   int
	Page    int
	Secret  string
}

// NewSignCommand creates the sign command.
func NewSignCommand() *cobra.Command {
	opts := &SignOptions{}

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print X-Sync-* headers for a record store request",
		Long: `Sign a record store request with SYNC_SECRET and print the headers.

Example:
  syncd sign --op delete --subject u-42
  syncd sign --op upsert --body alice.json
  syncd sign --op list --limit 100 --page 2`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Secret == "" {
				opts.Secret = os.Getenv("SYNC_SECRET")
			}
			body, err := signBody(opts)
			if err != nil {
				return err
			}
			sig, err := syncauth.Sign(body, opts.Secret)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", syncauth.HeaderTimestamp, sig.Timestamp)
			fmt.Fprintf(out, "%s: %s\n", syncauth.HeaderNonce, sig.Nonce)
			fmt.Fprintf(out, "%s: %s\n", syncauth.HeaderSignature, sig.MAC)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Op, "op", "", "operation: upsert|delete|list (required)")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject id (delete; fills user.id for upsert)")
	cmd.Flags().StringVar(&opts.Body, "body", "", `upsert request file: {"user":{...},"accounts":[...]}`)
	cmd.Flags().IntVar(&opts.Limit, "limit", records.DefaultListLimit, "list page size")
	cmd.Flags().IntVar(&opts.Page, "page", 1, "list page (1-based)")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (default $SYNC_SECRET)")
	_ = cmd.MarkFlagRequired("op")

	return cmd
}

// signBody builds the canonical body the record store will verify.
func signBody(opts *SignOptions) (map[string]any, error) {
	switch strings.ToLower(opts.Op) {
	case "delete":
		if opts.Subject == "" {
			return nil, fmt.Errorf("--subject is required for delete")
		}
		return records.DeleteBody(opts.Subject), nil
	case "list":
		limit, page := records.NormalizePage(opts.Limit, opts.Page)
		return records.ListBody(limit, page), nil
	case "upsert":
		if opts.Body == "" {
			return nil, fmt.Errorf("--body is required for upsert")
		}
		raw, err := os.ReadFile(opts.Body)
		if err != nil {
			return nil, err
		}
		var req records.UpsertRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("parse %s: %w", opts.Body, err)
		}
		switch {
		case req.User.ID == "":
			req.User.ID = opts.Subject
		case opts.Subject != "" && opts.Subject != req.User.ID:
			return nil, fmt.Errorf("--subject %q does not match user.id %q", opts.Subject, req.User.ID)
		}
		if req.User.ID == "" {
			return nil, records.ErrInvalidUser
		}
		return records.UpsertBody(req.User, req.Accounts), nil
	default:
		return nil, fmt.Errorf("invalid --op %q: must be upsert, delete or list", opts.Op)
	}
}
