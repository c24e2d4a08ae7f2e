package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/callmanager/internal/client"
	"github.com/agentworkforce/callmanager/internal/contacts"
)

const (
	envBaseURL = "CALLMANAGER_BASE_URL"
	envToken   = "CALLMANAGER_TOKEN"
)

type rootOptions struct {
	baseURL string
	token   string
	jsonOut bool
}

func (o *rootOptions) client() (*client.Client, error) {
	if strings.TrimSpace(o.token) == "" {
		return nil, fmt.Errorf("a token is required: pass --token or set %s", envToken)
	}
	return client.New(o.baseURL, o.token, nil), nil
}

func newRootCmd(lookup func(string) (string, bool)) *cobra.Command {
	opts := &rootOptions{}
	defaultBaseURL, ok := lookup(envBaseURL)
	if !ok {
		defaultBaseURL = "http://127.0.0.1:8080"
	}
	defaultToken, _ := lookup(envToken)

	root := &cobra.Command{
		Use:           "callmanagerctl",
		Short:         "Operate a callmanager contact server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "base-url", defaultBaseURL, "server base URL (env "+envBaseURL+")")
	root.PersistentFlags().StringVar(&opts.token, "token", defaultToken, "bearer token (env "+envToken+")")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	root.AddCommand(
		newListCmd(opts),
		newGetCmd(opts),
		newCreateCmd(opts),
		newEditCmd(opts),
		newOutcomeCmd(opts),
		newLockCmd(opts),
		newUnlockCmd(opts),
		newDeleteCmd(opts),
		newImportCmd(opts),
		newWatchCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contacts in priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			list, err := c.List(cmd.Context(), client.ListOptions{Statuses: statuses, Limit: limit})
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), list)
			}
			return writeTable(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only these statuses (repeatable or comma separated)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum contacts to print")
	return cmd
}

func newGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			contact, err := c.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), contact)
		},
	}
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var row contacts.ImportRow
	cmd := &cobra.Command{
		Use:   "create <phone>",
		Short: "Create a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			row.Phone = args[0]
			contact, err := c.Create(cmd.Context(), row)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), contact)
		},
	}
	cmd.Flags().StringVar(&row.Name, "name", "", "contact name")
	cmd.Flags().StringVar(&row.Status, "status", "", "initial status")
	cmd.Flags().StringVar(&row.Note, "note", "", "free-form note")
	return cmd
}

// newEditCmd only sends the flags that were set, so an empty --note clears
// the note while an absent one leaves it alone.
func newEditCmd(opts *rootOptions) *cobra.Command {
	var version int64
	var phone, name, note, status string
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a contact at a known version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch contacts.Patch
			flags := cmd.Flags()
			if flags.Changed("phone") {
				patch.Phone = &phone
			}
			if flags.Changed("name") {
				patch.Name = &name
			}
			if flags.Changed("note") {
				patch.Note = &note
			}
			if flags.Changed("status") {
				patch.Status = &status
			}
			if patch.Empty() {
				return errors.New("nothing to edit: set at least one of --phone, --name, --note, --status")
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			contact, err := c.Edit(cmd.Context(), args[0], version, patch)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), contact)
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected record version")
	cmd.Flags().StringVar(&phone, "phone", "", "new phone")
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&note, "note", "", "new note")
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func newOutcomeCmd(opts *rootOptions) *cobra.Command {
	var note string
	var version int64
	cmd := &cobra.Command{
		Use:   "outcome <id> <status>",
		Short: "Record a call outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			contact, err := c.Outcome(cmd.Context(), args[0], args[1], note, version)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), contact)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note to record with the outcome")
	cmd.Flags().Int64Var(&version, "version", 0, "expected record version (0 skips the check)")
	return cmd
}

func newLockCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "lock <id>",
		Short: "Take or extend the lease on a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			lease, err := c.Lock(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), lease)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lease duration (server default when zero)")
	return cmd
}

func newUnlockCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <id>",
		Short: "Release your lease on a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			released, err := c.Unlock(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if released {
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not locked\n", args[0])
			}
			return nil
		},
	}
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a contact (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			contact, err := c.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (version %d)\n", contact.ID, contact.Version)
			return nil
		},
	}
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json|->",
		Short: "Bulk merge contacts from a JSON array of rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := readRows(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			result, err := c.Import(cmd.Context(), rows)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), result)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "inserted %d, updated %d, merged duplicates %d, errors %d\n",
				result.Inserted, result.Updated, result.DuplicatesMerged, len(result.Errors))
			for _, rowErr := range result.Errors {
				fmt.Fprintf(out, "  row %d: %s %s\n", rowErr.Row, rowErr.Field, rowErr.Reason)
			}
			return nil
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream contact events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			err = c.Watch(cmd.Context(), types, func(ev contacts.Event) error {
				return enc.Encode(ev)
			})
			if errors.Is(err, cmd.Context().Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "only these event types")
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the server's effective policy and limits (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			cfg, err := c.AdminConfig(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	}
}

func readRows(stdin io.Reader, path string) ([]contacts.ImportRow, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var rows []contacts.ImportRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s has no rows", path)
	}
	return rows, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, list client.ContactList) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tNAME\tVERSION\tMONTHS\tLOCKED BY")
	for _, contact := range list.Contacts {
		owner := "-"
		if contact.LeaseActive && contact.LockOwner != nil {
			owner = *contact.LockOwner
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			contact.ID, contact.Status, contact.Name, contact.Version, contact.VisibilityMonthsAgo, owner)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d of %d contacts\n", list.Count, list.Total)
	return err
}
