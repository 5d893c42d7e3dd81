package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skillgate/skillgate/internal/enforce"
	"github.com/skillgate/skillgate/internal/netpolicy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-extension network policies",
	}

	cmd.AddCommand(newPolicySetModeCmd())
	cmd.AddCommand(newPolicyAllowCmd())
	cmd.AddCommand(newPolicyBlockCmd())
	cmd.AddCommand(newPolicyPresetCmd())
	cmd.AddCommand(newPolicyEnableCmd())
	cmd.AddCommand(newPolicyShowCmd())
	cmd.AddCommand(newPolicyListCmd())
	cmd.AddCommand(newPolicyDeleteCmd())
	cmd.AddCommand(newPolicyTestCmd())
	return cmd
}

// loadPolicyStore loads the policy document, treating a missing file as an
// empty store so the first edit creates it.
func loadPolicyStore(path string) (*netpolicy.Store, error) {
	store := netpolicy.NewStore()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return store, nil
	}
	if err := store.LoadFile(path); err != nil {
		return nil, err
	}
	return store, nil
}

// editPolicies loads the document, applies fn, and saves it back.
func editPolicies(cmd *cobra.Command, fn func(*netpolicy.Store) error) error {
	path := policiesPath(cmd)
	store, err := loadPolicyStore(path)
	if err != nil {
		return err
	}
	if err := fn(store); err != nil {
		return err
	}
	return store.SaveFile(path)
}

func newPolicySetModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-mode <extension-id> <allowlist|blocklist>",
		Short: "Set the policy mode for an extension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := netpolicy.Mode(strings.ToLower(args[1]))
			return editPolicies(cmd, func(s *netpolicy.Store) error {
				return s.SetMode(args[0], mode)
			})
		},
	}
}

func newPolicyAllowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "allow <extension-id> <pattern>...",
		Short: "Add allow patterns to an extension's policy",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editPolicies(cmd, func(s *netpolicy.Store) error {
				return s.AddAllow(args[0], args[1:]...)
			})
		},
	}
}

func newPolicyBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <extension-id> <pattern>...",
		Short: "Add block patterns to an extension's policy",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editPolicies(cmd, func(s *netpolicy.Store) error {
				return s.AddBlock(args[0], args[1:]...)
			})
		},
	}
}

func newPolicyPresetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preset <extension-id> <preset-name>",
		Short: "Replace an extension's policy with a built-in preset",
		Long: "Replace an extension's policy with a built-in preset.\n\nAvailable presets: " +
			strings.Join(netpolicy.PresetNames(), ", "),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editPolicies(cmd, func(s *netpolicy.Store) error {
				return s.ApplyPreset(args[0], args[1])
			})
		},
	}
	return cmd
}

func newPolicyEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <extension-id> <true|false>",
		Short: "Enable or disable enforcement for an extension",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled := strings.EqualFold(args[1], "true")
			if !enabled && !strings.EqualFold(args[1], "false") {
				return fmt.Errorf("expected true or false, got %q", args[1])
			}
			return editPolicies(cmd, func(s *netpolicy.Store) error {
				return s.SetEnabled(args[0], enabled)
			})
		},
	}
}

func newPolicyShowCmd() *cobra.Command {
	var effective bool
	cmd := &cobra.Command{
		Use:   "show <extension-id>",
		Short: "Print an extension's policy as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadPolicyStore(policiesPath(cmd))
			if err != nil {
				return err
			}
			var p *netpolicy.NetworkPolicy
			if effective {
				p, err = store.ResolveEffective(args[0])
				if err != nil {
					return err
				}
			} else {
				var ok bool
				p, ok = store.Get(args[0])
				if !ok {
					return fmt.Errorf("no policy for extension %q", args[0])
				}
			}
			return printJSON(cmd, p)
		},
	}
	cmd.Flags().BoolVar(&effective, "effective", false, "Show the extends-flattened effective policy")
	return cmd
}

func newPolicyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configured policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadPolicyStore(policiesPath(cmd))
			if err != nil {
				return err
			}
			for _, p := range store.List() {
				status := "enabled"
				if !p.Enabled {
					status = "disabled"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tmode=%s\tallow=%d\tblock=%d\t%s\n",
					p.ExtensionID, p.Mode, len(p.Allow), len(p.Block), status)
			}
			return nil
		},
	}
}

func newPolicyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <extension-id>",
		Short: "Delete an extension's policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editPolicies(cmd, func(s *netpolicy.Store) error {
				return s.Delete(args[0])
			})
		},
	}
}

func newPolicyTestCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:   "test <extension-id> <url>",
		Short: "Dry-run a request against the policy document",
		Long:  "Evaluate a request without recording an audit entry. DNS resolution still runs.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadPolicyStore(policiesPath(cmd))
			if err != nil {
				return err
			}
			resolver := enforce.NewResolver(enforce.ResolverConfig{})
			enforcer := enforce.New(store, resolver, nil, nil)

			d := enforcer.Test(cmd.Context(), args[0], args[1])
			if err := printJSON(cmd, d); err != nil {
				return err
			}
			if !d.Allowed {
				return &ExitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "GET", "Request method (informational)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ExitError carries a process exit code without an extra message; the deny
// outcome of policy test is signaled through the exit status.
type ExitError struct {
	code int
	msg  string
}

func (e *ExitError) Error() string { return e.msg }

// Code returns the process exit code.
func (e *ExitError) Code() int { return e.code }

// Message returns the optional message printed to stderr.
func (e *ExitError) Message() string { return e.msg }
