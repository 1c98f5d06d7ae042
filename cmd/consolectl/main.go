// Command consolectl drives the operator console from a terminal: it signs
// in, runs managed CLI commands in the caller's isolation context and shows
// status and audit history.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

// Options are the flags shared by every command.
type Options struct {
	APIURL   string
	Username string
	Password string
	Timeout  time.Duration
}

func main() {
	if err := NewRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCmd creates the consolectl command tree writing to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	opts := &Options{}

	cmd := &cobra.Command{
		Use:           "consolectl",
		Short:         "Operator console control interface",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `consolectl signs in to the operator console and runs commands through it.

The password is read from --password or CONSOLECTL_PASSWORD. Signing in again
reuses the live isolation context, so managed CLI credentials persist between
invocations until "consolectl logout" or the idle timeout.

Examples:
  consolectl -u alice status
  consolectl -u alice run -- account show --name "my sub"
  consolectl -u alice moo-login --device-code
  consolectl -u alice history --limit 20`,
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&opts.APIURL, "api", envOr("CONSOLECTL_API", "http://127.0.0.1:8080"), "Console API URL")
	cmd.PersistentFlags().StringVarP(&opts.Username, "user", "u", os.Getenv("CONSOLECTL_USER"), "Console username")
	cmd.PersistentFlags().StringVar(&opts.Password, "password", "", "Console password (defaults to $CONSOLECTL_PASSWORD)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 6*time.Minute, "HTTP timeout")

	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newMooLoginCmd(opts))
	cmd.AddCommand(newMooLogoutCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newLogoutCmd(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// signIn creates a client holding a fresh console session.
func signIn(ctx context.Context, opts *Options) (*Client, error) {
	if opts.Username == "" {
		return nil, errors.New("--user is required")
	}
	password := opts.Password
	if password == "" {
		password = os.Getenv("CONSOLECTL_PASSWORD")
	}

	client, err := NewClient(opts.APIURL, opts.Timeout)
	if err != nil {
		return nil, err
	}
	if err := client.Login(ctx, opts.Username, password); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	return client, nil
}

func newStatusCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show console status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := signIn(cmd.Context(), opts)
			if err != nil {
				return err
			}
			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "User:      %s (%s)\n", st.User.Username, st.User.Role)
			fmt.Fprintf(out, "Backend:   %s\n", st.Backend)
			fmt.Fprintf(out, "Uptime:    %s\n", time.Duration(st.Uptime)*time.Second)
			fmt.Fprintf(out, "Sessions:  %d\n", st.Sessions)
			fmt.Fprintf(out, "Contexts:  %d\n", st.Contexts)
			fmt.Fprintf(out, "In flight: %d\n", st.InFlight)
			return nil
		},
	}
}

func newHistoryCmd(opts *Options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "View the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := signIn(cmd.Context(), opts)
			if err != nil {
				return err
			}
			entries, err := client.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries")
	return cmd
}

func printHistory(out io.Writer, entries []HistoryEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No audit history")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tUSER\tOPERATION\tARGS\tDECISION\tRESULT\tDURATION")
	for _, e := range entries {
		timestamp := e.Timestamp
		if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
			timestamp = t.Local().Format("15:04:05")
		}

		result := "ok"
		if !e.Success {
			result = e.Kind
			if result == "" {
				result = "failed"
			}
		}

		duration := ""
		if e.Duration > 0 {
			duration = fmt.Sprintf("%.0fms", e.Duration)
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			timestamp, e.User, e.Operation, strings.Join(e.Args, " "), e.Decision, result, duration)
	}
	w.Flush()
}

func newRunCmd(opts *Options) *cobra.Command {
	var elevate bool
	cmd := &cobra.Command{
		Use:   "run -- <args...>",
		Short: "Run a managed CLI command",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := signIn(cmd.Context(), opts)
			if err != nil {
				return err
			}
			res, err := client.Execute(cmd.Context(), args, elevate)
			return printDispatch(cmd, res, err)
		},
	}
	cmd.Flags().BoolVar(&elevate, "elevate", false, "Run with elevated privileges")
	return cmd
}

func newMooLoginCmd(opts *Options) *cobra.Command {
	var (
		deviceCode, interactive, managedIdentity, servicePrincipal, refresh bool
		username, password                                                  string
	)
	cmd := &cobra.Command{
		Use:   "moo-login",
		Short: "Sign the managed CLI in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := signIn(cmd.Context(), opts)
			if err != nil {
				return err
			}
			res, err := client.MooLogin(cmd.Context(), map[string]any{
				"device_code":       deviceCode,
				"interactive":       interactive,
				"managed_identity":  managedIdentity,
				"service_principal": servicePrincipal,
				"refresh":           refresh,
				"username":          username,
				"password":          password,
			})
			return printDispatch(cmd, res, err)
		},
	}
	cmd.Flags().BoolVar(&deviceCode, "device-code", false, "Use the device code flow")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "Use the interactive flow")
	cmd.Flags().BoolVar(&managedIdentity, "managed-identity", false, "Use a managed identity")
	cmd.Flags().BoolVar(&servicePrincipal, "service-principal", false, "Sign in as a service principal")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Refresh the existing token")
	cmd.Flags().StringVar(&username, "moo-username", "", "Managed CLI username")
	cmd.Flags().StringVar(&password, "moo-password", "", "Managed CLI password")
	return cmd
}

func newMooLogoutCmd(opts *Options) *cobra.Command {
	var elevate bool
	cmd := &cobra.Command{
		Use:   "moo-logout",
		Short: "Sign the managed CLI out",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := signIn(cmd.Context(), opts)
			if err != nil {
				return err
			}
			res, err := client.MooLogout(cmd.Context(), elevate)
			return printDispatch(cmd, res, err)
		},
	}
	cmd.Flags().BoolVar(&elevate, "elevate", false, "Run with elevated privileges")
	return cmd
}

func newSearchCmd(opts *Options) *cobra.Command {
	var apiKey, appID, timeRange string
	cmd := &cobra.Command{
		Use:   "search <command-id>",
		Short: "Look up a command's telemetry in Application Insights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := signIn(cmd.Context(), opts)
			if err != nil {
				return err
			}
			raw, err := client.Search(cmd.Context(), apiKey, appID, args[0], timeRange)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(raw)
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("APPINSIGHTS_API_KEY"), "Application Insights API key")
	cmd.Flags().StringVar(&appID, "app-id", os.Getenv("APPINSIGHTS_APP_ID"), "Application Insights application ID")
	cmd.Flags().StringVar(&timeRange, "time-range", "24h", "Time range: 1h, 24h, 7d or 30d")
	return cmd
}

func newLogoutCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and discard the isolation context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := signIn(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if err := client.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

// printDispatch prints the CLI output and turns a failed dispatch into an
// error so the exit status reflects it.
func printDispatch(cmd *cobra.Command, res *DispatchResult, err error) error {
	if res != nil {
		if res.Output != "" {
			fmt.Fprint(cmd.OutOrStdout(), res.Output)
		}
		if res.Error != "" {
			fmt.Fprint(cmd.ErrOrStderr(), res.Error)
		}
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s (exit %d)", res.Message, res.ExitCode)
	}
	return nil
}
