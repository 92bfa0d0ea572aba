// Command relayctl is a reference client for the extension relay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/kuitang/extension-relay/internal/client"
	"github.com/kuitang/extension-relay/internal/credstore"
)

const (
	storeFile    = "file"
	storeKeyring = "keyring"
	storeMemory  = "memory"
)

// app holds the resolved global flags and the lazily built client.
type app struct {
	baseURL   string
	profile   string
	storeKind string
	output    string
	timeout   time.Duration

	creds  *credstore.Store
	client *client.Client
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(nil).ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. A non-nil backend replaces the
// configured credential store.
func newRootCmd(backend credstore.Backend) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Talk to an extension relay from the command line",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.openStore(backend)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.baseURL, "base-url", os.Getenv("RELAY_BASE_URL"), "Relay base URL (defaults to the stored backend URL)")
	flags.StringVar(&a.profile, "profile", "default", "Credential profile name")
	flags.StringVar(&a.storeKind, "store", storeFile, "Credential store: file, keyring or memory")
	flags.StringVarP(&a.output, "output", "o", "", "Output format (json)")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "Per-request timeout")

	root.AddCommand(
		a.useCmd(),
		a.healthCmd(),
		a.signupCmd(),
		a.loginCmd(),
		a.logoutCmd(),
		a.whoamiCmd(),
		a.analyzeCmd(),
		a.settingsCmd(),
		a.subscriptionCmd(),
		a.trackCmd(),
		a.posthogConfigCmd(),
	)
	return root
}

func (a *app) openStore(backend credstore.Backend) error {
	if a.creds != nil {
		return nil
	}
	if backend == nil {
		switch a.storeKind {
		case storeKeyring:
			backend = credstore.NewKeyringStore(a.profile)
		case storeMemory:
			backend = credstore.NewMemoryStore()
		case storeFile:
			dir, err := credstore.DefaultDir(a.profile)
			if err != nil {
				return err
			}
			fs, err := credstore.NewFileStore(dir)
			if err != nil {
				return err
			}
			backend = fs
		default:
			return fmt.Errorf("unknown credential store %q", a.storeKind)
		}
	}
	a.creds = credstore.New(backend)
	return nil
}

// relay returns the client, resolving the base URL on first use.
func (a *app) relay() (*client.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := client.New(a.creds, client.Options{BaseURL: a.baseURL, Timeout: a.timeout})
	if errors.Is(err, client.ErrNoBaseURL) {
		return nil, fmt.Errorf("no relay configured: run `relayctl use <url>` or pass --base-url")
	}
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *app) jsonOutput() bool {
	return a.output == "json"
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s *string) string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return "-"
	}
	return *s
}

func (a *app) useCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <url>",
		Short: "Store the relay base URL for this profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimRight(strings.TrimSpace(args[0]), "/")
			if _, err := client.New(credstore.New(credstore.NewMemoryStore()), client.Options{BaseURL: url}); err != nil {
				return err
			}
			if err := a.creds.Set(credstore.KeyBackendURL, url); err != nil {
				return err
			}
			pterm.Success.Printfln("Using relay %s", url)
			return nil
		},
	}
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the relay is up",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			health, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, health)
			}
			pterm.Success.Printfln("%s (version %s)", health.Message, health.Version)
			return nil
		},
	}
}
