package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type credentialFlags struct {
	email    string
	password string
}

func (f *credentialFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.email, "email", "", "Account email (required)")
	cmd.Flags().StringVar(&f.password, "password", "", "Account password (defaults to $RELAYCTL_PASSWORD, then stdin)")
	_ = cmd.MarkFlagRequired("email")
}

func (f *credentialFlags) resolvePassword(cmd *cobra.Command) (string, error) {
	if f.password != "" {
		return f.password, nil
	}
	if env := os.Getenv("RELAYCTL_PASSWORD"); env != "" {
		return env, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) signupCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			password, err := creds.resolvePassword(cmd)
			if err != nil {
				return err
			}
			resp, err := c.Signup(cmd.Context(), creds.email, password)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, resp)
			}
			pterm.Success.Printfln("%s (id %s). Run `relayctl login` next.", resp.Message, resp.UserID)
			return nil
		},
	}
	creds.bind(cmd)
	return cmd
}

func (a *app) loginCmd() *cobra.Command {
	var creds credentialFlags
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			password, err := creds.resolvePassword(cmd)
			if err != nil {
				return err
			}
			resp, err := c.Login(cmd.Context(), creds.email, password)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, resp.User)
			}
			pterm.Success.Printfln("Signed in as %s", resp.User.Email)
			return nil
		},
	}
	creds.bind(cmd)
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget the token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			if err := c.Logout(cmd.Context()); err != nil {
				return err
			}
			pterm.Success.Println("Signed out")
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			if !c.Credentials().IsAuthenticated() {
				return fmt.Errorf("not signed in: run `relayctl login`")
			}
			identity, err := c.Profile(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, identity)
			}
			return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
				{"ID", "Email", "Role"},
				{identity.SubjectID, identity.Email, identity.Role},
			}).Render()
		},
	}
}
