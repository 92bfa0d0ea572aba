package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/browser"
	"github.com/pterm/pterm"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/kuitang/extension-relay/internal/client"
)

func (a *app) analyzeCmd() *cobra.Command {
	var system string
	cmd := &cobra.Command{
		Use:   "analyze <text...>",
		Short: "Send text to the completion provider through the relay",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			raw, err := c.Analyze(cmd.Context(), strings.Join(args, " "), system)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
				return err
			}
			var msg struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil {
				return fmt.Errorf("decode completion: %w", err)
			}
			for _, block := range msg.Content {
				if block.Type == "text" {
					fmt.Fprintln(cmd.OutOrStdout(), block.Text)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "System prompt (defaults to the stored preference)")
	return cmd
}

func (a *app) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change stored prompts",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Show stored prompts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			view, err := c.Settings(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, view)
			}
			return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
				{"Setting", "Value"},
				{"system_prompt", orDash(view.SystemPrompt)},
				{"connect_system_prompt", orDash(view.ConnectSystemPrompt)},
			}).Render()
		},
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Change stored prompts; omitted flags keep their value",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var update client.SettingsUpdate
			if cmd.Flags().Changed("system-prompt") {
				v, _ := cmd.Flags().GetString("system-prompt")
				update.SystemPrompt = &v
			}
			if cmd.Flags().Changed("connect-system-prompt") {
				v, _ := cmd.Flags().GetString("connect-system-prompt")
				update.ConnectSystemPrompt = &v
			}
			if update.SystemPrompt == nil && update.ConnectSystemPrompt == nil {
				return fmt.Errorf("nothing to change: pass --system-prompt or --connect-system-prompt")
			}
			c, err := a.relay()
			if err != nil {
				return err
			}
			view, err := c.SaveSettings(cmd.Context(), update)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, view)
			}
			pterm.Success.Println("Settings saved")
			return nil
		},
	}
	set.Flags().String("system-prompt", "", "System prompt for analysis")
	set.Flags().String("connect-system-prompt", "", "System prompt for connect suggestions")

	cmd.AddCommand(get, set)
	return cmd
}

func (a *app) subscriptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscription",
		Aliases: []string{"sub"},
		Short:   "Manage the Pro subscription",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			st, err := c.SubscriptionStatus(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, st)
			}
			rows := pterm.TableData{
				{"Plan", "Active", "Own API key"},
				{st.SubscriptionType, fmt.Sprint(st.HasActiveSubscription), fmt.Sprint(st.UseOwnAPIKey)},
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
				return err
			}
			if st.Subscription != nil && st.Subscription.CurrentPeriodEnd != nil {
				pterm.Info.Printfln("%s until %s", st.Subscription.Status, st.Subscription.CurrentPeriodEnd.Format("2006-01-02"))
			}
			return nil
		},
	}

	var open bool
	checkout := &cobra.Command{
		Use:   "checkout",
		Short: "Start a Pro checkout",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			resp, err := c.Checkout(cmd.Context(), "", "")
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, resp)
			}
			pterm.Info.Printfln("Checkout session %s", resp.SessionID)
			pterm.Info.Println(resp.URL)
			if open && resp.URL != "" {
				if err := browser.OpenURL(resp.URL); err != nil {
					pterm.Warning.Printfln("Could not open a browser: %v", err)
				}
			}
			return nil
		},
	}
	checkout.Flags().BoolVar(&open, "open", false, "Open the checkout page in a browser")

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel at the end of the billing period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			resp, err := c.CancelSubscription(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, resp)
			}
			pterm.Success.Println(resp.Message)
			return nil
		},
	}

	var useOwn bool
	var key string
	apiKey := &cobra.Command{
		Use:   "api-key",
		Short: "Use your own completion API key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			resp, err := c.UpdateAPIKey(cmd.Context(), useOwn, key)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, resp)
			}
			pterm.Success.Println(resp.Message)
			return nil
		},
	}
	apiKey.Flags().BoolVar(&useOwn, "use-own", true, "Bill completions to your own key")
	apiKey.Flags().StringVar(&key, "key", "", "Completion provider API key")

	cmd.AddCommand(status, checkout, cancel, apiKey)
	return cmd
}

func (a *app) trackCmd() *cobra.Command {
	var distinctID string
	cmd := &cobra.Command{
		Use:   "track <event>",
		Short: "Send an analytics event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			props, _ := cmd.Flags().GetStringToString("prop")
			properties := lo.MapValues(props, func(v string, _ string) any { return v })
			resp, err := c.Track(cmd.Context(), args[0], properties, distinctID)
			if err != nil {
				return err
			}
			if a.jsonOutput() {
				return printJSON(cmd, resp)
			}
			if resp.Warning != "" {
				pterm.Warning.Println(resp.Warning)
				return nil
			}
			pterm.Success.Println(resp.Message)
			return nil
		},
	}
	cmd.Flags().StringToString("prop", nil, "Event properties as key=value pairs")
	cmd.Flags().StringVar(&distinctID, "distinct-id", "", "Distinct id for anonymous callers")
	return cmd
}

func (a *app) posthogConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "posthog-config",
		Short: "Fetch the analytics configuration, falling back to the cached copy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.relay()
			if err != nil {
				return err
			}
			cfg, err := c.PostHogConfig(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, cfg)
		},
	}
}
