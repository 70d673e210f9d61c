package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"habitping/internal/app"
)

// commandTimeout bounds one-shot commands, including a permission prompt.
const commandTimeout = 3 * time.Minute

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:           "habitping",
		Short:         "Daily habit reminders over web push",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config (json or yaml)")

	root.AddCommand(
		runCmd(&cfgPath),
		enableCmd(&cfgPath),
		disableCmd(&cfgPath),
		setTimeCmd(&cfgPath),
		statusCmd(&cfgPath),
		testCmd(&cfgPath),
	)
	return root
}

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reminder service until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.NewApp(*cfgPath, app.WithTerminal(os.Stdin, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			if err := a.Start(cmd.Context()); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			reason := app.StopUnknown
			select {
			case s := <-sigs:
				reason = app.StopSIGINT
				if s == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = a.Stop(ctx, reason)
			return a.Err()
		},
	}
}

// withForeground starts the page and its background context, waits until
// config is relayed, runs fn and stops.
func withForeground(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.NewApp(cfgPath, app.WithTerminal(os.Stdin, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
	defer cancel()

	if err := a.StartForeground(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = a.Stop(sctx, app.StopCommandDone)
	}()

	select {
	case <-a.Foreground().Ready():
	case <-a.Done():
		if err := a.Err(); err != nil {
			return err
		}
		return ctx.Err()
	}
	return fn(ctx, a)
}

func enableCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Ask for notification permission and turn reminders on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withForeground(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				if _, err := a.Foreground().Enable(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Notifications enabled")
				return nil
			})
		},
	}
}

func disableCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Turn reminders off and keep the stored address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withForeground(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				if err := a.Foreground().Disable(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Notifications disabled")
				return nil
			})
		},
	}
}

func setTimeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "set-time TIME",
		Short:   "Set the daily reminder time",
		Example: "  habitping set-time \"8:00 PM\"\n  habitping set-time 20:00",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withForeground(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				t, at, err := a.Foreground().SetTime(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reminder time set to %s (next: %s)\n", t, at.Format("Mon Jan 2 15:04 MST"))
				return nil
			})
		},
	}
}

func statusCmd(cfgPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show permission, address and schedule state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withForeground(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				st, err := a.Foreground().Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(st)
				}
				fmt.Fprintf(out, "enabled:      %t\n", st.Enabled)
				fmt.Fprintf(out, "permission:   %s\n", st.Permission)
				fmt.Fprintf(out, "address:      %t\n", st.HasToken)
				fmt.Fprintf(out, "time:         %s\n", st.Time)
				if !st.NextFire.IsZero() {
					fmt.Fprintf(out, "next fire:    %s\n", st.NextFire.Format(time.RFC1123))
				}
				fmt.Fprintf(out, "registration: %t\n", st.RegistrationActive)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func testCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Send a test notification to the stored address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withForeground(cmd, *cfgPath, func(ctx context.Context, a *app.App) error {
				d, err := a.Foreground().SendTest(ctx)
				if err != nil {
					return err
				}
				if d.MessageID != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Test notification sent (%s)\n", d.MessageID)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
				}
				return nil
			})
		},
	}
}
