package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AtDexters-Lab/realtime-session-client/auth"
	"github.com/AtDexters-Lab/realtime-session-client/client"
	"github.com/AtDexters-Lab/realtime-session-client/realtime"
)

func newListenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print incoming messages and notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			c, cfg, err := loadClient(client.WithSignOutHandler(func(reason error, signInPath string) {
				fmt.Fprintf(out, "signed out (%v); sign in again at %s\n", reason, signInPath)
			}))
			if err != nil {
				return err
			}

			m := c.Manager()
			m.AddConnectHandler(realtime.OnConnect(func(ev realtime.ConnectEvent) {
				fmt.Fprintf(out, "connected to %s\n", ev.Host)
			}))
			m.AddDisconnectHandler(realtime.OnDisconnect(func(ev realtime.CloseEvent) {
				fmt.Fprintf(out, "disconnected (code %d, retrying: %v)\n", ev.Code, ev.Retrying)
			}))
			m.AddErrorHandler(realtime.OnError(func(err error) {
				if errors.Is(err, realtime.ErrReconnectExhausted) {
					fmt.Fprintln(out, "gave up reconnecting; waiting for a token refresh or new sign-in")
				}
			}))
			m.AddMessageHandler(realtime.OnMessage(func(f realtime.Frame) {
				printFrame(cmd, f)
			}))

			ctx, cancel := signalContext()
			defer cancel()
			fmt.Fprintf(out, "listening on %s (Ctrl-C to stop)\n", cfg.APIURL)
			c.Start(ctx)
			return nil
		},
	}
}

func printFrame(cmd *cobra.Command, f realtime.Frame) {
	out := cmd.OutOrStdout()
	switch f.Type {
	case realtime.FrameTypeMessage:
		msg, err := f.Message()
		if err != nil {
			cmd.PrintErrf("bad message frame: %v\n", err)
			return
		}
		at := msg.Timestamp
		if ts, err := msg.Time(); err == nil {
			at = ts.Local().Format(time.Kitchen)
		}
		fmt.Fprintf(out, "[%s] %s -> %s: %s\n", at, msg.SenderID, msg.RecipientID, msg.Content)
	case realtime.FrameTypeNotification:
		n, err := f.Notification()
		if err != nil {
			cmd.PrintErrf("bad notification frame: %v\n", err)
			return
		}
		fmt.Fprintf(out, "notification %s from %s: %s\n", n.Type, n.SenderID, n.Content)
	default:
		fmt.Fprintf(out, "%s: %s\n", f.Type, f.Raw)
	}
}

func newSendCommand() *cobra.Command {
	var (
		to      string
		content string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Connect, send one chat message and disconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := loadClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if status, err := c.Monitor().Check(ctx); status == auth.StatusSignedOut {
				return fmt.Errorf("not signed in (%v); sign in at %s", err, client.SignInPath)
			}
			cred, ok := c.Store().Load()
			if !ok {
				return auth.ErrNoCredential
			}

			opened := make(chan struct{}, 1)
			failed := make(chan error, 1)
			m := c.Manager()
			m.AddConnectHandler(realtime.OnConnect(func(realtime.ConnectEvent) {
				select {
				case opened <- struct{}{}:
				default:
				}
			}))
			m.AddDisconnectHandler(realtime.OnDisconnect(func(ev realtime.CloseEvent) {
				if ev.Retrying {
					return
				}
				select {
				case failed <- fmt.Errorf("connection closed with code %d: %s", ev.Code, ev.Reason):
				default:
				}
			}))
			defer m.Disconnect()

			m.Connect(cfg.APIURL, cred.AccessToken)
			select {
			case <-opened:
			case err := <-failed:
				return err
			case <-ctx.Done():
				return fmt.Errorf("timed out connecting: %w", ctx.Err())
			}

			if err := c.SendChat(to, content); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent to %s\n", to)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "Recipient user ID.")
	cmd.Flags().StringVar(&content, "content", "", "Message text.")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the connection.")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the stored refresh token for a new pair now",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := loadClient()
			if err != nil {
				return err
			}
			cred, err := c.Refresh(cmd.Context())
			if err != nil {
				if errors.Is(err, auth.ErrRefreshAccessToken) {
					return fmt.Errorf("%w; sign in again at %s", err, client.SignInPath)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed; access token expires at %s\n", cred.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := loadClient()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "api:        %s\n", cfg.APIURL)
			fmt.Fprintf(out, "auth:       %s\n", cfg.AuthURL)
			fmt.Fprintf(out, "token file: %s\n", c.Store().Path())

			cred, ok := c.Store().Load()
			if !ok {
				fmt.Fprintf(out, "session:    signed out (sign in at %s)\n", client.SignInPath)
				return nil
			}
			now := time.Now()
			left := cred.ExpiresAt.Sub(now).Round(time.Second)
			switch {
			case cred.Expired(now):
				fmt.Fprintf(out, "session:    expired at %s\n", cred.ExpiresAt.Local().Format(time.RFC3339))
			case left <= cfg.Monitor.RefreshHorizon():
				fmt.Fprintf(out, "session:    valid, refresh due (expires in %s)\n", left)
			default:
				fmt.Fprintf(out, "session:    valid (expires in %s)\n", left)
			}
			if !cred.LastRefreshedAt.IsZero() {
				fmt.Fprintf(out, "refreshed:  %s ago\n", now.Sub(cred.LastRefreshedAt).Round(time.Second))
			}
			return nil
		},
	}
}

func newLoginCommand() *cobra.Command {
	var accessToken, refreshToken string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a token pair obtained from the sign-in flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := loadClient()
			if err != nil {
				return err
			}
			cred, err := c.Login(accessToken, refreshToken)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored credentials in %s; access token expires at %s\n",
				c.Store().Path(), cred.ExpiresAt.Local().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&accessToken, "access-token", "", "Access token (JWT).")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "Refresh token.")
	_ = cmd.MarkFlagRequired("access-token")
	_ = cmd.MarkFlagRequired("refresh-token")
	return cmd
}
