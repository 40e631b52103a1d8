package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AtDexters-Lab/realtime-session-client/client"
)

var (
	configPath string
	envFile    string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "client",
		Short:         "Realtime chat and notification session client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML or TOML configuration file.")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration.")

	root.AddCommand(newListenCommand())
	root.AddCommand(newSendCommand())
	root.AddCommand(newRefreshCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newLoginCommand())
	return root
}

// loadClient reads the environment file and configuration and builds the
// session client.
func loadClient(opts ...client.Option) (*client.Client, *client.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	cfg, err := client.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	c, err := client.New(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-shutdownChan:
			log.Println("INFO: Shutdown signal received. Stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(shutdownChan)
	}()
	return ctx, cancel
}
