// The server command is the main entrypoint for running the backend. It
// takes care of initializing everything as well as running a listener pair
// for every configured title.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/openplasma/plasma/internal"
	"github.com/openplasma/plasma/internal/core"
)

func main() {
	app := &cli.App{
		Name:        "plasma",
		Usage:       "legacy game backend",
		Description: "Runs the account and game hosting servers for every configured title.",
		Action:      run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the directory containing the server config file",
				EnvVars: []string{"PLASMA_CONFIG"},
				Value:   "./",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	configPath := c.String("config")
	config := core.LoadConfig(configPath)
	fmt.Println("using configuration file:", configPath)

	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("error changing to config directory: %w", err)
	}

	// Bind the Controller to one top-level server context so that we can
	// shut down cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ctrl-C shuts the servers down gracefully; a second one hard exits.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("waiting to shut down gracefully...")
		cancel()
		<-signals
		fmt.Println("hard exiting (killed)")
		os.Exit(1)
	}()

	controller := &internal.Controller{Config: config}
	controller.Start(ctx)

	fmt.Println("shut down")
	return nil
}
