package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/openplasma/plasma/internal/core"
	"github.com/openplasma/plasma/internal/core/auth"
	"github.com/openplasma/plasma/internal/core/data"
	"github.com/openplasma/plasma/internal/core/debug"
	"github.com/openplasma/plasma/internal/fesl"
	"github.com/openplasma/plasma/internal/ident"
	"github.com/openplasma/plasma/internal/registry"
	"github.com/openplasma/plasma/internal/theater"
)

// Controller is the main entrypoint. It's responsible for initializing any
// shared resources (such as the database, registry, and logging), defining
// the per-title servers, and launching everything.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	wg     sync.WaitGroup

	registry *registry.Registry
	ids      *ident.Generator
	recorder *data.Recorder
	servers  []*frontend
}

func (c *Controller) Start(ctx context.Context) {
	var err error
	// Set up the logger, which will be used by all sub-servers.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		fmt.Printf("error initializing logger: %v\n", err)
		return
	}

	if c.Config.Debugging.PprofEnabled {
		debug.StartPprofServer(c.logger, c.Config.Debugging.PprofPort)
	}

	// The account database is optional; without it only ticket logins work
	// and no metrics are recorded.
	c.recorder = &data.Recorder{Logger: c.logger}
	if c.Config.Database.Host != "" {
		db, err := data.Initialize(c.Config.DatabaseURL(), c.Config.Debugging.DatabaseLoggingEnabled)
		if err != nil {
			c.logger.Errorf("error connecting to database: %v", err)
			return
		}
		defer func() {
			if err := data.Shutdown(db); err != nil {
				c.logger.Errorf("error closing database connection: %v", err)
			}
		}()
		c.recorder.DB = db
		c.recorder.RecordStartup()
	}

	// All titles share one registry and one id space so that identifiers
	// stay unique across the whole process.
	c.ids = ident.NewGenerator()
	c.registry = registry.New(c.ids)

	// Configure and run all of our servers.
	c.declareServers()
	c.run(ctx)
}

// Set up the account and hosting servers for every configured title.
func (c *Controller) declareServers() {
	for _, title := range c.Config.Titles {
		c.servers = append(c.servers,
			&frontend{
				Address: c.buildAddress(title.AccountPort),
				Backend: &fesl.Server{
					Name:     fmt.Sprintf("%s/account", title.Name),
					Config:   c.Config,
					Title:    title,
					Logger:   c.logger,
					Registry: c.registry,
					IDs:      c.ids,
					Tickets:  auth.PlatformTicketDecoder{},
					DB:       c.recorder.DB,
					Recorder: c.recorder,
				},
			},
			&frontend{
				Address: c.buildAddress(title.TheaterPort),
				Backend: &theater.Server{
					Name:     fmt.Sprintf("%s/theater", title.Name),
					Config:   c.Config,
					Title:    title,
					Logger:   c.logger,
					Registry: c.registry,
					IDs:      c.ids,
				},
			},
		)
	}
}

func (c *Controller) run(ctx context.Context) {
	// Failure to initialize one of the registered servers is considered terminal.
	connectedClients := newClientList()
	for _, server := range c.servers {
		server.Config = c.Config
		server.Logger = c.logger
		server.connectedClients = connectedClients

		if err := server.Start(ctx, &c.wg); err != nil {
			c.logger.Errorf("error starting %s server: %v", server.Backend.Identifier(), err)
			return
		}
	}

	c.wg.Wait()
}

func (c *Controller) buildAddress(port int) string {
	return fmt.Sprintf("%s:%v", c.Config.Hostname, port)
}
