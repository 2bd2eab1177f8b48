package app

import (
	"context"
	"log/slog"
	"os"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/config"
	dbstore "github.com/tmfg/digitraffic-tis-vaco-sub001/internal/infra/store/db"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/pipeline"
	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/scheduler"
)

// Backend exposes the wired stores to the operator CLI. Connections are
// opened on first use, so commands touching only the database never dial
// Redis or NATS.
type Backend struct {
	di *dependencyInjector
}

func NewBackend(cfgPath string) *Backend {
	di := newDI(cfgPath, "feedctl")
	di.logOut = os.Stderr
	return &Backend{di: di}
}

// Logger installs the CLI logger; diagnostics go to stderr so command
// output stays parseable.
func (b *Backend) Logger() *slog.Logger { return b.di.Logger() }

func (b *Backend) Config() *config.Config                           { return b.di.Config() }
func (b *Backend) Repo(ctx context.Context) dbstore.Repo            { return b.di.Repo(ctx) }
func (b *Backend) Catalog(ctx context.Context) *scheduler.Catalog   { return b.di.Catalog(ctx) }
func (b *Backend) Scheduler(ctx context.Context) *scheduler.Service { return b.di.Scheduler(ctx) }
func (b *Backend) Publisher(ctx context.Context) pipeline.Publisher { return b.di.Publisher(ctx) }
func (b *Backend) Endpoints(ctx context.Context) EndpointStore      { return b.di.Endpoints(ctx) }
func (b *Backend) Close(ctx context.Context)                        { b.di.Close(ctx) }
