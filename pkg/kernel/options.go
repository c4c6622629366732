package kernel

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/orneryd/nornicdb-kernel/pkg/fsys"
	"github.com/orneryd/nornicdb-kernel/pkg/storage"
)

// Option configures Open.
type Option func(*options)

type options struct {
	fs         fsys.FS
	store      storage.Store
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithFileSystem places the transaction log on fs instead of the OS file
// system.
func WithFileSystem(fs fsys.FS) Option {
	return func(o *options) { o.fs = fs }
}

// WithStore uses store instead of the engine named in the configuration.
// The kernel does not close a store passed this way.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithLogger sets the logger. By default one is built from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics registers the log and recovery collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}
