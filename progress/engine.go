package progress

import (
	"time"

	"github.com/warp/progress-engine/logger"
)

// Options configures New. Zero values are valid.
type Options struct {
	Names        DisplayNames
	Sink         CertificateSink
	TemplateID   string
	SweepWorkers int
	Log          *logger.Logger
	Now          func() time.Time
}

// Engine wires the components over one store and topology provider.
type Engine struct {
	Mutator    *Mutator
	Issuer     *Issuer
	Admin      *Admin
	Reconciler *Reconciler
}

func New(store TxStore, topo TopologyProvider, opts Options) *Engine {
	log := logger.OrNop(opts.Log)
	issuer := &Issuer{
		Store:      store,
		Names:      opts.Names,
		Sink:       opts.Sink,
		TemplateID: opts.TemplateID,
		Log:        log,
		Now:        opts.Now,
	}
	mutator := &Mutator{
		Store:    store,
		Topology: topo,
		Issuer:   issuer,
		Log:      log,
		Now:      opts.Now,
	}
	return &Engine{
		Mutator: mutator,
		Issuer:  issuer,
		Admin: &Admin{
			Store:   store,
			Mutator: mutator,
			Issuer:  issuer,
			Log:     log,
			Now:     opts.Now,
		},
		Reconciler: &Reconciler{
			Store:   store,
			Issuer:  issuer,
			Workers: opts.SweepWorkers,
			Log:     log,
		},
	}
}
