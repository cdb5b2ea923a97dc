// Package pipeline orchestrates the ingestion, reconstruction and
// verification flows over the catalog, the staging area and a remote
// blob store.
package pipeline

import (
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/maneesh/octo-potato/internal/cache"
	"github.com/maneesh/octo-potato/internal/catalog"
	"github.com/maneesh/octo-potato/internal/remote"
	"github.com/maneesh/octo-potato/internal/staging"
	"github.com/maneesh/octo-potato/internal/uploader"
)

var tracer = otel.Tracer("octo-potato-pipeline")

// Pipeline wires the catalog, the remote store, the staging area and
// the upload executor together.
type Pipeline struct {
	catalog *catalog.Catalog
	store   remote.Store
	staging *staging.Dir
	exec    *uploader.Executor
	cache   *cache.ChunkCache
	log     logrus.FieldLogger

	discardStaging bool
}

// New creates a pipeline over the given collaborators.
func New(cat *catalog.Catalog, store remote.Store, stage *staging.Dir, exec *uploader.Executor) *Pipeline {
	return &Pipeline{
		catalog: cat,
		store:   store,
		staging: stage,
		exec:    exec,
		log:     logrus.StandardLogger(),
	}
}

// WithCache enables the Redis chunk cache for reconstruction.
func (p *Pipeline) WithCache(cc *cache.ChunkCache) *Pipeline {
	p.cache = cc
	return p
}

// WithDiscardStaging removes staged payloads after the catalog insert
// has committed. Verification then falls back to remote re-fetch.
func (p *Pipeline) WithDiscardStaging(discard bool) *Pipeline {
	p.discardStaging = discard
	return p
}
