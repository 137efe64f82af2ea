package workflow

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/observability"
	"github.com/goliatone/go-datacopy/provider"
)

const (
	DefaultStagingSlots  = 2
	DefaultStagingMemory = 2 << 30
)

// StagingPool copies objects that must be buffered in memory. It runs at
// most slots copies at once and keeps the summed size of in-flight objects
// under the memory budget.
type StagingPool struct {
	client provider.Client
	slots  int
	budget int64
	memory *semaphore.Weighted
	logger datacopy.Logger
	obs    *observability.Provider
}

type StagingOption func(*StagingPool)

func WithStagingSlots(n int) StagingOption {
	return func(p *StagingPool) {
		if n > 0 {
			p.slots = n
		}
	}
}

func WithStagingMemory(bytes int64) StagingOption {
	return func(p *StagingPool) {
		if bytes > 0 {
			p.budget = bytes
		}
	}
}

func WithStagingLogger(logger datacopy.Logger) StagingOption {
	return func(p *StagingPool) {
		p.logger = datacopy.NormalizeLogger(logger)
	}
}

func WithStagingObservability(obs *observability.Provider) StagingOption {
	return func(p *StagingPool) {
		p.obs = obs
	}
}

func NewStagingPool(client provider.Client, opts ...StagingOption) *StagingPool {
	p := &StagingPool{
		client: client,
		slots:  DefaultStagingSlots,
		budget: DefaultStagingMemory,
		logger: datacopy.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.memory = semaphore.NewWeighted(p.budget)
	return p
}

// Stage copies every object into destinationURI. The first failure cancels
// the remaining copies and is returned.
func (p *StagingPool) Stage(ctx context.Context, destinationURI string, objects []provider.Object) error {
	if len(objects) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.slots)

	for _, obj := range objects {
		g.Go(func() error {
			return p.stageOne(gctx, destinationURI, obj)
		})
	}
	return g.Wait()
}

func (p *StagingPool) stageOne(ctx context.Context, destinationURI string, obj provider.Object) (err error) {
	weight := p.weight(obj)
	if err := p.memory.Acquire(ctx, weight); err != nil {
		return err
	}
	defer p.memory.Release(weight)

	completed := false
	defer func() {
		if !completed && err == nil {
			err = datacopy.WrapError("StagingPanic", "staging "+obj.URI+" panicked", nil)
		}
	}()
	defer datacopy.LoggerPanicHandler(p.logger)("workflow.stage", map[string]any{"source": obj.URI})

	target := provider.JoinURI(destinationURI, obj.Name)
	err = p.client.StageObject(ctx, obj, target)
	completed = true
	if err != nil {
		return err
	}
	p.obs.Metrics().RecordStaged(ctx, obj.Size)
	p.logger.Debug("staged %s to %s (%d bytes)", obj.URI, target, obj.Size)
	return nil
}

// Upload pipes external objects into destinationURI. A target already
// holding an object of the same size is left alone. The source uris that
// were actually uploaded are returned in input order.
func (p *StagingPool) Upload(ctx context.Context, destinationURI string, objects []provider.Object) ([]string, error) {
	if len(objects) == 0 {
		return nil, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.slots)

	done := make([]bool, len(objects))
	for i, obj := range objects {
		g.Go(func() error {
			uploaded, err := p.uploadOne(gctx, destinationURI, obj)
			done[i] = uploaded
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []string
	for i, obj := range objects {
		if done[i] {
			out = append(out, obj.URI)
		}
	}
	return out, nil
}

func (p *StagingPool) uploadOne(ctx context.Context, destinationURI string, obj provider.Object) (bool, error) {
	target := provider.JoinURI(destinationURI, obj.Name)
	skip, err := provider.ClearDestination(ctx, p.client, target, obj.Size)
	if err != nil {
		return false, err
	}
	if skip {
		p.logger.Debug("external source %s already present at %s", obj.URI, target)
		return false, nil
	}
	if err := p.client.UploadExternalObject(ctx, obj, target); err != nil {
		return false, err
	}
	p.obs.Metrics().RecordStaged(ctx, obj.Size)
	p.logger.Debug("uploaded %s to %s (%d bytes)", obj.URI, target, obj.Size)
	return true, nil
}

// weight clamps the object size to the budget so oversized objects still
// run, alone.
func (p *StagingPool) weight(obj provider.Object) int64 {
	switch {
	case obj.Size <= 0:
		return 1
	case obj.Size > p.budget:
		return p.budget
	default:
		return obj.Size
	}
}
