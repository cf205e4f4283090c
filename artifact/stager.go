package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"

	fleetconfig "github.com/Octogonapus/S3BenchmarkFleet/fleet_config"
	"github.com/alitto/pond"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/singleflight"
)

type StagerInput struct {
	Store       Store
	Concurrency int       // the number of scripts staged at once. 3 by default.
	Progress    io.Writer // upload progress is written here if set
}

// Stages scripts into a Store. Each distinct source path is staged once; later and concurrent calls for the same
// path share the first call's Reference.
type Stager struct {
	input  *StagerInput
	group  singleflight.Group
	mu     sync.Mutex
	staged map[string]*Reference
}

func NewStager(input *StagerInput) *Stager {
	return &Stager{
		input:  input,
		staged: map[string]*Reference{},
	}
}

func (s *Stager) Stage(ctx context.Context, src Source) (*Reference, error) {
	if ref := s.lookup(src.Path); ref != nil {
		return ref, nil
	}

	v, err, shared := s.group.Do(src.Path, func() (any, error) {
		// A call that finished between lookup and Do already stored the result
		if ref := s.lookup(src.Path); ref != nil {
			return ref, nil
		}
		ref, err := s.stage(ctx, src)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.staged[src.Path] = ref
		s.mu.Unlock()
		return ref, nil
	})
	if err != nil {
		return nil, &StagingError{Path: src.Path, Err: err}
	}
	if shared {
		slog.Debug("shared concurrent staging", slog.String("path", src.Path))
	}
	return v.(*Reference), nil
}

func (s *Stager) lookup(p string) *Reference {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged[p]
}

func (s *Stager) stage(ctx context.Context, src Source) (*Reference, error) {
	rc, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("opening script failed: %w", err)
	}
	defer rc.Close()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading script failed: %w", err)
	}

	ref := &Reference{
		Bucket: s.input.Store.Bucket(),
		Key:    contentKey(src.Path, buf),
	}

	exists, err := s.input.Store.Exists(ctx, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("checking for staged script failed: %w", err)
	}
	if exists {
		slog.Debug("script already staged", slog.String("path", src.Path), slog.String("uri", ref.URI()))
		return s.sign(ctx, ref)
	}

	var body io.Reader = bytes.NewReader(buf)
	if s.input.Progress != nil {
		bar := progressbar.NewOptions64(int64(len(buf)),
			progressbar.OptionSetWriter(s.input.Progress),
			progressbar.OptionSetDescription(fmt.Sprintf("Staging %s:", path.Base(src.Path))),
			progressbar.OptionShowBytes(true),
		)
		defer bar.Finish()
		pr := progressbar.NewReader(body, bar)
		body = &pr
	}

	err = s.input.Store.Put(ctx, ref.Key, body, int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("uploading script failed: %w", err)
	}
	slog.Debug("staged script", slog.String("path", src.Path), slog.String("uri", ref.URI()))
	return s.sign(ctx, ref)
}

func (s *Stager) sign(ctx context.Context, ref *Reference) (*Reference, error) {
	signer, ok := s.input.Store.(URLSigner)
	if !ok {
		return ref, nil
	}
	u, err := signer.PresignGet(ctx, ref.Key)
	if err != nil {
		return nil, fmt.Errorf("presigning %s failed: %w", ref.URI(), err)
	}
	ref.URL = u
	return ref, nil
}

// StageProject stages the bootstrap script, the dashboard script, and the project's run script.
// A project that is not in cfg is a *fleetconfig.ConfigurationError; any upload failure is a *StagingError.
func (s *Stager) StageProject(ctx context.Context, cfg *fleetconfig.BenchmarkConfig, projectName string) (*Artifacts, error) {
	p, err := cfg.Project(projectName)
	if err != nil {
		return nil, err
	}

	sources := []Source{BootstrapScript(), DashboardScript(), FileSource(cfg.ScriptPath(p))}
	refs := make([]*Reference, len(sources))
	errs := make([]error, len(sources))

	concurrency := s.input.Concurrency
	if concurrency <= 0 {
		concurrency = len(sources)
	}
	pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
	for i, src := range sources {
		i, src := i, src
		pool.Submit(func() {
			refs[i], errs[i] = s.Stage(ctx, src)
		})
	}
	pool.StopAndWait()

	for _, err := range errs {
		if err != nil {
			slog.Error("staging failed", slog.String("project", projectName), slog.String("error", err.Error()))
			return nil, err
		}
	}

	return &Artifacts{
		Bootstrap: refs[0],
		Dashboard: refs[1],
		Run:       refs[2],
	}, nil
}
