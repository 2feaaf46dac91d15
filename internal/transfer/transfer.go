// Package transfer wires the whole engine together: Prober resolves
// sources, Planner or a resumed PartMap produce the Segment list, and a
// Scheduler drives Workers against the Writer until every byte lands or
// the transfer fails. This is the TransferPlan aggregate: it owns the
// Sources, Segments, and collaborators for one run end to end.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/compiledkernel-idk/kdl/internal/config"
	"github.com/compiledkernel-idk/kdl/internal/eventbus"
	"github.com/compiledkernel-idk/kdl/internal/kdlerr"
	"github.com/compiledkernel-idk/kdl/internal/limiter"
	"github.com/compiledkernel-idk/kdl/internal/partmap"
	"github.com/compiledkernel-idk/kdl/internal/planner"
	"github.com/compiledkernel-idk/kdl/internal/prober"
	"github.com/compiledkernel-idk/kdl/internal/scheduler"
	"github.com/compiledkernel-idk/kdl/internal/segment"
	"github.com/compiledkernel-idk/kdl/internal/source"
	"github.com/compiledkernel-idk/kdl/internal/worker"
	"github.com/compiledkernel-idk/kdl/internal/writer"
)

// Transfer is the top-level aggregate driving one download to completion.
type Transfer struct {
	cfg *config.Config
	bus *eventbus.Bus
	log *slog.Logger

	client worker.HTTPClient
}

// New builds a Transfer. client, if nil, defaults to an *http.Client whose
// Timeout approximates the configured per-request stall timeout.
func New(cfg *config.Config, bus *eventbus.Bus, client worker.HTTPClient) *Transfer {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.Transfer.TimeoutSecs) * time.Second}
	}
	if bus == nil {
		bus = eventbus.New()
	}
	return &Transfer{
		cfg:    cfg,
		bus:    bus,
		log:    slog.Default().With("component", "transfer"),
		client: client,
	}
}

// Bus returns the EventBus this Transfer publishes to, for a caller to
// Subscribe before calling Run.
func (t *Transfer) Bus() *eventbus.Bus { return t.bus }

// Run probes sources, plans (or resumes) segments, and drives the
// Scheduler to completion. It returns the resolved output path and a
// terminal error classified through kdlerr.
func (t *Transfer) Run(ctx context.Context) (string, error) {
	prb := prober.New(t.client)
	sources, totalSize, err := prb.ProbeAll(ctx, t.cfg.AllURLs())
	if err != nil {
		return "", err
	}

	outputPath, err := resolveOutputPath(t.cfg.Output.Path, t.cfg.URL)
	if err != nil {
		return "", kdlerr.Wrap(kdlerr.KindWriteFailed, "resolving output path", err)
	}
	if err := partmap.EnsureDir(outputPath); err != nil {
		return "", kdlerr.Wrap(kdlerr.KindWriteFailed, "creating output directory", err)
	}

	validator := commonValidator(sources)

	pm, segs, err := t.loadOrPlan(outputPath, totalSize, validator, sources)
	if err != nil {
		return "", err
	}

	out, err := writer.Open(outputPath, totalSize)
	if err != nil {
		return "", kdlerr.Wrap(kdlerr.KindWriteFailed, "opening output file", err)
	}
	defer out.Close()

	rate, err := parseBandwidthLimit(t.cfg.Transfer.BandwidthLimit)
	if err != nil {
		return "", kdlerr.Wrap(kdlerr.KindProbeFailed, "invalid bandwidth_limit", err)
	}
	lim := limiter.New(rate)

	pmWriter := partmap.NewWriter(pm)
	defer pmWriter.Close()

	sch := scheduler.New(scheduler.Config{
		Sources:            sources,
		Segments:           segs,
		TotalSize:          totalSize,
		ConnectionsPerHost: t.cfg.Transfer.ConnectionsPerHost,
		Out:                out,
		Limiter:            lim,
		PartMap:            pmWriter,
		Bus:                t.bus,
		Worker:             worker.New(t.client),
	})

	if err := sch.Run(ctx); err != nil {
		return outputPath, err
	}

	if err := partmap.Delete(outputPath); err != nil {
		t.log.WarnContext(ctx, "failed to remove partmap sidecar after completion", "error", err)
	}
	return outputPath, nil
}

// loadOrPlan resumes from an existing sidecar when configured and valid,
// otherwise produces a fresh Segment list via the Planner.
func (t *Transfer) loadOrPlan(outputPath string, totalSize int64, validator string, sources []*source.Source) (*partmap.PartMap, []*segment.Segment, error) {
	if t.cfg.Output.Resume {
		if pm, err := partmap.Load(outputPath, totalSize, validator); err == nil && pm != nil {
			segs := segmentsFromPartMap(pm, totalSize)
			t.log.Info("resuming from partmap", "output", outputPath, "pending_segments", len(segs))
			return pm, segs, nil
		}
	}

	pm := partmap.New(outputPath, totalSize, validator)
	segs := planner.Plan(totalSize, t.cfg.Transfer.InitialSegments)
	return pm, segs, nil
}

// segmentsFromPartMap turns the gaps in an existing PartMap into the
// fresh Pending set a Scheduler starts from; bytes the sidecar already
// records are never re-requested.
func segmentsFromPartMap(pm *partmap.PartMap, totalSize int64) []*segment.Segment {
	missing := pm.Ranges().FindMissing(0, totalSize)
	segs := make([]*segment.Segment, 0, len(missing))
	for i, gap := range missing {
		segs = append(segs, segment.New(i, gap.Start, gap.End))
	}
	return segs
}

func commonValidator(sources []*source.Source) string {
	if len(sources) == 0 {
		return ""
	}
	v := string(sources[0].Validator)
	for _, s := range sources[1:] {
		if string(s.Validator) != v {
			return ""
		}
	}
	return v
}

func resolveOutputPath(configured, firstURL string) (string, error) {
	info, err := os.Stat(configured)
	if err == nil && info.IsDir() {
		u, err := url.Parse(firstURL)
		if err != nil {
			return "", fmt.Errorf("parsing url to derive filename: %w", err)
		}
		name := filepath.Base(u.Path)
		if name == "" || name == "." || name == "/" {
			name = "download"
		}
		return filepath.Join(configured, name), nil
	}
	return configured, nil
}

func parseBandwidthLimit(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	return limiter.ParseRate(raw)
}
