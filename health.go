package datasource

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

const probeTimeout = 5 * time.Second

// ProbeResult reports one store's availability and probe latency.
type ProbeResult struct {
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthReport is the externally observable health contract. The JSON
// field names are the store names the CRM dashboard expects.
type HealthReport struct {
	Primary   ProbeResult `json:"postgres"`
	Secondary ProbeResult `json:"airtable"`
}

/*
	Health probes both stores with a single trivial read each. The probes
	run concurrently and independently: a hanging or failing store never
	blocks the other store's result, and each probe carries its own
	deadline.
*/
func (ds *DataSource) Health(ctx context.Context) HealthReport {
	var report HealthReport

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report.Primary = probe(gctx, ds.primary)
		return nil
	})
	g.Go(func() error {
		report.Secondary = probe(gctx, ds.secondary)
		return nil
	})
	g.Wait()

	return report
}

func probe(ctx context.Context, st Store) ProbeResult {
	if st == nil {
		return ProbeResult{Error: "store disabled"}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	if err := st.Ping(ctx); err != nil {
		return ProbeResult{Error: err.Error()}
	}
	return ProbeResult{Healthy: true, LatencyMs: time.Since(start).Milliseconds()}
}
