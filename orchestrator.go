package datasource

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Operation names used for metric samples and log fields. These match the
// CRM's historical operation naming, so dashboards keep working.
const (
	opGetLeads       = "getLeads"
	opGetLeadByID    = "getLeadById"
	opCreateLead     = "createLead"
	opGetActivities  = "getActivities"
	opCreateActivity = "createActivity"
	opUpdateActivity = "updateActivity"
)

// Store is the contract both backing stores implement. The orchestrator
// only ever talks to this interface; which concrete store served a call is
// its decision alone.
type Store interface {
	Name() string

	Leads(ctx context.Context, f LeadFilter) ([]Lead, error)
	LeadByID(ctx context.Context, id string) (*Lead, error)
	CreateLead(ctx context.Context, l *Lead) (*Lead, error)

	Activities(ctx context.Context, f ActivityFilter) ([]Activity, error)
	CreateActivity(ctx context.Context, a *Activity) (*Activity, error)
	UpdateActivity(ctx context.Context, id string, patch ActivityPatch) (*Activity, error)

	Ping(ctx context.Context) error
}

/*
	DataSource coordinates the two backing stores.

	Every operation attempts the primary store first (when enabled), and on
	any failure re-executes the equivalent operation against the secondary
	store. The fallback is strictly sequential, never raced against the
	primary attempt, so the external API is not billed for reads the
	database would have served. A second failure propagates to the caller.

	Exactly one metric sample is recorded per store actually contacted.
*/
type DataSource struct {
	primary    Store // nil when the primary store is disabled
	secondary  Store
	cache      *Cache
	metrics    *Recorder
	search     *Searcher
	usePrimary bool
	log        *logrus.Entry

	rdb *redis.Client // owned when built by Open, nil otherwise
}

func newDataSource(primary, secondary Store, cache *Cache, metrics *Recorder, usePrimary bool, logger *logrus.Logger) *DataSource {
	return &DataSource{
		primary:    primary,
		secondary:  secondary,
		cache:      cache,
		metrics:    metrics,
		usePrimary: usePrimary && primary != nil,
		log:        componentLogger(logger, "datasource"),
	}
}

// Open builds a DataSource and its collaborators from configuration. Call
// once at process start and pass the handle down.
func Open(conf *Config, logger *logrus.Logger) (*DataSource, error) {
	var primary Store
	var pg *postgresStore
	if conf.UsePostgres {
		var err error
		pg, err = newPostgresStore(conf.Postgres, logger)
		if err != nil {
			return nil, err
		}
		primary = pg
	}

	secondary := newAirtableStore(conf.Airtable, logger)

	rdb := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	cache := NewCache(rdb, logger)

	ds := newDataSource(primary, secondary, cache, NewRecorder(logger), conf.UsePostgres, logger)
	ds.rdb = rdb
	if pg != nil {
		ds.search = NewSearcher(pg.db, cache, logger)
	}
	return ds, nil
}

var (
	defaultOnce sync.Once
	defaultDS   *DataSource
	defaultErr  error
)

// Default returns the process-wide DataSource, built lazily from the
// environment on first use. Concurrent first callers share one
// initialization.
func Default(logger *logrus.Logger) (*DataSource, error) {
	defaultOnce.Do(func() {
		conf, err := LoadConfig()
		if err != nil {
			defaultErr = err
			return
		}
		defaultDS, defaultErr = Open(conf, logger)
	})
	return defaultDS, defaultErr
}

func (ds *DataSource) Close() error {
	var err error
	if pg, ok := ds.primary.(*postgresStore); ok && pg != nil {
		err = pg.Close()
	}
	if ds.rdb != nil {
		if cerr := ds.rdb.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Metrics exposes the recorder for operational endpoints.
func (ds *DataSource) Metrics() *Recorder { return ds.metrics }

// Search returns the search gateway, or nil when the primary store is
// disabled (search runs against Postgres only).
func (ds *DataSource) Search() *Searcher { return ds.search }

// Leads lists leads, cached per canonical filter signature.
func (ds *DataSource) Leads(ctx context.Context, f LeadFilter) ([]Lead, error) {
	key := QueryKey(leadFilterParams(f))
	return CachedQuery(ctx, ds.cache, NamespaceLeads, key, TTLList, func(ctx context.Context) ([]Lead, error) {
		return failover(ctx, ds, opGetLeads, func(ctx context.Context, st Store) ([]Lead, error) {
			return st.Leads(ctx, f)
		})
	})
}

// LeadByID fetches one lead by either identifier flavor. A nil lead with a
// nil error means not found.
func (ds *DataSource) LeadByID(ctx context.Context, id string) (*Lead, error) {
	return CachedQuery(ctx, ds.cache, NamespaceLeads, id, TTLDetail, func(ctx context.Context) (*Lead, error) {
		return failover(ctx, ds, opGetLeadByID, func(ctx context.Context, st Store) (*Lead, error) {
			return st.LeadByID(ctx, id)
		})
	})
}

func (ds *DataSource) CreateLead(ctx context.Context, l *Lead) (*Lead, error) {
	created, err := failover(ctx, ds, opCreateLead, func(ctx context.Context, st Store) (*Lead, error) {
		return st.CreateLead(ctx, l)
	})
	if err != nil {
		return nil, err
	}

	ds.invalidateAsync(NamespaceLeads, NamespaceSearch)
	return created, nil
}

func (ds *DataSource) Activities(ctx context.Context, f ActivityFilter) ([]Activity, error) {
	key := QueryKey(activityFilterParams(f))
	return CachedQuery(ctx, ds.cache, NamespaceActivities, key, TTLList, func(ctx context.Context) ([]Activity, error) {
		return failover(ctx, ds, opGetActivities, func(ctx context.Context, st Store) ([]Activity, error) {
			return st.Activities(ctx, f)
		})
	})
}

func (ds *DataSource) CreateActivity(ctx context.Context, a *Activity) (*Activity, error) {
	created, err := failover(ctx, ds, opCreateActivity, func(ctx context.Context, st Store) (*Activity, error) {
		return st.CreateActivity(ctx, a)
	})
	if err != nil {
		return nil, err
	}

	ds.invalidateAsync(NamespaceActivities, NamespaceSearch)
	return created, nil
}

// UpdateActivity patches status/outcome. A nil activity with nil error
// means the id matched nothing.
func (ds *DataSource) UpdateActivity(ctx context.Context, id string, patch ActivityPatch) (*Activity, error) {
	updated, err := failover(ctx, ds, opUpdateActivity, func(ctx context.Context, st Store) (*Activity, error) {
		return st.UpdateActivity(ctx, id, patch)
	})
	if err != nil {
		return nil, err
	}

	ds.invalidateAsync(NamespaceActivities, NamespaceSearch)
	return updated, nil
}

/*
	failover runs one logical operation with the read-failover policy: try
	primary, then secondary, each attempt timed and recorded. There is
	deliberately no retry beyond the single fallback, and no attempt to
	classify the primary failure as retryable or not.
*/
func failover[T any](ctx context.Context, ds *DataSource, op string, run func(context.Context, Store) (T, error)) (T, error) {
	if ds.usePrimary {
		start := time.Now()
		out, err := run(ctx, ds.primary)
		ds.observe(op, ds.primary.Name(), start, err)
		if err == nil {
			return out, nil
		}
		ds.log.WithError(err).WithFields(logrus.Fields{
			"op":     op,
			"source": ds.primary.Name(),
		}).Warn("primary store failed, falling back")
	}

	start := time.Now()
	out, err := run(ctx, ds.secondary)
	ds.observe(op, ds.secondary.Name(), start, err)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// observe records the one metric sample the contacted store earned.
func (ds *DataSource) observe(op, source string, start time.Time, err error) {
	labels := map[string]string{
		"source":  source,
		"success": strconv.FormatBool(err == nil),
	}
	if err != nil {
		labels["error"] = err.Error()
	}
	ds.metrics.Record(op, float64(time.Since(start).Milliseconds()), UnitMillis, labels)
}

// invalidateAsync clears the given namespaces on a detached branch: the
// write that triggered it never waits for, or fails on, cache cleanup.
func (ds *DataSource) invalidateAsync(namespaces ...string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, ns := range namespaces {
			ds.cache.Invalidate(ctx, ns, "*")
		}
	}()
}

func leadFilterParams(f LeadFilter) map[string]string {
	params := map[string]string{}
	if f.Status != "" {
		params["stato"] = f.Status
	}
	if f.Limit > 0 {
		params["limit"] = strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		params["offset"] = strconv.Itoa(f.Offset)
	}
	return params
}

func activityFilterParams(f ActivityFilter) map[string]string {
	params := map[string]string{}
	if f.LeadID != "" {
		params["lead"] = f.LeadID
	}
	if f.Limit > 0 {
		params["limit"] = strconv.Itoa(f.Limit)
	}
	return params
}
