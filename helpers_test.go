package datasource

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeRedis implements redisCmdable over a plain map. Set failing to make
// every command return a connection error.
type fakeRedis struct {
	mu       sync.Mutex
	data     map[string]string
	failing  bool
	getCalls int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}}
}

var errRedisDown = errors.New("redis: connection refused")

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++

	if f.failing {
		return redis.NewStringResult("", errRedisDown)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return redis.NewStatusResult("", errRedisDown)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Keys(ctx context.Context, pattern string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return redis.NewStringSliceResult(nil, errRedisDown)
	}

	prefix := strings.TrimSuffix(pattern, "*")
	keys := []string{}
	for k := range f.data {
		if pattern == k || (strings.HasSuffix(pattern, "*") && strings.HasPrefix(k, prefix)) {
			keys = append(keys, k)
		}
	}
	return redis.NewStringSliceResult(keys, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return redis.NewIntResult(0, errRedisDown)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

// fakeStore implements Store in memory, with per-method call counts and an
// optional blanket error.
type fakeStore struct {
	name string
	err  error

	leads      []Lead
	lead       *Lead
	activities []Activity
	activity   *Activity

	mu    sync.Mutex
	calls map[string]int
}

func newFakeStore(name string) *fakeStore {
	return &fakeStore{name: name, calls: map[string]int{}}
}

func (f *fakeStore) called(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
}

func (f *fakeStore) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeStore) Name() string { return f.name }

func (f *fakeStore) Leads(ctx context.Context, _ LeadFilter) ([]Lead, error) {
	f.called("Leads")
	if f.err != nil {
		return nil, f.err
	}
	return f.leads, nil
}

func (f *fakeStore) LeadByID(ctx context.Context, id string) (*Lead, error) {
	f.called("LeadByID")
	if f.err != nil {
		return nil, f.err
	}
	return f.lead, nil
}

func (f *fakeStore) CreateLead(ctx context.Context, l *Lead) (*Lead, error) {
	f.called("CreateLead")
	if f.err != nil {
		return nil, f.err
	}
	created := *l
	created.ID = "created-" + f.name
	return &created, nil
}

func (f *fakeStore) Activities(ctx context.Context, _ ActivityFilter) ([]Activity, error) {
	f.called("Activities")
	if f.err != nil {
		return nil, f.err
	}
	return f.activities, nil
}

func (f *fakeStore) CreateActivity(ctx context.Context, a *Activity) (*Activity, error) {
	f.called("CreateActivity")
	if f.err != nil {
		return nil, f.err
	}
	created := *a
	created.ID = "created-" + f.name
	return &created, nil
}

func (f *fakeStore) UpdateActivity(ctx context.Context, id string, patch ActivityPatch) (*Activity, error) {
	f.called("UpdateActivity")
	if f.err != nil {
		return nil, f.err
	}
	return f.activity, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	f.called("Ping")
	return f.err
}

func testDataSource(primary, secondary Store, rdb *fakeRedis) *DataSource {
	logger := quietLogger()
	return newDataSource(primary, secondary, NewCache(rdb, logger), NewRecorder(logger), primary != nil, logger)
}
