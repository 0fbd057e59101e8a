package datasource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailoverPrimaryHealthy(t *testing.T) {
	primary := newFakeStore("postgres")
	primary.leads = []Lead{{ID: "1", Name: "Mario Rossi"}}
	secondary := newFakeStore("airtable")
	ds := testDataSource(primary, secondary, newFakeRedis())

	got, err := ds.Leads(context.Background(), LeadFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Mario Rossi", got[0].Name)

	assert.Equal(t, 1, primary.callCount("Leads"))
	assert.Equal(t, 0, secondary.callCount("Leads"), "secondary must not be contacted")

	samples := ds.Metrics().Samples(opGetLeads)
	require.Len(t, samples, 1)
	assert.Equal(t, "postgres", samples[0].Labels["source"])
	assert.Equal(t, "true", samples[0].Labels["success"])
}

func TestFailoverPrimaryFails(t *testing.T) {
	primary := newFakeStore("postgres")
	primary.err = errors.New("connection refused")
	secondary := newFakeStore("airtable")
	secondary.leads = []Lead{{ID: "rec123", AirtableID: "rec123", Name: "Anna Bianchi"}}
	ds := testDataSource(primary, secondary, newFakeRedis())

	got, err := ds.Leads(context.Background(), LeadFilter{})
	require.NoError(t, err, "caller must not see the primary failure")
	require.Len(t, got, 1)
	assert.Equal(t, "Anna Bianchi", got[0].Name)

	samples := ds.Metrics().Samples(opGetLeads)
	require.Len(t, samples, 2, "one sample per store contacted")
	assert.Equal(t, "postgres", samples[0].Labels["source"])
	assert.Equal(t, "false", samples[0].Labels["success"])
	assert.Contains(t, samples[0].Labels["error"], "connection refused")
	assert.Equal(t, "airtable", samples[1].Labels["source"])
	assert.Equal(t, "true", samples[1].Labels["success"])
}

func TestFailoverBothFail(t *testing.T) {
	primary := newFakeStore("postgres")
	primary.err = errors.New("connection refused")
	secondary := newFakeStore("airtable")
	secondary.err = errors.New("429 Too Many Requests")
	ds := testDataSource(primary, secondary, newFakeRedis())

	_, err := ds.Leads(context.Background(), LeadFilter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, secondary.err, "the secondary failure is the one reported")
	assert.Contains(t, err.Error(), opGetLeads)
}

func TestFailoverPrimaryDisabled(t *testing.T) {
	secondary := newFakeStore("airtable")
	secondary.leads = []Lead{{ID: "rec1"}}
	ds := testDataSource(nil, secondary, newFakeRedis())

	got, err := ds.Leads(context.Background(), LeadFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	samples := ds.Metrics().Samples(opGetLeads)
	require.Len(t, samples, 1)
	assert.Equal(t, "airtable", samples[0].Labels["source"])
}

func TestLeadByIDCachesUnderID(t *testing.T) {
	primary := newFakeStore("postgres")
	primary.lead = &Lead{ID: "u1", Name: "Mario Rossi"}
	rdb := newFakeRedis()
	ds := testDataSource(primary, newFakeStore("airtable"), rdb)

	got, err := ds.LeadByID(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, rdb.data, "leads:u1")

	// Second read is served from cache, not the store.
	again, err := ds.LeadByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, got.Name, again.Name)
	assert.Equal(t, 1, primary.callCount("LeadByID"))
}

func TestLeadByIDNotFoundDoesNotFallBack(t *testing.T) {
	primary := newFakeStore("postgres") // lead stays nil
	secondary := newFakeStore("airtable")
	secondary.lead = &Lead{ID: "rec1"}
	ds := testDataSource(primary, secondary, newFakeRedis())

	got, err := ds.LeadByID(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got, "not found is an answer, not a failure")
	assert.Equal(t, 0, secondary.callCount("LeadByID"))
}

func TestLeadsCachedPerFilterSignature(t *testing.T) {
	primary := newFakeStore("postgres")
	primary.leads = []Lead{{ID: "1", Status: "Nuovo"}}
	rdb := newFakeRedis()
	ds := testDataSource(primary, newFakeStore("airtable"), rdb)
	ctx := context.Background()

	_, err := ds.Leads(ctx, LeadFilter{Status: "Nuovo", Limit: 10})
	require.NoError(t, err)
	_, err = ds.Leads(ctx, LeadFilter{})
	require.NoError(t, err)

	assert.Contains(t, rdb.data, "leads:limit=10&stato=Nuovo")
	assert.Contains(t, rdb.data, "leads:all")
	assert.Equal(t, 2, primary.callCount("Leads"))
}

func TestActivitiesLeadScope(t *testing.T) {
	primary := newFakeStore("postgres")
	primary.activities = []Activity{{ID: "a1", Title: "Chiamata", LeadIDs: []string{"u1"}}}
	rdb := newFakeRedis()
	ds := testDataSource(primary, newFakeStore("airtable"), rdb)

	got, err := ds.Activities(context.Background(), ActivityFilter{LeadID: "u1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, rdb.data, "activities:lead=u1")
}

func TestWritesAreNeverCached(t *testing.T) {
	primary := newFakeStore("postgres")
	rdb := newFakeRedis()
	ds := testDataSource(primary, newFakeStore("airtable"), rdb)
	ctx := context.Background()

	created, err := ds.CreateLead(ctx, &Lead{Name: "Mario Rossi"})
	require.NoError(t, err)
	assert.Equal(t, "created-postgres", created.ID)
	assert.Equal(t, 1, primary.callCount("CreateLead"))

	again, err := ds.CreateLead(ctx, &Lead{Name: "Mario Rossi"})
	require.NoError(t, err)
	assert.NotNil(t, again)
	assert.Equal(t, 2, primary.callCount("CreateLead"), "every write reaches the store")
}

func TestCreateLeadFailsOverToSecondary(t *testing.T) {
	primary := newFakeStore("postgres")
	primary.err = errors.New("deadlock detected")
	secondary := newFakeStore("airtable")
	ds := testDataSource(primary, secondary, newFakeRedis())

	created, err := ds.CreateLead(context.Background(), &Lead{Name: "Anna"})
	require.NoError(t, err)
	assert.Equal(t, "created-airtable", created.ID)
}

func TestUpdateActivityNilMeansNoMatch(t *testing.T) {
	primary := newFakeStore("postgres") // activity stays nil
	ds := testDataSource(primary, newFakeStore("airtable"), newFakeRedis())

	status := "Completata"
	got, err := ds.UpdateActivity(context.Background(), "missing", ActivityPatch{Status: &status})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReadsSurviveRedisOutage(t *testing.T) {
	primary := newFakeStore("postgres")
	primary.leads = []Lead{{ID: "1"}}
	rdb := newFakeRedis()
	rdb.failing = true
	ds := testDataSource(primary, newFakeStore("airtable"), rdb)

	got, err := ds.Leads(context.Background(), LeadFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestFilterParams(t *testing.T) {
	assert.Empty(t, leadFilterParams(LeadFilter{}))
	assert.Equal(t,
		map[string]string{"stato": "Nuovo", "limit": "10", "offset": "20"},
		leadFilterParams(LeadFilter{Status: "Nuovo", Limit: 10, Offset: 20}))

	assert.Empty(t, activityFilterParams(ActivityFilter{}))
	assert.Equal(t,
		map[string]string{"lead": "u1", "limit": "5"},
		activityFilterParams(ActivityFilter{LeadID: "u1", Limit: 5}))
}
