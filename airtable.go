package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	airtableBaseURL  = "https://api.airtable.com/v0"
	airtablePageSize = 100

	// Airtable allows 5 requests per second per base.
	airtableRequestInterval = 200 * time.Millisecond
)

var errRecordNotFound = errors.New("airtable: record not found")

type airtableRecord struct {
	ID          string                 `json:"id"`
	CreatedTime time.Time              `json:"createdTime"`
	Fields      map[string]interface{} `json:"fields"`
}

type airtableListResponse struct {
	Records []*airtableRecord `json:"records"`
	Offset  string            `json:"offset"`
}

/*
	airtableStore is the secondary store client: a stateless HTTP wrapper
	around the Airtable REST API with client-side request pacing. It holds no
	connection pool of its own; the API's rate limits are the only ceiling.
*/
type airtableStore struct {
	client  *http.Client
	baseURL string
	apiKey  string
	baseID  string
	tables  AirtableConfig
	log     *logrus.Entry

	mu          sync.Mutex
	lastRequest time.Time
}

func newAirtableStore(conf AirtableConfig, logger *logrus.Logger) *airtableStore {
	return &airtableStore{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: airtableBaseURL,
		apiKey:  conf.APIKey,
		baseID:  conf.BaseID,
		tables:  conf,
		log:     componentLogger(logger, "airtable"),
	}
}

func (s *airtableStore) Name() string { return "airtable" }

func (s *airtableStore) Leads(ctx context.Context, f LeadFilter) ([]Lead, error) {
	formula := ""
	if f.Status != "" {
		formula = fmt.Sprintf("{%s} = '%s'", fieldStato, escapeFormulaValue(f.Status))
	}

	max := 0
	if f.Limit > 0 {
		max = f.Offset + f.Limit
	}

	records, err := s.listRecords(ctx, s.tables.LeadsTable, formula, max)
	if err != nil {
		return nil, err
	}

	// Airtable has no native offset-by-count; slice like the pagination the
	// API itself would have skipped.
	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return []Lead{}, nil
		}
		records = records[f.Offset:]
	}
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}

	leads := make([]Lead, 0, len(records))
	for _, rec := range records {
		leads = append(leads, leadFromRecord(rec))
	}
	return leads, nil
}

func (s *airtableStore) LeadByID(ctx context.Context, id string) (*Lead, error) {
	rec, err := s.getRecord(ctx, s.tables.LeadsTable, id)
	if errors.Is(err, errRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	lead := leadFromRecord(rec)
	return &lead, nil
}

func (s *airtableStore) CreateLead(ctx context.Context, l *Lead) (*Lead, error) {
	rec, err := s.createRecord(ctx, s.tables.LeadsTable, leadToFields(l))
	if err != nil {
		return nil, err
	}

	created := leadFromRecord(rec)
	return &created, nil
}

func (s *airtableStore) Activities(ctx context.Context, f ActivityFilter) ([]Activity, error) {
	formula := ""
	if f.LeadID != "" {
		formula = fmt.Sprintf("FIND('%s', ARRAYJOIN({%s}))", escapeFormulaValue(f.LeadID), fieldIDLead)
	}

	records, err := s.listRecords(ctx, s.tables.ActivitiesTable, formula, f.Limit)
	if err != nil {
		return nil, err
	}
	if f.Limit > 0 && len(records) > f.Limit {
		records = records[:f.Limit]
	}

	activities := make([]Activity, 0, len(records))
	for _, rec := range records {
		activities = append(activities, activityFromRecord(rec))
	}
	return activities, nil
}

func (s *airtableStore) CreateActivity(ctx context.Context, a *Activity) (*Activity, error) {
	rec, err := s.createRecord(ctx, s.tables.ActivitiesTable, activityToFields(a))
	if err != nil {
		return nil, err
	}

	created := activityFromRecord(rec)
	return &created, nil
}

func (s *airtableStore) UpdateActivity(ctx context.Context, id string, patch ActivityPatch) (*Activity, error) {
	fields := map[string]interface{}{}
	if patch.Status != nil {
		fields[fieldStato] = *patch.Status
	}
	if patch.Outcome != nil {
		fields[fieldEsito] = *patch.Outcome
	}

	rec, err := s.updateRecord(ctx, s.tables.ActivitiesTable, id, fields)
	if errors.Is(err, errRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	updated := activityFromRecord(rec)
	return &updated, nil
}

// Ping fetches at most one lead record as the health probe.
func (s *airtableStore) Ping(ctx context.Context) error {
	query := url.Values{}
	query.Set("maxRecords", "1")

	var resp airtableListResponse
	return s.request(ctx, http.MethodGet, s.tables.LeadsTable, query, nil, &resp)
}

// listRecords follows the offset cursor until the table is exhausted or
// maxRecords (0 = unlimited) have been collected.
func (s *airtableStore) listRecords(ctx context.Context, table, formula string, maxRecords int) ([]*airtableRecord, error) {
	records := []*airtableRecord{}
	offset := ""

	for {
		query := url.Values{}
		query.Set("pageSize", strconv.Itoa(airtablePageSize))
		if formula != "" {
			query.Set("filterByFormula", formula)
		}
		if offset != "" {
			query.Set("offset", offset)
		}

		var page airtableListResponse
		if err := s.request(ctx, http.MethodGet, table, query, nil, &page); err != nil {
			return nil, err
		}

		records = append(records, page.Records...)

		if page.Offset == "" {
			return records, nil
		}
		if maxRecords > 0 && len(records) >= maxRecords {
			return records, nil
		}
		offset = page.Offset
	}
}

func (s *airtableStore) getRecord(ctx context.Context, table, id string) (*airtableRecord, error) {
	rec := &airtableRecord{}
	if err := s.request(ctx, http.MethodGet, table+"/"+id, nil, nil, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *airtableStore) createRecord(ctx context.Context, table string, fields map[string]interface{}) (*airtableRecord, error) {
	rec := &airtableRecord{}
	body := map[string]interface{}{"fields": fields}
	if err := s.request(ctx, http.MethodPost, table, nil, body, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *airtableStore) updateRecord(ctx context.Context, table, id string, fields map[string]interface{}) (*airtableRecord, error) {
	rec := &airtableRecord{}
	body := map[string]interface{}{"fields": fields}
	if err := s.request(ctx, http.MethodPatch, table+"/"+id, nil, body, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *airtableStore) request(ctx context.Context, method, path string, query url.Values, body, dest interface{}) error {
	s.pace()

	endpoint := s.baseURL + "/" + s.baseID + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errRecordNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("airtable: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	return json.NewDecoder(resp.Body).Decode(dest)
}

// pace spaces requests out so the client stays under the API rate limit.
func (s *airtableStore) pace() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wait := airtableRequestInterval - time.Since(s.lastRequest); wait > 0 {
		time.Sleep(wait)
	}
	s.lastRequest = time.Now()
}

func escapeFormulaValue(v string) string {
	return strings.ReplaceAll(v, "'", "\\'")
}
