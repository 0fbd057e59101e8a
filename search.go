package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSearchLimit = 20

	// Rank assigned to every row matched by the substring fallback, which
	// has no relevance signal of its own.
	fallbackRank = 0.5
)

// SearchHit is one ranked search result, shaped the same for every entity
// so cross-entity results can be merged and re-sorted.
type SearchHit struct {
	Entity     Entity  `json:"entity"`
	ID         string  `json:"id"`
	AirtableID string  `json:"airtable_id,omitempty"`
	Title      string  `json:"title"`
	Subtitle   string  `json:"subtitle,omitempty"`
	Status     string  `json:"status,omitempty"`
	Date       string  `json:"date,omitempty"`
	Rank       float64 `json:"rank"`
}

type searchQuery struct {
	tsquery string // "mario & rossi"
	pattern string // "%mario rossi%"
	leadID  string
	limit   int
}

// searchBackend executes the two query flavors against the primary store.
// Split out as an interface so the gateway's fallback and caching logic is
// testable without a database.
type searchBackend interface {
	fullText(ctx context.Context, e Entity, q searchQuery) ([]SearchHit, error)
	substring(ctx context.Context, e Entity, q searchQuery) ([]SearchHit, error)
}

/*
	Searcher is the search gateway: ranked full-text search against the
	primary store, degrading to a case-insensitive substring scan when the
	full-text path cannot execute (missing index or extension). Zero results
	is a valid success and never triggers the fallback.
*/
type Searcher struct {
	backend searchBackend
	cache   *Cache
	log     *logrus.Entry
}

func NewSearcher(db *sqlx.DB, cache *Cache, logger *logrus.Logger) *Searcher {
	return &Searcher{
		backend: &pgSearchBackend{db: db},
		cache:   cache,
		log:     componentLogger(logger, "search"),
	}
}

/*
	Search runs one per-entity search. leadID scopes activity searches to a
	single lead and is ignored for entities without a lead relation.

	The query text is trimmed and lower-cased before it is used as both
	cache key material and search input; whitespace-separated tokens combine
	conjunctively.
*/
func (s *Searcher) Search(ctx context.Context, entity Entity, queryText, leadID string, limit int) ([]SearchHit, error) {
	norm := strings.ToLower(strings.TrimSpace(queryText))
	if norm == "" {
		return []SearchHit{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	scope := QueryKey(map[string]string{"lead": leadID})
	key := string(entity) + ":" + scope + ":" + norm

	return CachedQuery(ctx, s.cache, NamespaceSearch, key, TTLSearch, func(ctx context.Context) ([]SearchHit, error) {
		q := searchQuery{
			tsquery: strings.Join(strings.Fields(norm), " & "),
			pattern: "%" + norm + "%",
			leadID:  leadID,
			limit:   limit,
		}

		hits, err := s.backend.fullText(ctx, entity, q)
		if err == nil {
			return hits, nil
		}

		// Degraded but expected mode, not a failure of the operation.
		s.log.WithError(err).WithField("entity", entity).Warn("full-text search unavailable, using substring fallback")

		return s.backend.substring(ctx, entity, q)
	})
}

/*
	GlobalSearch fans the query out across every searchable entity
	concurrently, giving each an even share of the overall limit, then
	merges the union, re-sorts by rank (recency as tiebreak), and truncates.

	Each branch handles its own failure: one entity erroring out costs only
	its share of the results.
*/
func (s *Searcher) GlobalSearch(ctx context.Context, queryText string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	entities := []Entity{EntityLead, EntityActivity, EntityOrder, EntityProduct}
	perEntity := limit / len(entities)
	if perEntity < 1 {
		perEntity = 1
	}

	results := make([][]SearchHit, len(entities))
	errs := make([]error, len(entities))

	g, gctx := errgroup.WithContext(ctx)
	for i, entity := range entities {
		i, entity := i, entity
		g.Go(func() error {
			hits, err := s.Search(gctx, entity, queryText, "", perEntity)
			if err != nil {
				s.log.WithError(err).WithField("entity", entity).Warn("global search branch failed")
				errs[i] = err
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	g.Wait()

	merged := []SearchHit{}
	failed := 0
	var lastErr error
	for i := range entities {
		if errs[i] != nil {
			failed++
			lastErr = errs[i]
			continue
		}
		merged = append(merged, results[i]...)
	}
	if failed == len(entities) {
		return nil, lastErr
	}

	sortHits(merged)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func sortHits(hits []SearchHit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Rank != hits[j].Rank {
			return hits[i].Rank > hits[j].Rank
		}
		return hits[i].Date > hits[j].Date
	})
}

// searchTable describes how one entity's table maps onto the common
// search-hit shape.
type searchTable struct {
	table    string
	title    string
	subtitle string
	status   string
	date     string
	likeCols []string
	leadCol  string // JSONB relation column for lead scoping, "" if none
}

var searchTables = map[Entity]searchTable{
	EntityLead: {
		table:    "leads",
		title:    `"Nome"`,
		subtitle: `"Città"`,
		status:   `"Stato"`,
		date:     `"Data"`,
		likeCols: []string{`"Nome"`, `"Telefono"`, `"Email"`, `"Città"`},
	},
	EntityActivity: {
		table:    "activities",
		title:    `"Titolo"`,
		subtitle: `"Tipo"`,
		status:   `"Esito"`,
		date:     `"Data"`,
		likeCols: []string{`"Titolo"`, `"Note"`, `"Tipo"`},
		leadCol:  `"ID Lead"`,
	},
	EntityOrder: {
		table:    "orders",
		title:    `"ID_Ordine"`,
		subtitle: `"Totale_Finale"::text`,
		status:   `"Stato_Ordine"`,
		date:     `"Data_Ordine"`,
		likeCols: []string{`"ID_Ordine"`, `"Note_Cliente"`, `"Note_Interne"`, `"Stato_Ordine"`},
	},
	EntityProduct: {
		table:    "products",
		title:    `"Nome_Prodotto"`,
		subtitle: `"Categoria"`,
		status:   `"Codice_Matrice"`,
		date:     `created_at::text`,
		likeCols: []string{`"Nome_Prodotto"`, `"Descrizione"`, `"Categoria"`, `"Codice_Matrice"`},
	},
}

type searchRow struct {
	ID         string         `db:"id"`
	AirtableID sql.NullString `db:"airtable_id"`
	Title      sql.NullString `db:"title"`
	Subtitle   sql.NullString `db:"subtitle"`
	Status     sql.NullString `db:"status"`
	Date       sql.NullString `db:"date"`
	Rank       float64        `db:"rank"`
}

// pgSearchBackend issues the actual queries against Postgres.
type pgSearchBackend struct {
	db *sqlx.DB
}

func (b *pgSearchBackend) fullText(ctx context.Context, e Entity, q searchQuery) ([]SearchHit, error) {
	t, ok := searchTables[e]
	if !ok {
		return []SearchHit{}, nil
	}

	query := `SELECT id, airtable_id,
		COALESCE(` + t.title + `, '') AS title,
		COALESCE(` + t.subtitle + `, '') AS subtitle,
		COALESCE(` + t.status + `, '') AS status,
		COALESCE(` + t.date + `, '') AS "date",
		ts_rank(search_vector, query) AS rank
	FROM ` + t.table + `, to_tsquery('italian', $1) query
	WHERE search_vector @@ query`
	args := []interface{}{q.tsquery}

	query, args = appendLeadScope(query, args, t, q.leadID)

	args = append(args, q.limit)
	query += ` ORDER BY rank DESC, ` + t.date + ` DESC LIMIT $` + strconv.Itoa(len(args))

	return b.run(ctx, e, query, args)
}

func (b *pgSearchBackend) substring(ctx context.Context, e Entity, q searchQuery) ([]SearchHit, error) {
	t, ok := searchTables[e]
	if !ok {
		return []SearchHit{}, nil
	}

	conds := make([]string, 0, len(t.likeCols))
	for _, col := range t.likeCols {
		conds = append(conds, col+` ILIKE $1`)
	}

	query := `SELECT id, airtable_id,
		COALESCE(` + t.title + `, '') AS title,
		COALESCE(` + t.subtitle + `, '') AS subtitle,
		COALESCE(` + t.status + `, '') AS status,
		COALESCE(` + t.date + `, '') AS "date",
		` + strconv.FormatFloat(fallbackRank, 'f', 1, 64) + ` AS rank
	FROM ` + t.table + `
	WHERE (` + strings.Join(conds, " OR ") + `)`
	args := []interface{}{q.pattern}

	query, args = appendLeadScope(query, args, t, q.leadID)

	args = append(args, q.limit)
	query += ` ORDER BY ` + t.date + ` DESC LIMIT $` + strconv.Itoa(len(args))

	return b.run(ctx, e, query, args)
}

func (b *pgSearchBackend) run(ctx context.Context, e Entity, query string, args []interface{}) ([]SearchHit, error) {
	rows, err := b.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hits := []SearchHit{}
	for rows.Next() {
		var row searchRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		hits = append(hits, SearchHit{
			Entity:     e,
			ID:         row.ID,
			AirtableID: row.AirtableID.String,
			Title:      row.Title.String,
			Subtitle:   row.Subtitle.String,
			Status:     row.Status.String,
			Date:       row.Date.String,
			Rank:       row.Rank,
		})
	}
	return hits, rows.Err()
}

func appendLeadScope(query string, args []interface{}, t searchTable, leadID string) (string, []interface{}) {
	if leadID == "" || t.leadCol == "" {
		return query, args
	}
	scope, _ := json.Marshal([]string{leadID})
	args = append(args, string(scope))
	return query + ` AND ` + t.leadCol + ` @> $` + strconv.Itoa(len(args)) + `::jsonb`, args
}
