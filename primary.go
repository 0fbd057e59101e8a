package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const leadColumns = `id, airtable_id, "Nome", "Telefono", "Email", "Città", "Esigenza", "Stato", "Data",
	"Fonte", "Attività", "Assegnatario", "Orders", "Notes", created_at, updated_at`

const activityColumns = `id, airtable_id, "Tipo", "Titolo", "Note", "Data", "Stato", "Priorità", "Esito",
	"ID Lead", "Assegnatario", created_at, updated_at`

// postgresStore is the primary store client: a thin wrapper over a pooled
// sqlx connection issuing parameterized queries.
type postgresStore struct {
	db  *sqlx.DB
	log *logrus.Entry

	pingTimeout time.Duration
}

func newPostgresStore(conf PostgresConfig, logger *logrus.Logger) (*postgresStore, error) {
	db, err := sqlx.Open("postgres", conf.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(conf.MaxOpenConns)
	db.SetMaxIdleConns(conf.MaxOpenConns)
	db.SetConnMaxIdleTime(conf.IdleTimeout)

	return &postgresStore{
		db:          db,
		log:         componentLogger(logger, "postgres"),
		pingTimeout: conf.AcquireTimeout,
	}, nil
}

func (s *postgresStore) Name() string { return "postgres" }

func (s *postgresStore) Close() error { return s.db.Close() }

func (s *postgresStore) Leads(ctx context.Context, f LeadFilter) ([]Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads`
	args := []interface{}{}

	if f.Status != "" {
		args = append(args, f.Status)
		query += ` WHERE "Stato" = $` + strconv.Itoa(len(args))
	}

	query += ` ORDER BY "Data" DESC`

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	leads := []Lead{}
	for rows.Next() {
		var row leadRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		lead, err := row.toLead()
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

// LeadByID matches either identifier flavor in one query, so callers never
// need to know whether they hold the internal UUID or the Airtable id.
func (s *postgresStore) LeadByID(ctx context.Context, id string) (*Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id::text = $1 OR airtable_id = $1 LIMIT 1`

	var row leadRow
	if err := s.db.QueryRowxContext(ctx, query, id).StructScan(&row); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	lead, err := row.toLead()
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (s *postgresStore) CreateLead(ctx context.Context, l *Lead) (*Lead, error) {
	query := `INSERT INTO leads
		(airtable_id, "Nome", "Telefono", "Email", "Città", "Esigenza", "Stato", "Data",
		 "Fonte", "Attività", "Assegnatario", "Orders", "Notes")
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11::jsonb, $12::jsonb, $13::jsonb)
	RETURNING ` + leadColumns

	var row leadRow
	err := s.db.QueryRowxContext(ctx, query,
		nullable(l.AirtableID), nullable(l.Name), nullable(l.Phone), nullable(l.Email),
		nullable(l.City), nullable(l.Need), nullable(l.Status), nullable(l.Date),
		encodeRelation(l.Source), encodeRelation(l.Activities), encodeRelation(l.Assignees),
		encodeRelation(l.Orders), encodeRelation(l.Notes),
	).StructScan(&row)
	if err != nil {
		return nil, err
	}

	created, err := row.toLead()
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *postgresStore) Activities(ctx context.Context, f ActivityFilter) ([]Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities`
	args := []interface{}{}

	if f.LeadID != "" {
		scope, err := json.Marshal([]string{f.LeadID})
		if err != nil {
			return nil, err
		}
		args = append(args, string(scope))
		query += ` WHERE "ID Lead" @> $` + strconv.Itoa(len(args)) + `::jsonb`
	}

	query += ` ORDER BY "Data" DESC`

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activities := []Activity{}
	for rows.Next() {
		var row activityRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		activity, err := row.toActivity()
		if err != nil {
			return nil, err
		}
		activities = append(activities, activity)
	}
	return activities, rows.Err()
}

func (s *postgresStore) CreateActivity(ctx context.Context, a *Activity) (*Activity, error) {
	query := `INSERT INTO activities
		(airtable_id, "Tipo", "Titolo", "Note", "Data", "Stato", "Priorità", "Esito", "ID Lead", "Assegnatario")
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb)
	RETURNING ` + activityColumns

	var row activityRow
	err := s.db.QueryRowxContext(ctx, query,
		nullable(a.AirtableID), nullable(a.Type), nullable(a.Title), nullable(a.Notes),
		nullable(a.Date), nullable(a.Status), nullable(a.Priority), nullable(a.Outcome),
		encodeRelation(a.LeadIDs), encodeRelation(a.Assignees),
	).StructScan(&row)
	if err != nil {
		return nil, err
	}

	created, err := row.toActivity()
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (s *postgresStore) UpdateActivity(ctx context.Context, id string, patch ActivityPatch) (*Activity, error) {
	query := `UPDATE activities SET
		"Stato" = COALESCE($2::text, "Stato"),
		"Esito" = COALESCE($3::text, "Esito"),
		updated_at = now()
	WHERE id::text = $1 OR airtable_id = $1
	RETURNING ` + activityColumns

	var row activityRow
	err := s.db.QueryRowxContext(ctx, query, id, patch.Status, patch.Outcome).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	updated, err := row.toActivity()
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Ping is the health probe: one trivial row fetch with a bounded deadline.
func (s *postgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()

	var one int
	return s.db.QueryRowxContext(ctx, `SELECT 1`).Scan(&one)
}

// nullable maps "" to NULL so absent fields stay absent in the row.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
