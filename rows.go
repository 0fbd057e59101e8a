package datasource

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

/*
	Wire field names shared by the Postgres columns and the Airtable base.
	Every translation between a store row and a canonical entity goes through
	these constants; nothing is inferred at runtime.
*/
const (
	fieldNome         = "Nome"
	fieldTelefono     = "Telefono"
	fieldEmail        = "Email"
	fieldCitta        = "Città"
	fieldEsigenza     = "Esigenza"
	fieldStato        = "Stato"
	fieldData         = "Data"
	fieldFonte        = "Fonte"
	fieldAttivita     = "Attività"
	fieldAssegnatario = "Assegnatario"
	fieldOrders       = "Orders"
	fieldNotes        = "Notes"

	fieldTipo     = "Tipo"
	fieldTitolo   = "Titolo"
	fieldNote     = "Note"
	fieldPriorita = "Priorità"
	fieldEsito    = "Esito"
	fieldIDLead   = "ID Lead"
)

// leadRow is a lead as Postgres returns it: relation columns are TEXT
// holding JSON arrays. The encoded form never leaves this file.
type leadRow struct {
	ID         string         `db:"id"`
	AirtableID sql.NullString `db:"airtable_id"`
	Name       sql.NullString `db:"Nome"`
	Phone      sql.NullString `db:"Telefono"`
	Email      sql.NullString `db:"Email"`
	City       sql.NullString `db:"Città"`
	Need       sql.NullString `db:"Esigenza"`
	Status     sql.NullString `db:"Stato"`
	Date       sql.NullString `db:"Data"`
	Source     sql.NullString `db:"Fonte"`
	Activities sql.NullString `db:"Attività"`
	Assignees  sql.NullString `db:"Assegnatario"`
	Orders     sql.NullString `db:"Orders"`
	Notes      sql.NullString `db:"Notes"`
	CreatedAt  sql.NullTime   `db:"created_at"`
	UpdatedAt  sql.NullTime   `db:"updated_at"`
}

func (r *leadRow) toLead() (Lead, error) {
	l := Lead{
		ID:         r.ID,
		AirtableID: r.AirtableID.String,
		Name:       r.Name.String,
		Phone:      r.Phone.String,
		Email:      r.Email.String,
		City:       r.City.String,
		Need:       r.Need.String,
		Status:     r.Status.String,
		Date:       r.Date.String,
		CreatedAt:  r.CreatedAt.Time,
		UpdatedAt:  r.UpdatedAt.Time,
	}

	for _, rel := range []struct {
		col  string
		src  sql.NullString
		dest *[]string
	}{
		{fieldFonte, r.Source, &l.Source},
		{fieldAttivita, r.Activities, &l.Activities},
		{fieldAssegnatario, r.Assignees, &l.Assignees},
		{fieldOrders, r.Orders, &l.Orders},
		{fieldNotes, r.Notes, &l.Notes},
	} {
		vals, err := decodeRelation(rel.src)
		if err != nil {
			return Lead{}, fmt.Errorf("lead %s: column %q: %w", r.ID, rel.col, err)
		}
		*rel.dest = vals
	}

	return l, nil
}

// activityRow is an activity as Postgres returns it.
type activityRow struct {
	ID         string         `db:"id"`
	AirtableID sql.NullString `db:"airtable_id"`
	Type       sql.NullString `db:"Tipo"`
	Title      sql.NullString `db:"Titolo"`
	Notes      sql.NullString `db:"Note"`
	Date       sql.NullString `db:"Data"`
	Status     sql.NullString `db:"Stato"`
	Priority   sql.NullString `db:"Priorità"`
	Outcome    sql.NullString `db:"Esito"`
	LeadIDs    sql.NullString `db:"ID Lead"`
	Assignees  sql.NullString `db:"Assegnatario"`
	CreatedAt  sql.NullTime   `db:"created_at"`
	UpdatedAt  sql.NullTime   `db:"updated_at"`
}

func (r *activityRow) toActivity() (Activity, error) {
	a := Activity{
		ID:         r.ID,
		AirtableID: r.AirtableID.String,
		Type:       r.Type.String,
		Title:      r.Title.String,
		Notes:      r.Notes.String,
		Date:       r.Date.String,
		Status:     r.Status.String,
		Priority:   r.Priority.String,
		Outcome:    r.Outcome.String,
		CreatedAt:  r.CreatedAt.Time,
		UpdatedAt:  r.UpdatedAt.Time,
	}

	var err error
	if a.LeadIDs, err = decodeRelation(r.LeadIDs); err != nil {
		return Activity{}, fmt.Errorf("activity %s: column %q: %w", r.ID, fieldIDLead, err)
	}
	if a.Assignees, err = decodeRelation(r.Assignees); err != nil {
		return Activity{}, fmt.Errorf("activity %s: column %q: %w", r.ID, fieldAssegnatario, err)
	}

	return a, nil
}

// decodeRelation parses a JSON-array relation column. NULL and empty text
// both mean "no relations". The parse is pure: the same input always yields
// the same slice.
func decodeRelation(col sql.NullString) ([]string, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}

	var vals []string
	if err := json.Unmarshal([]byte(col.String), &vals); err != nil {
		return nil, err
	}
	return vals, nil
}

// encodeRelation is the write-path inverse of decodeRelation.
func encodeRelation(vals []string) interface{} {
	if len(vals) == 0 {
		return nil
	}
	b, _ := json.Marshal(vals)
	return string(b)
}
