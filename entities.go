package datasource

import "time"

// Entity names the logical record types served by this package.
type Entity string

const (
	EntityLead     Entity = "lead"
	EntityActivity Entity = "activity"
	EntityOrder    Entity = "order"
	EntityProduct  Entity = "product"
)

/*
	Lead is the canonical shape of a prospective-customer record.

	Both backing stores produce this exact shape: the id is the Postgres UUID
	when the row came from Postgres and the Airtable record id when it came
	from Airtable, with AirtableID always carrying the external identifier.
	Relation fields are materialized []string slices regardless of how the
	serving store encodes them.

	The JSON tags are the CRM's wire field names and must not change: the
	frontend, the Airtable base, and the Postgres columns all share them.
*/
type Lead struct {
	ID         string `json:"id"`
	AirtableID string `json:"airtable_id"`

	Name   string `json:"Nome,omitempty"`
	Phone  string `json:"Telefono,omitempty"`
	Email  string `json:"Email,omitempty"`
	City   string `json:"Città,omitempty"`
	Need   string `json:"Esigenza,omitempty"`
	Status string `json:"Stato,omitempty"`
	Date   string `json:"Data,omitempty"`

	Source     []string `json:"Fonte,omitempty"`
	Activities []string `json:"Attività,omitempty"`
	Assignees  []string `json:"Assegnatario,omitempty"`
	Orders     []string `json:"Orders,omitempty"`
	Notes      []string `json:"Notes,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Activity is a dated interaction tied to a lead. LeadIDs is a list for
// store-format reasons; business rules keep it at exactly one element.
type Activity struct {
	ID         string `json:"id"`
	AirtableID string `json:"airtable_id"`

	Type     string `json:"Tipo,omitempty"`
	Title    string `json:"Titolo,omitempty"`
	Notes    string `json:"Note,omitempty"`
	Date     string `json:"Data,omitempty"`
	Status   string `json:"Stato,omitempty"`
	Priority string `json:"Priorità,omitempty"`
	Outcome  string `json:"Esito,omitempty"`

	LeadIDs   []string `json:"ID Lead,omitempty"`
	Assignees []string `json:"Assegnatario,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// LeadFilter narrows a lead listing. Zero values mean "no constraint".
type LeadFilter struct {
	Status string
	Limit  int
	Offset int
}

// ActivityFilter narrows an activity listing.
type ActivityFilter struct {
	LeadID string
	Limit  int
}

// ActivityPatch carries the mutable fields of an activity update.
// Nil pointers leave the stored value untouched.
type ActivityPatch struct {
	Status  *string
	Outcome *string
}
