package datasource

/*
	Translation between Airtable record fields and the canonical entities.
	Airtable already returns relation fields as arrays; the mapping here is a
	1:1 rename plus the dual-identifier convention (the record id doubles as
	both id and airtable_id, since Airtable rows have no Postgres UUID).
*/

func leadFromRecord(rec *airtableRecord) Lead {
	return Lead{
		ID:         rec.ID,
		AirtableID: rec.ID,
		Name:       stringField(rec.Fields, fieldNome),
		Phone:      stringField(rec.Fields, fieldTelefono),
		Email:      stringField(rec.Fields, fieldEmail),
		City:       stringField(rec.Fields, fieldCitta),
		Need:       stringField(rec.Fields, fieldEsigenza),
		Status:     stringField(rec.Fields, fieldStato),
		Date:       stringField(rec.Fields, fieldData),
		Source:     sliceField(rec.Fields, fieldFonte),
		Activities: sliceField(rec.Fields, fieldAttivita),
		Assignees:  sliceField(rec.Fields, fieldAssegnatario),
		Orders:     sliceField(rec.Fields, fieldOrders),
		Notes:      sliceField(rec.Fields, fieldNotes),
		CreatedAt:  rec.CreatedTime,
	}
}

func leadToFields(l *Lead) map[string]interface{} {
	fields := map[string]interface{}{}
	setString(fields, fieldNome, l.Name)
	setString(fields, fieldTelefono, l.Phone)
	setString(fields, fieldEmail, l.Email)
	setString(fields, fieldCitta, l.City)
	setString(fields, fieldEsigenza, l.Need)
	setString(fields, fieldStato, l.Status)
	setString(fields, fieldData, l.Date)
	setSlice(fields, fieldFonte, l.Source)
	setSlice(fields, fieldAttivita, l.Activities)
	setSlice(fields, fieldAssegnatario, l.Assignees)
	setSlice(fields, fieldOrders, l.Orders)
	setSlice(fields, fieldNotes, l.Notes)
	return fields
}

func activityFromRecord(rec *airtableRecord) Activity {
	return Activity{
		ID:         rec.ID,
		AirtableID: rec.ID,
		Type:       stringField(rec.Fields, fieldTipo),
		Title:      stringField(rec.Fields, fieldTitolo),
		Notes:      stringField(rec.Fields, fieldNote),
		Date:       stringField(rec.Fields, fieldData),
		Status:     stringField(rec.Fields, fieldStato),
		Priority:   stringField(rec.Fields, fieldPriorita),
		Outcome:    stringField(rec.Fields, fieldEsito),
		LeadIDs:    sliceField(rec.Fields, fieldIDLead),
		Assignees:  sliceField(rec.Fields, fieldAssegnatario),
		CreatedAt:  rec.CreatedTime,
	}
}

func activityToFields(a *Activity) map[string]interface{} {
	fields := map[string]interface{}{}
	setString(fields, fieldTipo, a.Type)
	setString(fields, fieldTitolo, a.Title)
	setString(fields, fieldNote, a.Notes)
	setString(fields, fieldData, a.Date)
	setString(fields, fieldStato, a.Status)
	setString(fields, fieldPriorita, a.Priority)
	setString(fields, fieldEsito, a.Outcome)
	setSlice(fields, fieldIDLead, a.LeadIDs)
	setSlice(fields, fieldAssegnatario, a.Assignees)
	return fields
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}

// sliceField materializes an Airtable array field. JSON decoding hands us
// []interface{}; non-string elements are skipped rather than stringified.
func sliceField(fields map[string]interface{}, name string) []string {
	raw, ok := fields[name].([]interface{})
	if !ok {
		return nil
	}

	var vals []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			vals = append(vals, s)
		}
	}
	return vals
}

func setString(fields map[string]interface{}, name, v string) {
	if v != "" {
		fields[name] = v
	}
}

func setSlice(fields map[string]interface{}, name string, vals []string) {
	if len(vals) > 0 {
		fields[name] = vals
	}
}
