package models

// Metadata keys copied from every Sigma analysis result.
const (
	FieldRuleLevel       = "rule_level"
	FieldRuleID          = "rule_id"
	FieldRuleSource      = "rule_source"
	FieldRuleTitle       = "rule_title"
	FieldRuleDescription = "rule_description"
	FieldRuleAuthor      = "rule_author"
	FieldMatchContext    = "match_context"
)

// MetadataFields lists the fixed metadata schema in extraction order.
var MetadataFields = []string{
	FieldRuleLevel,
	FieldRuleID,
	FieldRuleSource,
	FieldRuleTitle,
	FieldRuleDescription,
	FieldRuleAuthor,
	FieldMatchContext,
}

// Record is one normalized Sigma rule match taken from a threat report.
type Record struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Level        string `json:"level"`
	Source       string `json:"source"`
	Author       string `json:"author"`
	MatchContext string `json:"match_context"`
	FullText     string `json:"full_text"`
}

// Metadata returns the record fields stored next to its vector.
func (r Record) Metadata() map[string]string {
	return map[string]string{
		FieldRuleLevel:       r.Level,
		FieldRuleID:          r.ID,
		FieldRuleSource:      r.Source,
		FieldRuleTitle:       r.Title,
		FieldRuleDescription: r.Description,
		FieldRuleAuthor:      r.Author,
		FieldMatchContext:    r.MatchContext,
	}
}

// RecordFromEntry rebuilds a record from a stored index entry.
func RecordFromEntry(e IndexEntry) Record {
	md := e.Metadata
	return Record{
		ID:           md[FieldRuleID],
		Title:        md[FieldRuleTitle],
		Description:  md[FieldRuleDescription],
		Level:        md[FieldRuleLevel],
		Source:       md[FieldRuleSource],
		Author:       md[FieldRuleAuthor],
		MatchContext: md[FieldMatchContext],
		FullText:     e.Text,
	}
}
