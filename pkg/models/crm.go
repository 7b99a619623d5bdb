package models

// Lead is a prospective contact submitted by the lead-collection pipeline
// (crawler, cleaning and enrichment stages).
type Lead struct {
	Phone       string `json:"phone" binding:"required"`
	DisplayName string `json:"display_name"`
	CompanyName string `json:"company_name"`
	Locality    string `json:"locality"`
}

// ImportResult summarizes a bulk lead import.
type ImportResult struct {
	Created  int           `json:"created"`
	Existing int           `json:"existing"`
	Rejected []RejectedRow `json:"rejected,omitempty"`
}

type RejectedRow struct {
	Index  int    `json:"index"`
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}
