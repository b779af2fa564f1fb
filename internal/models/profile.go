package models

// Profile describes the requester that opportunities are ranked against.
type Profile struct {
	Keywords    []string `json:"keywords"`
	Geography   string   `json:"geography,omitempty"`
	BudgetMin   *float64 `json:"budget_min,omitempty"`
	BudgetMax   *float64 `json:"budget_max,omitempty"`
	Description string   `json:"description,omitempty"`
}
