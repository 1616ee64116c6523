package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	ClientName string `json:"clientName"`
	Status     string `json:"status,omitempty"`
	IsTemplate bool   `json:"isTemplate"`
}

// Query describes a search request.
type Query struct {
	Text             string
	OwnerID          string // empty = every owner
	IncludeTemplates bool
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ProposalRecord is the data we index for a proposal. Text is the plain text
// of its visible blocks.
type ProposalRecord struct {
	ID            string `json:"id"`
	OwnerID       string `json:"ownerId"`
	Title         string `json:"title"`
	ClientName    string `json:"clientName"`
	ClientCompany string `json:"clientCompany"`
	Status        string `json:"status"`
	IsTemplate    bool   `json:"isTemplate"`
	Text          string `json:"text"`
}
