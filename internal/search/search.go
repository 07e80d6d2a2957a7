package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultComponent ResultType = "component"
	ResultThread    ResultType = "thread"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type     ResultType `json:"type"`
	ID       int64      `json:"id"`
	Title    string     `json:"title"`
	Snippet  string     `json:"snippet"`
	Category string     `json:"category,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text           string
	FilterType     ResultType // empty = all types
	FilterCategory string     // components only
	Limit          int
	Offset         int
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

// ComponentRecord is the data we index for a catalog component.
type ComponentRecord struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Brief       string `json:"brief"`
	Description string `json:"description"`
}

// ThreadRecord is the data we index for a forum thread.
type ThreadRecord struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Author  string `json:"author"`
}
