package domain

// List is a named ordered container of cards within a board.
type List struct {
	ID    string     `json:"id"`
	Title string     `json:"title"`
	Cards OrderedRef `json:"cards"`
}
