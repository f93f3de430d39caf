package domain

// ListView is a list with its cards resolved, in display order.
type ListView struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Cards []Card `json:"cards"`
}

// BoardView is the fully assembled read model the client renders from: the
// board document with every list and card dereferenced in display order.
type BoardView struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	BackgroundURL string     `json:"backgroundURL,omitempty"`
	Members       []Member   `json:"members,omitempty"`
	Lists         []ListView `json:"lists"`
}
