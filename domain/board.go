package domain

// Board is the root aggregate: it owns the left-to-right order of its lists
// and the membership used by the access middleware.
type Board struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	BackgroundURL string     `json:"backgroundURL,omitempty"`
	Lists         OrderedRef `json:"lists"`
	Members       []Member   `json:"members,omitempty"`
}

// HasMember reports whether userID belongs to the board.
func (b *Board) HasMember(userID string) bool {
	for _, m := range b.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}
