package domain

// LabelNone is the sentinel for a card without a color label.
const LabelNone = "none"

// DateRange holds the optional start/end dates shown on a card.
type DateRange struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// Member is a user assigned to a card.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"name"`
}

// Card is a single work item. Its id lives in exactly one list's card order
// while the card is live; the document itself is stored independently.
type Card struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Label       string    `json:"label"`
	Date        DateRange `json:"date"`
	Members     []Member  `json:"members,omitempty"`
}

// HasMember reports whether userID is assigned to the card.
func (c *Card) HasMember(userID string) bool {
	return c.memberIndex(userID) >= 0
}

// AddMember assigns a user to the card. Adding a user already present is a
// no-op so repeated toggles from the UI stay safe.
func (c *Card) AddMember(m Member) {
	if c.memberIndex(m.UserID) >= 0 {
		return
	}
	c.Members = append(c.Members, m)
}

// RemoveMember unassigns a user. Removing an absent user is a no-op.
func (c *Card) RemoveMember(userID string) {
	i := c.memberIndex(userID)
	if i < 0 {
		return
	}
	c.Members = append(c.Members[:i], c.Members[i+1:]...)
}

func (c *Card) memberIndex(userID string) int {
	for i, m := range c.Members {
		if m.UserID == userID {
			return i
		}
	}
	return -1
}
