package domain

// User is the slice of the account record the engine needs when assigning
// members: enough to stamp a display name onto a card.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
