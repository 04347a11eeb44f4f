package domain

// Occupant is the user sitting in a voice room slot.
// No transport or lifecycle logic here.
type Occupant struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// NewOccupant avoids raw literals in adapters and keeps construction obvious.
func NewOccupant(user User) Occupant {
	return Occupant{ID: user.ID, Username: user.Username}
}

// SlotOccupant is a read-only view of one occupied slot.
type SlotOccupant struct {
	Slot     int      `json:"slot"`
	Occupant Occupant `json:"user"`
}
