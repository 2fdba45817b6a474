package domain

// Unit is a sub-batch of candidates sent to one worker for one round.
type Unit struct {
	ID         string      `json:"id"`
	Candidates []Candidate `json:"candidates"`
}

// UnitResult carries one attempt per candidate of a unit, in unit order.
type UnitResult struct {
	UnitID   string    `json:"unit_id"`
	Worker   string    `json:"worker"`
	Attempts []Attempt `json:"attempts"`
}
