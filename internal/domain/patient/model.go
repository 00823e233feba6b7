package patient

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Patient is the read-only view of a canonical registry patient used to link
// instrument results.
type Patient struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	MRN       string     `db:"mrn" json:"mrn,omitempty"`
	FirstName string     `db:"first_name" json:"first_name"`
	LastName  string     `db:"last_name" json:"last_name"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    *string    `db:"gender" json:"gender,omitempty"`
	Active    bool       `db:"active" json:"active"`
}

// FullName returns "First Last", skipping empty parts.
func (p *Patient) FullName() string {
	return strings.Join(strings.Fields(p.FirstName+" "+p.LastName), " ")
}

// AgeAt returns the patient's age in whole years at t, or -1 without a
// birth date.
func (p *Patient) AgeAt(t time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	b := *p.BirthDate
	age := t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	return age
}
