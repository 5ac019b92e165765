package contact

import "time"

// Contact is the canonical directory record for one LinkedIn profile.
// ProfileURL is the identity and never changes once set; profile fields are
// last-writer-wins on refresh. Contacts are enriched, never deleted.
type Contact struct {
	ID         string
	ProfileURL string
	FullName   string
	Company    string
	Title      string
	Location   string
	Degree     string
	RawProfile []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Sighting is the profile data carried by a webhook event or an import row.
// Empty fields leave the stored value untouched.
type Sighting struct {
	ProfileURL string
	FullName   string
	Company    string
	Title      string
	Location   string
	Degree     string
	RawProfile []byte
}
