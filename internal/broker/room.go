package broker

// Room pairs two participants for one session. Polite is the participant
// whose hello completed the match.
type Room struct {
	ID string

	Polite   *Participant
	Impolite *Participant
}

// Partner returns the other member of the room, or nil if p is not in it.
func (r *Room) Partner(p *Participant) *Participant {
	switch p {
	case r.Polite:
		return r.Impolite
	case r.Impolite:
		return r.Polite
	}
	return nil
}
