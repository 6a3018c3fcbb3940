package broker

import "sort"

// Stats is a consistent snapshot of the broker's state.
type Stats struct {
	Participants int
	Waiting      []string
	Rooms        []RoomStats
}

// RoomStats names the two members of a room.
type RoomStats struct {
	ID       string
	Polite   string
	Impolite string
}

// Stats asks the running loop for a snapshot. Returns the zero value once
// the broker has stopped.
func (b *Broker) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case b.stats <- reply:
		return <-reply
	case <-b.done:
		return Stats{}
	}
}

func (b *Broker) snapshot() Stats {
	s := Stats{Participants: len(b.participants)}
	for _, p := range b.waiting {
		s.Waiting = append(s.Waiting, p.ID)
	}
	for _, r := range b.rooms {
		s.Rooms = append(s.Rooms, RoomStats{ID: r.ID, Polite: r.Polite.ID, Impolite: r.Impolite.ID})
	}
	sort.Slice(s.Rooms, func(i, j int) bool { return s.Rooms[i].ID < s.Rooms[j].ID })
	return s
}
