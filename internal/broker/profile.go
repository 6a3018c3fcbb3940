package broker

import (
	"github.com/BioHazard786/Linguapair/internal/signaling"
)

// maxFieldRunes caps every free-text hello field.
const maxFieldRunes = 24

// Profile is what a participant announced in its last hello.
type Profile struct {
	ScreenName string
	Native     string
	WantMode   string
	WantLang   string
}

// profileFromHello sanitizes the hello fields: truncation, missing values
// as empty strings, and anything but "hear" meaning "speak".
func profileFromHello(msg *signaling.Message) Profile {
	mode := signaling.ModeSpeak
	if truncate(msg.WantMode.String()) == signaling.ModeHear {
		mode = signaling.ModeHear
	}
	return Profile{
		ScreenName: truncate(msg.ScreenName.String()),
		Native:     truncate(msg.Native.String()),
		WantMode:   mode,
		WantLang:   truncate(msg.WantLang.String()),
	}
}

// complements reports whether a and b want each other's native language.
func complements(a, b Profile) bool {
	return a.WantLang == b.Native && b.WantLang == a.Native
}

func (p Profile) peerInfo() signaling.PeerInfo {
	return signaling.PeerInfo{ScreenName: p.ScreenName, Native: p.Native}
}

func truncate(s string) string {
	n := 0
	for i := range s {
		if n == maxFieldRunes {
			return s[:i]
		}
		n++
	}
	return s
}
