package main

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Linguapair/internal/session"
	"github.com/BioHazard786/Linguapair/internal/signaling"
	"github.com/BioHazard786/Linguapair/internal/ui"
)

// presenter turns session events into chat screen updates.
type presenter struct {
	chat    *ui.ChatUI
	profile signaling.Profile
	requeue bool
	partner string
}

func newPresenter(chat *ui.ChatUI, profile signaling.Profile, requeue bool) *presenter {
	return &presenter{chat: chat, profile: profile, requeue: requeue, partner: "Partner"}
}

// run presents events until stop is closed, then flushes what is buffered.
func (p *presenter) run(events <-chan session.Event, stop <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			p.present(ev)
		case <-stop:
			for {
				select {
				case ev := <-events:
					p.present(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *presenter) present(ev session.Event) {
	switch ev.Kind {
	case session.EventConnection:
		p.connection(ev.Status)

	case session.EventSearching:
		p.chat.SetStatus(fmt.Sprintf("%s Looking for someone who speaks %s and wants %s…",
			ui.IconWaiting, p.profile.WantLang, p.profile.Native), true)

	case session.EventMatched:
		p.partner = ev.Match.Peer.ScreenName
		p.chat.SetPartner(p.partner, ev.Match.Peer.Native, p.profile.Native)
		p.chat.AddLine(ui.System, "", "Matched with "+p.partner)
		p.chat.SetStatus("Negotiating…", true)

	case session.EventConnectivity:
		p.connectivity(ev.ICE)

	case session.EventRelayFallback:
		p.chat.AddLine(ui.System, "", ui.IconRelay+" No direct path, switching to relay")

	case session.EventChannelOpen:
		p.chat.AddLine(ui.System, "", "Chat is ready")

	case session.EventProfile:
		p.partner = ev.Profile.Name
		p.chat.SetPartner(ev.Profile.Name, ev.Profile.Native, ev.Profile.Learning)

	case session.EventChat:
		p.chat.AddLine(ui.Partner, p.partner, ev.Text)

	case session.EventBye:
		p.chat.AddLine(ui.System, "", p.partner+" is leaving")

	case session.EventPeerLeft:
		p.chat.AddLine(ui.System, "", p.partner+" left the session")
		p.partner = "Partner"
		if !p.requeue {
			p.chat.SetStatus("Session over · esc to quit", false)
		}

	case session.EventFailed:
		p.chat.AddLine(ui.System, "", fmt.Sprintf("%s Connection failed: %v", ui.IconError, ev.Err))
	}
}

func (p *presenter) connection(st signaling.Status) {
	switch st.State {
	case signaling.StateConnecting:
		p.chat.SetStatus(ui.IconConnect+" Connecting to the broker…", true)
	case signaling.StateReconnecting:
		p.chat.SetStatus(fmt.Sprintf("%s Broker unreachable, retry %d in %s…",
			ui.IconConnect, st.Attempt, st.Delay), true)
	case signaling.StateLeft, signaling.StateClosed:
		p.chat.SetStatus("Disconnected from the broker", false)
	}
}

func (p *presenter) connectivity(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateChecking:
		p.chat.SetStatus("Reaching "+p.partner+"…", true)
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		p.chat.SetStatus(ui.IconSuccess+" Connected to "+p.partner, false)
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		p.chat.SetStatus("Connection lost, restarting…", true)
	}
}
