package signaling

import (
	"encoding/json"
	"testing"

	"github.com/lainio/err2/assert"
)

func TestDecodeLenientFields(t *testing.T) {
	msg := Decode([]byte(`{"type":"hello","screenName":42,"native":null,"wantMode":true,"wantLang":"de"}`))
	assert.Equal(msg.Type, TypeHello)
	assert.Equal(msg.ScreenName.String(), "42")
	assert.Equal(msg.Native.String(), "")
	assert.Equal(msg.WantMode.String(), "true")
	assert.Equal(msg.WantLang.String(), "de")
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{``, `not json`, `[1,2]`, `{"type":7}`, `"hello"`} {
		msg := Decode([]byte(raw))
		assert.Equal(msg.Type, "")
	}
}

func TestSignalFrameKeepsBytes(t *testing.T) {
	data := json.RawMessage(`{ "sdp" : "v=0\r\n", "type":"offer" }`)
	frame := SignalFrame(TypeSignalOffer, data)
	assert.Equal(string(frame), `{"type":"signal-offer","data":{ "sdp" : "v=0\r\n", "type":"offer" }}`)

	msg := Decode(frame)
	assert.Equal(msg.Type, TypeSignalOffer)
	assert.Equal(string(msg.Data), string(data))

	assert.Equal(string(SignalFrame(TypeSignalICE, nil)), `{"type":"signal-ice"}`)
}

func TestMatchedRoundTrip(t *testing.T) {
	msg := Decode(Encode(Matched("room-1", PeerInfo{ScreenName: "Ana", Native: "es"}, true)))
	assert.Equal(msg.Type, TypeMatched)
	assert.Equal(msg.RoomID, "room-1")
	assert.That(msg.IsPolite())
	assert.Equal(*msg.Peer, PeerInfo{ScreenName: "Ana", Native: "es"})

	msg = Decode(Encode(Matched("room-1", PeerInfo{}, false)))
	assert.That(msg.Polite != nil)
	assert.That(!msg.IsPolite())
}

type sliceSource chan *Message

func (s sliceSource) Incoming() <-chan *Message { return s }

func TestHandlerRoutes(t *testing.T) {
	src := make(sliceSource, 8)
	src <- &Message{Type: TypeWelcome, UserID: "u-1"}
	src <- &Message{Type: TypePing}
	src <- Matched("r-1", PeerInfo{ScreenName: "Bo", Native: "en"}, false)
	src <- &Message{Type: TypeSignalICE, Data: json.RawMessage(`{"candidate":"c"}`)}
	src <- &Message{Type: TypePeerLeft}
	close(src)

	h := NewHandler(src)
	h.Start()

	var got []Routed
	for r := range h.Messages {
		got = append(got, r)
	}
	assert.Equal(len(got), 4)

	assert.Equal(got[0].Kind, RoutedWelcome)
	assert.Equal(got[0].UserID, "u-1")

	assert.Equal(got[1].Kind, RoutedMatched)
	assert.Equal(got[1].Match.RoomID, "r-1")
	assert.Equal(got[1].Match.Peer.ScreenName, "Bo")
	assert.That(!got[1].Match.Polite)

	assert.Equal(got[2].Kind, RoutedSignal)
	assert.Equal(got[2].Signal.Type, TypeSignalICE)
	assert.Equal(string(got[2].Signal.Data), `{"candidate":"c"}`)

	// arrival order survives routing
	assert.Equal(got[3].Kind, RoutedPeerLeft)
}
