package session

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeEnvelopeRoundTrip(t *testing.T) {
	payload := SignalPayload{
		TargetConnectionID: "conn-b",
		Signal:             json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}

	raw, err := EncodeEnvelope(EventOffer, payload)
	if err != nil {
		t.Fatalf("EncodeEnvelope: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != EventOffer {
		t.Errorf("type = %q, want %q", env.Type, EventOffer)
	}

	var decoded SignalPayload
	if err := json.Unmarshal(env.Payload, &decoded); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if decoded.TargetConnectionID != "conn-b" {
		t.Errorf("target = %q, want conn-b", decoded.TargetConnectionID)
	}
	if string(decoded.Signal) != string(payload.Signal) {
		t.Errorf("signal = %s, want %s", decoded.Signal, payload.Signal)
	}
}

func TestSignalPayloadOmitsEmptyRoutingFields(t *testing.T) {
	// The relay strips the target before forwarding; the stripped field must
	// not reappear on the wire as an empty string.
	raw, err := json.Marshal(SignalPayload{
		SenderConnectionID: "conn-a",
		Signal:             json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if strings.Contains(string(raw), "targetConnectionId") {
		t.Errorf("wire form %s must omit the empty target", raw)
	}
	if !strings.Contains(string(raw), `"senderConnectionId":"conn-a"`) {
		t.Errorf("wire form %s must carry the sender", raw)
	}
}
