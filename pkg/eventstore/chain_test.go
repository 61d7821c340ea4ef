package eventstore

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-sh/warden/pkg/canonical"
)

// buildChain constructs a valid in-memory chain of n events on one stream.
func buildChain(t *testing.T, n int) []*Event {
	t.Helper()

	events := make([]*Event, 0, n)
	prevHash := ""
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i <= n; i++ {
		ev := &Event{
			EventID:       "evt_" + string(rune('a'+i)),
			EventType:     "run.completed",
			EventVersion:  1,
			OccurredAt:    base.Add(time.Duration(i) * time.Second),
			WorkspaceID:   "ws_1",
			Actor:         Actor{Type: ActorService, ID: "svc_runner"},
			Zone:          ZoneSandbox,
			Stream:        StreamRef{Type: StreamWorkspace, ID: "ws_1"},
			StreamSeq:     int64(i),
			CorrelationID: "corr_1",
			Data:          json.RawMessage(`{"run_id":"run_1"}`),
			PrevEventHash: prevHash,
		}
		hash, err := canonical.Hash(hashDocument(ev))
		require.NoError(t, err)
		ev.EventHash = hash
		prevHash = hash
		events = append(events, ev)
	}
	return events
}

func TestVerifyChainValid(t *testing.T) {
	events := buildChain(t, 5)
	assert.Nil(t, VerifyChain(events))
}

func TestVerifyChainEmptyAndSingle(t *testing.T) {
	assert.Nil(t, VerifyChain(nil))
	assert.Nil(t, VerifyChain(buildChain(t, 1)))
}

func TestVerifyChainDetectsTamperedData(t *testing.T) {
	events := buildChain(t, 4)
	events[2].Data = json.RawMessage(`{"run_id":"run_TAMPERED"}`)

	fault := VerifyChain(events)
	require.NotNil(t, fault)
	assert.Equal(t, FaultEventHashMismatch, fault.Kind)
	assert.Equal(t, int64(3), fault.StreamSeq)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	events := buildChain(t, 4)
	events[2].PrevEventHash = "sha256:deadbeef"

	fault := VerifyChain(events)
	require.NotNil(t, fault)
	assert.Equal(t, FaultPrevHashMismatch, fault.Kind)
	assert.Equal(t, int64(3), fault.StreamSeq)
}

func TestVerifyChainDetectsMissingHash(t *testing.T) {
	events := buildChain(t, 3)
	events[1].EventHash = ""

	fault := VerifyChain(events)
	require.NotNil(t, fault)
	assert.Equal(t, FaultEventHashMissing, fault.Kind)
	assert.Equal(t, int64(2), fault.StreamSeq)
}

func TestVerifyChainMidStreamSlice(t *testing.T) {
	// A slice not starting at seq 1 trusts the first prev hash.
	events := buildChain(t, 6)[2:]
	assert.Nil(t, VerifyChain(events))
}

func TestDecodePayloadKnownType(t *testing.T) {
	ev := &Event{
		EventType: "run.failed",
		Data:      json.RawMessage(`{"run_id":"run_9","risk_tier":"high","error":{"code":"oom","message":"killed"}}`),
	}
	payload, err := DecodePayload(ev)
	require.NoError(t, err)

	failed, ok := payload.(*RunFailedPayload)
	require.True(t, ok)
	assert.Equal(t, "run_9", failed.RunID)
	assert.Equal(t, "oom", failed.Error.Code)
}

func TestDecodePayloadUnknownType(t *testing.T) {
	ev := &Event{
		EventType: "totally.new.event",
		Data:      json.RawMessage(`{"x":1}`),
	}
	payload, err := DecodePayload(ev)
	require.NoError(t, err)

	unknown, ok := payload.(UnknownPayload)
	require.True(t, ok)
	assert.Equal(t, "totally.new.event", unknown.EventType)
	assert.JSONEq(t, `{"x":1}`, string(unknown.Raw))
}

func TestValidateEnvelopeDefaults(t *testing.T) {
	env := Envelope{
		EventType:   "run.requested",
		WorkspaceID: "ws_1",
		Stream:      StreamRef{Type: StreamWorkspace, ID: "ws_1"},
		Actor:       Actor{ID: "svc_api"},
	}
	require.NoError(t, validateEnvelope(&env))

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, 1, env.EventVersion)
	assert.Equal(t, ActorService, env.Actor.Type)
	assert.Equal(t, ZoneSandbox, env.Zone)
	assert.NotEmpty(t, env.CorrelationID)
	assert.False(t, env.OccurredAt.IsZero())
}

func TestValidateEnvelopeRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{"no event type", Envelope{WorkspaceID: "ws", Stream: StreamRef{Type: StreamRoom, ID: "r"}, Actor: Actor{ID: "a"}}},
		{"no workspace", Envelope{EventType: "x.y", Stream: StreamRef{Type: StreamRoom, ID: "r"}, Actor: Actor{ID: "a"}}},
		{"no stream", Envelope{EventType: "x.y", WorkspaceID: "ws", Actor: Actor{ID: "a"}}},
		{"no actor", Envelope{EventType: "x.y", WorkspaceID: "ws", Stream: StreamRef{Type: StreamRoom, ID: "r"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvelope(&tt.env)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
}

func TestZoneRank(t *testing.T) {
	assert.Less(t, ZoneRank(ZoneSandbox), ZoneRank(ZoneSupervised))
	assert.Less(t, ZoneRank(ZoneSupervised), ZoneRank(ZoneHighStakes))
	assert.Equal(t, 0, ZoneRank(Zone("bogus")))
}
