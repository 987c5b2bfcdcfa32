package outbox

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/activitysync/internal/events"
)

func validImported(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(events.ActivityImported{
		ActivityID:      "4242",
		OwnerEmail:      "runner@example.com",
		SportType:       "Run",
		StartDate:       time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC),
		DistanceMeters:  10012.5,
		DurationSeconds: 3120,
		ImportedAt:      time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC),
		Version:         events.Version,
	})
	require.NoError(t, err)
	return raw
}

func TestRouteForKnownEvents(t *testing.T) {
	cases := map[string]string{
		events.TypeActivityImported:  events.TopicActivityEvents,
		events.TypeActivitiesRemoved: events.TopicActivityEvents,
		events.TypeSyncRequested:     events.TopicSyncRequests,
	}
	for eventType, topic := range cases {
		route, err := RouteFor(eventType)
		require.NoError(t, err, eventType)
		require.Equal(t, topic, route.Topic)
		require.Equal(t, topic+"-"+eventType, route.SchemaSubject)
		require.NotEmpty(t, route.Schema)
	}

	_, err := RouteFor("activity.unknown")
	require.EqualError(t, err, "no schema metadata for event_type=activity.unknown")
}

func TestValidateAcceptsWellFormedPayloads(t *testing.T) {
	require.NoError(t, Validate(events.TypeActivityImported, validImported(t)))

	removed, err := json.Marshal(events.ActivitiesRemoved{
		OwnerEmail:  "runner@example.com",
		ActivityIDs: []string{"1", "2"},
		RemovedAt:   time.Now().UTC(),
		Version:     events.Version,
	})
	require.NoError(t, err)
	require.NoError(t, Validate(events.TypeActivitiesRemoved, removed))

	requested, err := json.Marshal(events.SyncRequested{
		JobID:       "job-1",
		Email:       "runner@example.com",
		RequestedAt: time.Now().UTC(),
		Version:     events.Version,
	})
	require.NoError(t, err)
	require.NoError(t, Validate(events.TypeSyncRequested, requested))
}

func TestValidateRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name      string
		eventType string
		payload   string
	}{
		{"missing field", events.TypeSyncRequested, `{"job_id":"1","email":"a@b.c","version":"v1"}`},
		{"bad date", events.TypeSyncRequested, `{"job_id":"1","email":"a@b.c","requested_at":"yesterday","version":"v1"}`},
		{"extra field", events.TypeActivitiesRemoved, `{"owner_email":"a@b.c","activity_ids":["1"],"removed_at":"2024-05-01T00:00:00Z","version":"v1","tenant":"x"}`},
		{"empty removal", events.TypeActivitiesRemoved, `{"owner_email":"a@b.c","activity_ids":[],"removed_at":"2024-05-01T00:00:00Z","version":"v1"}`},
		{"not json", events.TypeActivityImported, `{`},
		{"unknown type", "activity.unknown", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, Validate(tc.eventType, []byte(tc.payload)))
		})
	}
}

func TestBuildRecordFramesPayload(t *testing.T) {
	payload := validImported(t)
	now := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	record := buildRecord(Message{
		EventID:       1,
		AggregateType: "activity",
		AggregateID:   "4242",
		EventType:     events.TypeActivityImported,
		Topic:         events.TopicActivityEvents,
		SchemaSubject: "activity_events-activity.imported",
		PartitionKey:  "runner@example.com",
		Payload:       payload,
	}, 17, now)

	require.Equal(t, []byte("runner@example.com"), record.Key)
	require.Equal(t, now, record.Time)
	require.Equal(t, byte(0), record.Value[0])
	require.Equal(t, uint32(17), binary.BigEndian.Uint32(record.Value[1:5]))
	require.Equal(t, payload, record.Value[5:])

	headers := map[string]string{}
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, map[string]string{
		"event_type":     events.TypeActivityImported,
		"schema_subject": "activity_events-activity.imported",
		"aggregate_id":   "4242",
	}, headers)
}

func TestBackoffDelayDoublesUpToAnHour(t *testing.T) {
	m := NewDLQManager(nil, 3, time.Minute, nil)

	require.Equal(t, time.Minute, m.backoffDelay(1))
	require.Equal(t, 2*time.Minute, m.backoffDelay(2))
	require.Equal(t, 32*time.Minute, m.backoffDelay(6))
	require.Equal(t, time.Hour, m.backoffDelay(7))
	require.Equal(t, time.Hour, m.backoffDelay(40))
}
