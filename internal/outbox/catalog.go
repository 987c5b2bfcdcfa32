package outbox

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"example.com/activitysync/internal/events"
)

// Route describes where an event type is published.
type Route struct {
	Topic         string
	SchemaSubject string
	Schema        string
}

var routes = map[string]Route{
	events.TypeActivityImported: {
		Topic:         events.TopicActivityEvents,
		SchemaSubject: subjectFor(events.TopicActivityEvents, events.TypeActivityImported),
		Schema:        activityImportedSchema,
	},
	events.TypeActivitiesRemoved: {
		Topic:         events.TopicActivityEvents,
		SchemaSubject: subjectFor(events.TopicActivityEvents, events.TypeActivitiesRemoved),
		Schema:        activitiesRemovedSchema,
	},
	events.TypeSyncRequested: {
		Topic:         events.TopicSyncRequests,
		SchemaSubject: subjectFor(events.TopicSyncRequests, events.TypeSyncRequested),
		Schema:        syncRequestedSchema,
	},
}

var compiled = mustCompile(routes)

// subjectFor names registry subjects per topic and event type, since a
// topic carries more than one payload shape.
func subjectFor(topic, eventType string) string {
	return topic + "-" + eventType
}

// RouteFor returns the route of eventType.
func RouteFor(eventType string) (Route, error) {
	route, ok := routes[eventType]
	if !ok {
		return Route{}, fmt.Errorf("no schema metadata for event_type=%s", eventType)
	}
	return route, nil
}

// Validate checks payload against the JSON Schema of eventType.
func Validate(eventType string, payload []byte) error {
	schema, ok := compiled[eventType]
	if !ok {
		return fmt.Errorf("no schema metadata for event_type=%s", eventType)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	return nil
}

func mustCompile(routes map[string]Route) map[string]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()

	out := make(map[string]*jsonschema.Schema, len(routes))
	for eventType, route := range routes {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(route.Schema))
		if err != nil {
			panic(fmt.Sprintf("outbox: schema for %s: %v", eventType, err))
		}
		location := "https://activitysync.example.com/schemas/" + eventType + ".json"
		if err := compiler.AddResource(location, doc); err != nil {
			panic(fmt.Sprintf("outbox: schema for %s: %v", eventType, err))
		}
		schema, err := compiler.Compile(location)
		if err != nil {
			panic(fmt.Sprintf("outbox: schema for %s: %v", eventType, err))
		}
		out[eventType] = schema
	}
	return out
}

const activityImportedSchema = `{
  "type": "object",
  "title": "ActivityImported",
  "properties": {
    "activity_id": {"type": "string", "minLength": 1},
    "owner_email": {"type": "string", "minLength": 1},
    "sport_type": {"type": "string"},
    "start_date": {"type": "string", "format": "date-time"},
    "distance_m": {"type": "number", "minimum": 0},
    "duration_s": {"type": "integer", "minimum": 0},
    "imported_at": {"type": "string", "format": "date-time"},
    "version": {"type": "string"}
  },
  "required": ["activity_id", "owner_email", "sport_type", "start_date", "distance_m", "duration_s", "imported_at", "version"],
  "additionalProperties": false
}`

const activitiesRemovedSchema = `{
  "type": "object",
  "title": "ActivitiesRemoved",
  "properties": {
    "owner_email": {"type": "string", "minLength": 1},
    "activity_ids": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "removed_at": {"type": "string", "format": "date-time"},
    "version": {"type": "string"}
  },
  "required": ["owner_email", "activity_ids", "removed_at", "version"],
  "additionalProperties": false
}`

const syncRequestedSchema = `{
  "type": "object",
  "title": "SyncRequested",
  "properties": {
    "job_id": {"type": "string", "minLength": 1},
    "email": {"type": "string", "minLength": 1},
    "requested_at": {"type": "string", "format": "date-time"},
    "version": {"type": "string"}
  },
  "required": ["job_id", "email", "requested_at", "version"],
  "additionalProperties": false
}`
