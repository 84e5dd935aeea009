package reconcile

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchemaJSON validates the shape of each inbound payload before it is
// decoded. It pins the identifying fields and leaves the rest open, since
// the server may add fields the client does not read yet.
const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$defs": {
		"task_created": {
			"type": "object",
			"required": ["task_id", "task_list_id", "title"],
			"properties": {
				"task_id": {"type": "integer"},
				"task_list_id": {"type": "integer"},
				"title": {"type": "string"}
			}
		},
		"task_updated": {
			"type": "object",
			"required": ["task_id", "updated_fields"],
			"properties": {
				"task_id": {"type": "integer"},
				"updated_fields": {"type": "object"}
			}
		},
		"task_deleted": {
			"type": "object",
			"required": ["task_id"],
			"properties": {"task_id": {"type": "integer"}}
		},
		"task_assignment_changed": {
			"type": "object",
			"required": ["task_id", "assigned_user_ids"],
			"properties": {
				"task_id": {"type": "integer"},
				"assigned_user_ids": {"type": "array", "items": {"type": "string"}}
			}
		},
		"comment_added": {
			"type": "object",
			"required": ["comment_id", "task_id", "author_id", "content"],
			"properties": {
				"comment_id": {"type": "integer"},
				"task_id": {"type": "integer"},
				"author_id": {"type": "string"},
				"content": {"type": "string"}
			}
		},
		"comment_updated": {
			"type": "object",
			"required": ["comment_id", "content", "updated_at"],
			"properties": {
				"comment_id": {"type": "integer"},
				"content": {"type": "string"}
			}
		},
		"comment_deleted": {
			"type": "object",
			"required": ["comment_id"],
			"properties": {"comment_id": {"type": "integer"}}
		},
		"notification_received": {
			"type": "object",
			"required": ["notification_id", "recipient_id", "type", "content"],
			"properties": {
				"notification_id": {"type": "integer"},
				"recipient_id": {"type": "string"},
				"type": {"enum": ["reminder", "assignment", "comment", "status_change"]},
				"is_read": {"type": "boolean"}
			}
		},
		"activity_log_updated": {
			"type": "object",
			"required": ["activity_id", "actor_id", "activity_type"],
			"properties": {
				"activity_id": {"type": "integer"},
				"actor_id": {"type": "string"},
				"activity_type": {"type": "string"}
			}
		},
		"undo_action_performed": {
			"type": "object",
			"required": ["entity_type", "entity_id"],
			"properties": {
				"entity_type": {"enum": ["task", "task_assignment", "task_list", "comment", "tag"]},
				"entity_id": {"type": "integer"}
			}
		}
	}
}`

func compileEventSchemas() (map[string]*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("events.json", doc); err != nil {
		return nil, fmt.Errorf("register event schema: %w", err)
	}
	events := []string{
		EventTaskCreated,
		EventTaskUpdated,
		EventTaskDeleted,
		EventTaskAssignmentChanged,
		EventCommentAdded,
		EventCommentUpdated,
		EventCommentDeleted,
		EventNotificationReceived,
		EventActivityLogUpdated,
		EventUndoActionPerformed,
	}
	schemas := make(map[string]*jsonschema.Schema, len(events))
	for _, event := range events {
		schema, err := compiler.Compile("events.json#/$defs/" + event)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", event, err)
		}
		schemas[event] = schema
	}
	return schemas, nil
}

func validatePayload(schema *jsonschema.Schema, data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
