/*
Package schema validates task payloads before a container is built.

The payload schema is a JSON Schema (draft 07) document embedded in the
binary as payload.json and compiled once by NewValidator. Validate checks
the raw payload against it and decodes it into a types.Payload:

	{
	  "image":      "busybox",              required
	  "command":    ["sh", "-c", "make"],   required, at least one item
	  "maxRunTime": 600,                    required, seconds, 1 to 86400
	  "env":        {"NAME": "value"},
	  "cache":      {"npm": "/root/.npm"},  cache name to mount point
	  "artifacts":  {"public/out": {"type": "file", "path": "/out/a.txt"}},
	  "features":   {"bulkLog": false}
	}

Unknown top-level keys are rejected. A payload that is not JSON, or that
breaks the schema, fails with a *ValidationError listing every leaf problem
so the task log can explain all of them at once. ValidationError unwraps to
ErrInvalidPayload, which the task runner maps to malformed-payload.

Validator is safe for concurrent use.
*/
package schema
