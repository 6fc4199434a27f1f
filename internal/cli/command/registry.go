package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "judge",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/judge/submissions/:id",
			Help:         "cached status of a submission",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "watch",
			Method:       "GET",
			PathTemplate: "/api/v1/judge/submissions/:id/watch",
			Stream:       true,
			Help:         "stream status changes until the verdict is final",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "enqueue",
			Method:       "POST",
			PathTemplate: "/api/v1/judge/submissions/:id/enqueue",
			RequiresAuth: true,
			Help:         "queue a submission for judging",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "transcript",
			Method:       "GET",
			PathTemplate: "/api/v1/judge/submissions/:id/transcript",
			RequiresAuth: true,
			Help:         "download link for the judge client output",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Service:      "scoring",
			Action:       "ranking",
			Method:       "GET",
			PathTemplate: "/api/v1/ranking",
			Help:         "scoreboard ordered by total score",
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt, In: InQuery},
			},
		},
		{
			Service:      "scoring",
			Action:       "backfill",
			Method:       "POST",
			PathTemplate: "/api/v1/scoring/solvers/backfill",
			RequiresAuth: true,
			Help:         "recompute solvers_count for every problem",
		},
		{
			Service:      "scoring",
			Action:       "replay",
			Method:       "POST",
			PathTemplate: "/api/v1/scoring/submissions/:id/replay",
			RequiresAuth: true,
			Help:         "re-run the score award of an accepted submission",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Service:      "codeforces",
			Action:       "link",
			Method:       "POST",
			PathTemplate: "/api/v1/codeforces/users/:id/link",
			RequiresAuth: true,
			Help:         "validate and store a user's Codeforces handle",
			Fields: []Field{
				{Name: "id", Aliases: []string{"user_id"}, Prompt: "user_id", Type: FieldInt64, Required: true},
				{Name: "handle", Prompt: "handle", Type: FieldString, In: InBody, Required: true},
			},
		},
		{
			Service:      "codeforces",
			Action:       "sync",
			Method:       "POST",
			PathTemplate: "/api/v1/codeforces/users/:id/sync",
			RequiresAuth: true,
			Help:         "import a user's accepted Codeforces solves now",
			Fields: []Field{
				{Name: "id", Aliases: []string{"user_id"}, Prompt: "user_id", Type: FieldInt64, Required: true},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		result[cmd.Key()] = cmd
	}
	return result
}

// SortedKeys lists registry keys alphabetically.
func SortedKeys(commands map[string]Command) []string {
	keys := make([]string, 0, len(commands))
	for key := range commands {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// BuildRequest turns a command and its params into an HTTP request.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	for _, field := range cmd.Fields {
		if err := validateField(field, params); err != nil {
			return RequestSpec{}, err
		}
	}

	path, err := buildPath(cmd, params)
	if err != nil {
		return RequestSpec{}, err
	}
	if query := buildQuery(cmd, params); query != "" {
		path += "?" + query
	}

	var body []byte
	if payload := buildPayload(cmd, params); len(payload) > 0 {
		body, err = json.Marshal(payload)
		if err != nil {
			return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func validateField(field Field, params Params) error {
	value := strings.TrimSpace(params.Get(field.Name))
	if value == "" {
		if field.Required {
			return fmt.Errorf("missing parameter: %s", field.Name)
		}
		return nil
	}
	switch field.Type {
	case FieldInt:
		if _, err := ParseInt(value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.Name, err)
		}
	case FieldInt64:
		if _, err := ParseInt64(value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.Name, err)
		}
	}
	return nil
}

func buildPath(cmd Command, params Params) (string, error) {
	path := cmd.PathTemplate
	for _, field := range cmd.Fields {
		if field.In != InPath {
			continue
		}
		placeholder := ":" + field.Name
		if !strings.Contains(path, placeholder) {
			continue
		}
		value := strings.TrimSpace(params.Get(field.Name))
		if value == "" {
			return "", fmt.Errorf("missing path parameter: %s", field.Name)
		}
		path = strings.ReplaceAll(path, placeholder, url.PathEscape(value))
	}
	return path, nil
}

func buildQuery(cmd Command, params Params) string {
	values := url.Values{}
	for _, field := range cmd.Fields {
		if field.In != InQuery {
			continue
		}
		if value := strings.TrimSpace(params.Get(field.Name)); value != "" {
			values.Set(field.Name, value)
		}
	}
	return values.Encode()
}

func buildPayload(cmd Command, params Params) map[string]interface{} {
	payload := map[string]interface{}{}
	for _, field := range cmd.Fields {
		if field.In != InBody {
			continue
		}
		value := strings.TrimSpace(params.Get(field.Name))
		if value == "" {
			continue
		}
		switch field.Type {
		case FieldInt:
			n, _ := ParseInt(value)
			payload[field.Name] = n
		case FieldInt64:
			n, _ := ParseInt64(value)
			payload[field.Name] = n
		default:
			payload[field.Name] = value
		}
	}
	return payload
}
