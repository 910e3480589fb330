package inference

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"

	"github.com/xeipuuv/gojsonschema"
)

type chatRequest struct {
	Model    string              `json:"model"`
	Messages []conversation.Turn `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  chatOptions         `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatReply is both the blocking reply and a single stream line.
type chatReply struct {
	Model           string       `json:"model"`
	Message         *chatMessage `json:"message,omitempty"`
	Response        *string      `json:"response,omitempty"`
	Done            bool         `json:"done"`
	EvalCount       int          `json:"eval_count"`
	PromptEvalCount int          `json:"prompt_eval_count"`
	Error           string       `json:"error,omitempty"`
}

func (r *chatReply) text() string {
	if r.Message != nil {
		return r.Message.Content
	}
	if r.Response != nil {
		return *r.Response
	}
	return ""
}

func (r *chatReply) usage() Usage {
	return Usage{PromptTokens: r.PromptEvalCount, CompletionTokens: r.EvalCount}
}

const replyProperties = `
	"model": {"type": "string"},
	"message": {
		"type": "object",
		"properties": {
			"role": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["content"]
	},
	"response": {"type": "string"},
	"done": {"type": "boolean"},
	"eval_count": {"type": "integer", "minimum": 0},
	"prompt_eval_count": {"type": "integer", "minimum": 0},
	"error": {"type": "string"}`

// A blocking reply must carry the answer text in message or response.
var replySchema = mustSchema(`{
	"type": "object",
	"properties": {` + replyProperties + `},
	"anyOf": [{"required": ["message"]}, {"required": ["response"]}]
}`)

// A stream line carries the done flag, or an error reported mid-stream.
var chunkSchema = mustSchema(`{
	"type": "object",
	"properties": {` + replyProperties + `},
	"anyOf": [{"required": ["done"]}, {"required": ["error"]}]
}`)

var versionSchema = mustSchema(`{
	"type": "object",
	"properties": {"version": {"type": "string"}},
	"required": ["version"]
}`)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("inference: invalid built-in schema: %v", err))
	}
	return schema
}

// decode validates data against schema and unmarshals it into v.
func decode(schema *gojsonschema.Schema, data []byte, v any) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: malformed JSON: %v", ErrBackendProtocol, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("%w: unexpected payload: %s", ErrBackendProtocol, strings.Join(msgs, "; "))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendProtocol, err)
	}
	return nil
}

// maxErrorRunes bounds a plain-text error body quoted in a StatusError.
const maxErrorRunes = 200

// errorMessage extracts the message from an {"error": "..."} body, falling
// back to the raw body text.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	msg := strings.TrimSpace(string(body))
	if utf8.RuneCountInString(msg) > maxErrorRunes {
		msg = string([]rune(msg)[:maxErrorRunes]) + "..."
	}
	return msg
}
