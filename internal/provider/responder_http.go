package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// httpResponder streams completions from an Ollama-compatible
// endpoint.
type httpResponder struct {
	endpoint string
	client   *http.Client
}

func NewHTTPResponder(endpoint string) Responder {
	return &httpResponder{endpoint: strings.TrimRight(endpoint, "/"), client: http.DefaultClient}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (g *httpResponder) Respond(ctx context.Context, p Prompt) (string, error) {
	payload := generateRequest{
		Model:  p.Model,
		Prompt: renderPrompt(p),
		System: p.System,
		Stream: true,
		Options: generateOptions{
			Temperature: p.Temperature,
			NumPredict:  p.MaxTokens,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("responder returned status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	var accumulated strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk generateStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", err
		}
		accumulated.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(accumulated.String()), nil
}

// renderPrompt folds prior exchanges into a plain transcript so
// stateless completion endpoints still see the conversation.
func renderPrompt(p Prompt) string {
	if len(p.History) == 0 {
		return p.Text
	}
	var b strings.Builder
	for _, ex := range p.History {
		b.WriteString("Caller: ")
		b.WriteString(ex.Caller)
		b.WriteString("\nAgent: ")
		b.WriteString(ex.Agent)
		b.WriteString("\n")
	}
	b.WriteString("Caller: ")
	b.WriteString(p.Text)
	b.WriteString("\nAgent:")
	return b.String()
}
