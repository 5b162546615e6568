// Package sessiontitle provides session title generation using a one-shot LLM call.
// It is designed to be independent of pkg/session and pkg/manager to avoid circular
// dependencies and the overhead of routing through a live Session/Agent.
package sessiontitle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/docker/docker-agent/pkg/chat"
)

const (
	systemPrompt     = "You are a helpful AI assistant that generates concise, descriptive titles for conversations. You will be given up to 2 recent user messages and asked to create a single-line title that captures the main topic. Never use newlines or line breaks in your response."
	userPromptFormat = "Based on the following recent user messages from a conversation with an AI assistant, generate a short, descriptive title (maximum 50 characters) that captures the main topic or purpose of the conversation. Return ONLY the title text on a single line, nothing else. Do not include any newlines, explanations, or formatting.\n\nRecent user messages:\n%s\n\n"

	// titleGenerationTimeout is the maximum time to wait for title generation.
	// Title generation should be quick since we disable thinking and use a low
	// max_tokens. If the connector is slow or hanging (e.g. due to server-side
	// thinking), we should time out rather than block Session.save.
	titleGenerationTimeout = 30 * time.Second

	titleMaxTokens = 20
)

// Generator generates session titles using a one-shot model call (spec.md
// §4.9 TitleGenerator).
type Generator struct {
	connectors []chat.Connector

	group singleflight.Group
}

// New creates a new title Generator. The first connector is the primary
// model; any additional connectors are fallbacks, tried in order if earlier
// ones fail (spec.md §4.9 "falls back to a local heuristic... tries the next
// configured model on failure").
func New(connector chat.Connector, fallbacks ...chat.Connector) *Generator {
	connectors := make([]chat.Connector, 0, 1+len(fallbacks))
	if connector != nil {
		connectors = append(connectors, connector)
	}
	for _, fb := range fallbacks {
		if fb != nil {
			connectors = append(connectors, fb)
		}
	}
	return &Generator{connectors: connectors}
}

// Generate produces a title for a session based on its first user-sent
// messages. It never returns an error to the caller in the Session.save path
// (Hub.GenerateTitle swallows errors and falls back to a local title built
// from the first user message, spec.md §4.9 "on failure... falls back to a local heuristic"); Generate
// itself still returns an error so callers that want it can observe failure.
//
// Concurrent requests for the same sessionID are deduplicated via
// singleflight, since Save can be invoked more than once in quick succession
// for the same session (spec.md §5 concurrency model).
func (g *Generator) Generate(ctx context.Context, sessionID int64, userMessages []string) (string, error) {
	if len(userMessages) == 0 {
		return "", nil
	}
	if g == nil || len(g.connectors) == 0 {
		return "", nil
	}

	key := fmt.Sprintf("%d", sessionID)
	v, err, _ := g.group.Do(key, func() (any, error) {
		return g.generate(ctx, sessionID, userMessages)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *Generator) generate(ctx context.Context, sessionID int64, userMessages []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, titleGenerationTimeout)
	defer cancel()

	slog.Debug("generating title for session", "session_id", sessionID, "message_count", len(userMessages))

	var formatted strings.Builder
	for i, msg := range userMessages {
		fmt.Fprintf(&formatted, "%d. %s\n", i+1, msg)
	}
	userPrompt := fmt.Sprintf(userPromptFormat, formatted.String())

	messages := []chat.Message{
		{Role: chat.MessageRoleSystem, Content: systemPrompt},
		{Role: chat.MessageRoleUser, Content: userPrompt},
	}

	opts := chat.Options{
		MaxTokens:        titleMaxTokens,
		StructuredOutput: nil,
		GeneratingTitle:  true,
		Thinking:         false,
	}

	var lastErr error
	for idx, connector := range g.connectors {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		stream, err := connector.StreamChat(ctx, messages, nil, opts)
		if err != nil {
			lastErr = err
			slog.Error("failed to create title generation stream",
				"session_id", sessionID, "connector", connector.ID(), "attempt", idx+1, "error", err)
			continue
		}

		title, streamErr := drain(stream)
		if streamErr != nil {
			lastErr = streamErr
			slog.Error("error receiving from title stream",
				"session_id", sessionID, "connector", connector.ID(), "attempt", idx+1, "error", streamErr)
			continue
		}

		result := sanitizeTitle(title)
		if result == "" {
			lastErr = fmt.Errorf("empty title output from connector %q", connector.ID())
			slog.Debug("generated empty title, trying next connector",
				"session_id", sessionID, "connector", connector.ID(), "attempt", idx+1)
			continue
		}

		slog.Debug("generated session title", "session_id", sessionID, "title", result, "connector", connector.ID())
		return result, nil
	}

	if lastErr != nil {
		return "", fmt.Errorf("generating title failed: %w", lastErr)
	}
	return "", nil
}

func drain(stream chat.MessageStream) (string, error) {
	defer stream.Close()

	var title strings.Builder
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return title.String(), err
		}
		if len(response.Choices) > 0 {
			title.WriteString(response.Choices[0].Delta.Content)
		}
	}
	return title.String(), nil
}

// sanitizeTitle ensures the title is a single line by taking only the first
// non-empty line, trimming surrounding whitespace and removing any "\r".
// Other control characters inside the line are kept.
func sanitizeTitle(title string) string {
	for line := range strings.SplitSeq(title, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return strings.ReplaceAll(line, "\r", "")
		}
	}
	return ""
}
