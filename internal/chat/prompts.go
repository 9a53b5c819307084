// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-gateway/internal/search"
)

const (
	ThinkSystem = "Think through this step-by-step before answering. Show your reasoning process clearly.\n" +
		"Structure your response as:\n" +
		"<think>\n" +
		"[Your detailed reasoning, analysis, and thought process here]\n" +
		"</think>\n\n" +
		"[Your final, clear answer here]"

	SearchSystem = "You have access to web search results. Use them to provide accurate, up-to-date answers.\n" +
		"Always cite your sources. If the search results don't contain the answer, say so and answer from your own knowledge."

	ImageSystem = "You can generate images. When the user asks you to draw, paint, create, or generate an image, " +
		"include exactly one [IMG: detailed prompt] tag in your response. Write a descriptive Stable Diffusion prompt " +
		"inside the tag with quality keywords. Example: Here's your image!\n" +
		"[IMG: a fluffy orange cat sitting on a windowsill, golden hour lighting, detailed fur, photorealistic, 8k]\n" +
		"Hope you like it!"
)

// SystemPrompt assembles the system message for a turn. The image
// instructions are always present.
func SystemPrompt(personality string, think, search bool) string {
	parts := []string{LookupPersonality(personality).System}
	if think {
		parts = append(parts, ThinkSystem)
	}
	if search {
		parts = append(parts, SearchSystem)
	}
	parts = append(parts, ImageSystem)
	return strings.Join(parts, "\n\n")
}

// Page is the extracted text of one search result.
type Page struct {
	Title string
	URL   string
	Text  string
}

// SearchContext renders results and fetched pages as the markdown block
// prepended to the user's question.
func SearchContext(results []search.Result, pages []Page) string {
	var sb strings.Builder
	sb.WriteString("## Web Search Results\n\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. **%s**\n   %s\n   %s\n\n", i+1, r.Title, r.Snippet, r.URL)
	}
	if len(pages) > 0 {
		blocks := make([]string, len(pages))
		for i, p := range pages {
			blocks[i] = fmt.Sprintf("[%s](%s)\n%s", p.Title, p.URL, p.Text)
		}
		sb.WriteString("## Page Contents\n\n")
		sb.WriteString(strings.Join(blocks, "\n\n---\n\n"))
	}
	return sb.String()
}

// AugmentedQuestion wraps the user's message with search context.
func AugmentedQuestion(context, message string) string {
	return context + "\n\n---\n\nBased on the above search results, answer: " + message
}
