package ai

import (
	"fmt"
	"strings"
)

// SafetyHints seeds keyword proposal with the vocabulary auditors use.
var SafetyHints = []string{
	"no helmet", "no gloves", "no safety vest", "no goggles",
	"improper harness", "exposed rebar", "trip hazard", "damaged cable",
	"blocked fire exit", "working at height without guardrails",
	"unstable ladder", "overloaded scaffold", "no ear protection",
	"improper footwear", "sparks near flammables", "poor housekeeping",
}

const analystSystemPrompt = `You are a construction-safety analyst.

Your task is to analyze the provided image and (optionally) a user-supplied keyword or phrase, then output a short, factual safety observation. Follow these rules:

1. Provide a concise, professional observation (1-2 sentences) based solely on what is clearly visible in the image.
2. If multiple safety conditions or issues are visible, combine them briefly while keeping the description compact and neutral.
3. Do not speculate or assume any details that cannot be visually confirmed.
4. If a keyword is provided:
   - Address it only if it aligns with visible evidence.
   - If the keyword is not supported by the image, clearly but professionally state that the visual evidence does not match the keyword, and provide an accurate observation of what is visible instead.
5. Use neutral, audit-friendly language (avoid blame or judgmental wording).
6. Prioritize visual evidence over the keyword when there is a conflict.
7. Output plain text only: no bullet points, no extra fields, no JSON.`

const proposalSystemPrompt = "You propose concise safety keywords."

const proposalPromptFormat = `From this image, propose up to %d likely construction-safety observations as short keywords (e.g., "no helmet", "damaged cable").
Only include items that seem visually plausible from the image. Return a comma-separated list of short phrases, no explanations.
Here are example safety phrases for inspiration (do not copy blindly): %s.`

const descriptionPromptFormat = `Use the image and the provided context to write a brief, audit-friendly observation description (1-2 sentences).
Context keyword(s): %s

Write the final description only. Do not include headings or extra commentary.`

const chatSystemPrompt = `You are a construction-safety assistant. You have already analyzed an image and provided a safety observation.
Now the user has follow-up questions about the same image. Answer their questions based on what you can see in the image.
Be helpful, concise, and professional. Reference specific visual details when answering.`

func proposalPrompt(limit int) string {
	return fmt.Sprintf(proposalPromptFormat, limit, strings.Join(SafetyHints, ", "))
}

func descriptionPrompt(keywords []string) string {
	text := "none"
	if len(keywords) > 0 {
		text = strings.Join(keywords, ", ")
	}
	return fmt.Sprintf(descriptionPromptFormat, text)
}

func groundingPrompt(keywords []string, description string) string {
	return fmt.Sprintf("Initial analysis - Keywords: %s. Description: %s", strings.Join(keywords, ", "), description)
}

// ParseKeywords splits a comma-separated model answer into at most limit lowercase,
// de-duplicated phrases, keeping the model's order.
func ParseKeywords(raw string, limit int) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, limit)
	for _, part := range strings.Split(strings.TrimSpace(raw), ",") {
		keyword := strings.ToLower(strings.TrimSpace(part))
		keyword = strings.Trim(keyword, `."'`)
		if keyword == "" {
			continue
		}
		if _, dup := seen[keyword]; dup {
			continue
		}
		seen[keyword] = struct{}{}
		out = append(out, keyword)
		if len(out) == limit {
			break
		}
	}
	return out
}
