package llm

import (
	"fmt"
	"strings"
)

const systemPrompt = "You are a helpful assistant that summarizes social media content."

// BuildPrompt renders the user prompt. Topics only steer emphasis; every
// tweet is always included.
func BuildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("Please provide a concise analysis of the following posts from X (Twitter).\n")

	topics := "general topics"
	if len(req.Topics) > 0 {
		topics = strings.Join(req.Topics, ", ")
		b.WriteString("\nThe reader is interested in: ")
		b.WriteString(topics)
		b.WriteString("\n")
		b.WriteString("- Put posts about these interests first and keep them apart from other content.\n")
		b.WriteString("- Mention other posts only when they add meaningful context.\n")
		b.WriteString("- Focus on insights, trends and what they imply for the reader.\n")
	}

	b.WriteString("\n")
	if req.AccountLabel != "" {
		fmt.Fprintf(&b, "Account: %s\n", req.AccountLabel)
	}
	if req.TimeRange != "" {
		fmt.Fprintf(&b, "Time range: %s\n", req.TimeRange)
	}

	b.WriteString("Tweets:\n")
	for i, tweet := range req.Tweets {
		if i > 0 {
			b.WriteString("---\n")
		}
		ts := tweet.Timestamp
		if ts == "" {
			ts = "Unknown"
		}
		fmt.Fprintf(&b, "Tweet: %s\nLikes: %d, Reposts: %d\nTime: %s\n", tweet.Text, tweet.LikeCount, tweet.RepostCount, ts)
	}

	fmt.Fprintf(&b, `
Structure the response as:
1. A one-sentence overview of the account activity in this time range.
2. The core content related to: %s.
3. Other notable content.

Reference the account and time range explicitly and stay grounded in the posts above. Keep it to two or three short paragraphs.
`, topics)

	if lang := strings.TrimSpace(req.Language); lang != "" {
		fmt.Fprintf(&b, "\nWrite the response in %s.\n", lang)
	}

	return b.String()
}
