package api

import (
	"bytes"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/nugget/counselor-agent/internal/conversation"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var transcriptRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

// transcriptMarkdown renders the counselor-visible part of a
// conversation. Tool traffic is summarized as the tools that ran.
func transcriptMarkdown(c *conversation.Conversation, msgs []conversation.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Title)
	fmt.Fprintf(&b, "_Started %s_\n\n", c.CreatedAt.UTC().Format(time.RFC1123))

	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintf(&b, "**You** (%s)\n\n%s\n\n", m.CreatedAt.UTC().Format(time.Kitchen), m.Content)
		case llm.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				names := make([]string, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					names[i] = "`" + tc.Name + "`"
				}
				fmt.Fprintf(&b, "> Looked up: %s\n\n", strings.Join(names, ", "))
				if strings.TrimSpace(m.Content) == "" {
					continue
				}
			}
			label := "Assistant"
			switch {
			case m.Partial():
				label += ", interrupted"
			case isCached(m):
				label += ", cached"
			}
			fmt.Fprintf(&b, "**%s** (%s)\n\n%s\n\n", label, m.CreatedAt.UTC().Format(time.Kitchen), m.Content)
		}
	}
	return b.String()
}

// transcriptHTML is transcriptMarkdown as a standalone HTML page.
func transcriptHTML(c *conversation.Conversation, msgs []conversation.Message) (string, error) {
	var buf bytes.Buffer
	if err := transcriptRenderer.Convert([]byte(transcriptMarkdown(c, msgs)), &buf); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: auto;">
%s
</body></html>`, html.EscapeString(c.Title), buf.String()), nil
}

func isCached(m conversation.Message) bool {
	v, _ := m.Metadata[conversation.MetaCached].(bool)
	return v
}
