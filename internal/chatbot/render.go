package chatbot

import (
	"fmt"
	"io"
	"strings"

	"CircleChat/internal/session"
)

// printer writes the answer being streamed to the terminal as it grows
type printer struct {
	out     io.Writer
	id      string
	printed string
}

func (p *printer) update(s session.State) {
	if idx, ok := session.Streaming(s); ok {
		msg := s.Messages[idx]
		if msg.ID != p.id {
			p.id, p.printed = msg.ID, ""
		}
		p.write(msg.Content)
		return
	}
	if p.id == "" {
		return
	}

	if i, ok := session.IndexOf(s, p.id); ok {
		msg := s.Messages[i]
		p.write(msg.Content)
		printSources(p.out, msg.Sources)
	}
	p.id, p.printed = "", ""
}

// write prints what content adds to the printed text. A failed answer
// replaces the text, so it is printed on its own line.
func (p *printer) write(content string) {
	if strings.HasPrefix(content, p.printed) {
		fmt.Fprint(p.out, content[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\n"+content)
	}
	p.printed = content
}

func printSources(out io.Writer, sources []session.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprint(out, "\nSources:")
	for i, src := range sources {
		label := src.Metadata.Title
		if label == "" {
			label = excerpt(src.Content, 60)
		}
		if src.Metadata.Organization != "" {
			label += " (" + src.Metadata.Organization + ")"
		}
		if u := src.URL(); u != "" {
			label += " " + u
		}
		fmt.Fprintf(out, "\n  [%d] %s", i+1, label)
	}
}

// printMessage prints a whole message, used when showing a resumed transcript
func printMessage(out io.Writer, msg session.Message) {
	who := "Bot"
	if msg.Role == session.RoleUser {
		who = "You"
	}
	fmt.Fprintf(out, "%s: %s", who, msg.Content)
	printSources(out, msg.Sources)
	fmt.Fprint(out, "\n\n")
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
