package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	markdownParser     goldmark.Markdown
	markdownParserOnce sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParser
}

// Markdown renders model output written in markdown as terminal text.
// Headings and emphasis are styled, lists get bullets or numbers and code
// blocks are indented. Wrapping is left to the enclosing panel.
func Markdown(input string, lip *lipgloss.Renderer) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if lip == nil {
		lip = lipgloss.DefaultRenderer()
	}

	source := []byte(input)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	m := &markdownWriter{source: source, lip: lip}
	if err := ast.Walk(document, m.walk); err != nil {
		return input
	}
	return strings.TrimRight(m.out.String(), "\n")
}

type listState struct {
	ordered bool
	counter int
	tight   bool
}

// markdownWriter walks a goldmark AST. Inline content collects in a buffer
// and is flushed when its block closes.
type markdownWriter struct {
	source []byte
	lip    *lipgloss.Renderer

	out    strings.Builder
	inline strings.Builder

	boldCount   int
	italicCount int
	lists       []listState
	bullet      string
}

func (m *markdownWriter) indent() string {
	return strings.Repeat("  ", max(len(m.lists)-1, 0))
}

func (m *markdownWriter) inTightList() bool {
	return len(m.lists) > 0 && m.lists[len(m.lists)-1].tight
}

func (m *markdownWriter) styled(s string) string {
	if m.boldCount == 0 && m.italicCount == 0 {
		return s
	}
	style := m.lip.NewStyle()
	if m.boldCount > 0 {
		style = style.Bold(true)
	}
	if m.italicCount > 0 {
		style = style.Italic(true)
	}
	return style.Render(s)
}

func (m *markdownWriter) flushBlock() {
	content := m.inline.String()
	m.inline.Reset()
	if content == "" {
		return
	}
	prefix := m.indent()
	if m.bullet != "" {
		prefix += m.bullet
		m.bullet = ""
	}
	lines := strings.Split(content, "\n")
	pad := strings.Repeat(" ", lipgloss.Width(prefix))
	for i, line := range lines {
		if i == 0 {
			m.out.WriteString(prefix)
		} else {
			m.out.WriteString(pad)
		}
		m.out.WriteString(line)
		m.out.WriteString("\n")
	}
	if !m.inTightList() {
		m.out.WriteString("\n")
	}
}

func (m *markdownWriter) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Document:

	case *ast.Paragraph, *ast.TextBlock:
		if !entering {
			m.flushBlock()
		}

	case *ast.Heading:
		if !entering {
			title := m.inline.String()
			m.inline.Reset()
			m.out.WriteString(m.lip.NewStyle().Bold(true).Underline(n.Level <= 2).Render(title))
			m.out.WriteString("\n\n")
		}

	case *ast.List:
		if entering {
			m.lists = append(m.lists, listState{ordered: n.IsOrdered(), counter: n.Start, tight: n.IsTight})
		} else {
			m.lists = m.lists[:len(m.lists)-1]
			if len(m.lists) == 0 {
				m.out.WriteString("\n")
			}
		}

	case *ast.ListItem:
		if entering {
			top := &m.lists[len(m.lists)-1]
			if top.ordered {
				m.bullet = fmt.Sprintf("%d. ", top.counter)
				top.counter++
			} else {
				m.bullet = "• "
			}
		}

	case *ast.FencedCodeBlock:
		if entering {
			m.writeCode(n.Lines())
			return ast.WalkSkipChildren, nil
		}

	case *ast.CodeBlock:
		if entering {
			m.writeCode(n.Lines())
			return ast.WalkSkipChildren, nil
		}

	case *ast.ThematicBreak:
		if entering {
			m.out.WriteString(strings.Repeat("─", 20) + "\n\n")
		}

	case *ast.Emphasis:
		delta := 1
		if !entering {
			delta = -1
		}
		if n.Level >= 2 {
			m.boldCount += delta
		} else {
			m.italicCount += delta
		}

	case *ast.CodeSpan:
		if entering {
			var code strings.Builder
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					code.Write(t.Segment.Value(m.source))
				}
			}
			m.inline.WriteString(m.lip.NewStyle().Foreground(colorAnswer).Render(code.String()))
			return ast.WalkSkipChildren, nil
		}

	case *ast.Text:
		if entering {
			m.inline.WriteString(m.styled(string(n.Segment.Value(m.source))))
			switch {
			case n.HardLineBreak():
				m.inline.WriteString("\n")
			case n.SoftLineBreak():
				m.inline.WriteString(" ")
			}
		}

	case *ast.String:
		if entering {
			m.inline.WriteString(m.styled(string(n.Value)))
		}

	case *ast.AutoLink:
		if entering {
			m.inline.WriteString(string(n.URL(m.source)))
			return ast.WalkSkipChildren, nil
		}

	case *ast.Link:
		if !entering {
			m.inline.WriteString(" (" + string(n.Destination) + ")")
		}
	}
	return ast.WalkContinue, nil
}

func (m *markdownWriter) writeCode(lines *text.Segments) {
	style := m.lip.NewStyle().Foreground(colorFaint)
	indent := m.indent() + "    "
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		line := strings.TrimRight(string(seg.Value(m.source)), "\n")
		m.out.WriteString(indent + style.Render(line) + "\n")
	}
	m.out.WriteString("\n")
}
