// Package render draws the chat interface on a terminal.
//
// Colors and panel borders come from lipgloss bound to a termenv profile.
// When the output is not a terminal, or NO_COLOR is set, the Ascii profile
// is used and no escape sequences are emitted.
package render

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/teachmefinance/tmf"
	"github.com/ZanzyTHEbar/teachmefinance/tmf/conversation"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const defaultWidth = 80

// Palette
var (
	colorBrand   = lipgloss.Color("170")
	colorAnswer  = lipgloss.Color("45")
	colorUser    = lipgloss.Color("39")
	colorRefusal = lipgloss.Color("214")
	colorError   = lipgloss.Color("196")
	colorFaint   = lipgloss.Color("244")
)

// Option configures a Renderer.
type Option func(*Renderer)

// WithProfile forces a termenv color profile.
func WithProfile(profile termenv.Profile) Option {
	return func(r *Renderer) { r.profile = profile }
}

// WithWidth sets the width panels are wrapped to.
func WithWidth(width int) Option {
	return func(r *Renderer) { r.width = width }
}

// Renderer writes styled chat output to a single writer.
type Renderer struct {
	out     io.Writer
	lip     *lipgloss.Renderer
	profile termenv.Profile
	width   int

	brand   lipgloss.Style
	user    lipgloss.Style
	label   lipgloss.Style
	faint   lipgloss.Style
	errText lipgloss.Style
}

// New creates a renderer for out.
func New(out io.Writer, opts ...Option) *Renderer {
	r := &Renderer{
		out:     out,
		width:   tmf.TerminalWidth(out, defaultWidth),
		profile: detectProfile(out),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.width < 20 {
		r.width = 20
	}

	r.lip = lipgloss.NewRenderer(out, termenv.WithProfile(r.profile))
	r.lip.SetColorProfile(r.profile)

	r.brand = r.lip.NewStyle().Bold(true).Foreground(colorBrand)
	r.user = r.lip.NewStyle().Bold(true).Foreground(colorUser)
	r.label = r.lip.NewStyle().Bold(true).Foreground(colorAnswer)
	r.faint = r.lip.NewStyle().Foreground(colorFaint)
	r.errText = r.lip.NewStyle().Bold(true).Foreground(colorError)
	return r
}

func detectProfile(out io.Writer) termenv.Profile {
	if !tmf.IsTerminal(out) || os.Getenv("NO_COLOR") != "" {
		return termenv.Ascii
	}
	return termenv.ANSI256
}

func (r *Renderer) panel(border lipgloss.Color, title, body string) string {
	style := r.lip.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(0, 1).
		Width(r.width - 2)
	if title != "" {
		body = r.lip.NewStyle().Bold(true).Foreground(border).Render(title) + "\n" + body
	}
	return style.Render(body)
}

func (r *Renderer) println(s string) {
	fmt.Fprintln(r.out, s)
}

// Writer returns the underlying writer, e.g. for streamed answer text.
func (r *Renderer) Writer() io.Writer {
	return r.out
}

// Banner prints the welcome panel.
func (r *Renderer) Banner(model string) {
	body := fmt.Sprintf("%s · financial education, not financial advice\nmodel: %s · type 'exit' to quit, /help for commands",
		r.brand.Render(tmf.DisplayName), model)
	r.println(r.lip.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBrand).
		Padding(0, 1).
		Render(body))
}

// Prompt prints the input prompt without a trailing newline.
func (r *Renderer) Prompt() {
	fmt.Fprint(r.out, r.user.Render("You")+" › ")
}

// Answer prints a complete answer rendered from markdown.
func (r *Renderer) Answer(text string) {
	r.println(r.panel(colorAnswer, tmf.DisplayName, Markdown(text, r.lip)))
}

// StreamHeader prints the label that precedes a streamed answer.
func (r *Renderer) StreamHeader() {
	fmt.Fprintln(r.out, r.label.Render(tmf.DisplayName)+":")
}

// StreamEnd terminates a streamed answer, printing suffix (the disclaimer)
// when present.
func (r *Renderer) StreamEnd(suffix string) {
	fmt.Fprintln(r.out)
	if s := strings.TrimSpace(suffix); s != "" {
		r.println(r.faint.Render(s))
	}
	fmt.Fprintln(r.out)
}

// Refusal prints a guard refusal.
func (r *Renderer) Refusal(text string) {
	r.println(r.panel(colorRefusal, "Out of scope", text))
}

// Error prints err with a remediation hint.
func (r *Renderer) Error(err error) {
	r.println(r.errText.Render("Error:") + " " + err.Error())
	if hint := Hint(err); hint != "" {
		r.println(r.faint.Render("hint: " + hint))
	}
}

// Notice prints a dim informational line.
func (r *Renderer) Notice(text string) {
	r.println(r.faint.Render(text))
}

// History prints the conversation transcript, skipping the system turn.
func (r *Renderer) History(turns []conversation.Turn) {
	shown := 0
	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleUser:
			r.println(r.user.Render("You") + ": " + turn.Content)
		case conversation.RoleAssistant:
			r.println(r.label.Render(tmf.DisplayName) + ": " + turn.Content)
		default:
			continue
		}
		shown++
	}
	if shown == 0 {
		r.Notice("(no messages yet)")
	}
}

// Help prints the in-chat command list.
func (r *Renderer) Help(exitTokens []string) {
	lines := []string{
		"/help     show this help",
		"/reset    start a new conversation",
		"/history  show the conversation so far",
		strings.Join(exitTokens, ", ") + "  leave the chat",
	}
	r.println(r.panel(colorFaint, "Commands", strings.Join(lines, "\n")))
}
