package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"bookbuddy/pkg/domain"
	"bookbuddy/pkg/library"
)

const snippetRunes = 80

type printer struct {
	out    io.Writer
	errOut io.Writer

	mu          sync.Mutex
	lastNote    library.Notification
	celebrating bool
}

func newPrinter(out, errOut io.Writer, noColor bool) *printer {
	if noColor || !isTerminal(out) {
		color.NoColor = true
	}
	return &printer{out: out, errOut: errOut}
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *printer) ok(format string, a ...any) {
	fmt.Fprintln(p.out, color.GreenString("✓"), fmt.Sprintf(format, a...))
}

func (p *printer) info(format string, a ...any) {
	fmt.Fprintln(p.out, color.CyanString("•"), fmt.Sprintf(format, a...))
}

func (p *printer) warn(format string, a ...any) {
	fmt.Fprintln(p.errOut, color.YellowString("!"), fmt.Sprintf(format, a...))
}

func (p *printer) header(format string, a ...any) {
	fmt.Fprintln(p.out, color.New(color.FgCyan, color.Bold).Sprintf(format, a...))
}

// follow prints each notification once when it appears, and the
// celebration cue when it is raised.
func (p *printer) follow(n *library.Notifier) {
	n.Listen(func(ev library.Event) {
		p.mu.Lock()
		showNote := ev.Visible && ev.Notification != p.lastNote
		if ev.Visible {
			p.lastNote = ev.Notification
		} else {
			p.lastNote = library.Notification{}
		}
		showCue := ev.Celebrating && !p.celebrating
		p.celebrating = ev.Celebrating
		p.mu.Unlock()

		if showNote {
			switch ev.Notification.Kind {
			case library.KindSuccess:
				p.ok("%s", ev.Notification.Message)
			case library.KindError:
				fmt.Fprintln(p.errOut, color.RedString("✗"), ev.Notification.Message)
			default:
				p.info("%s", ev.Notification.Message)
			}
		}
		if showCue {
			fmt.Fprintln(p.out, color.MagentaString("🎉 Hooray! Another book on the shelf!"))
		}
	})
}

// snippet shortens a text summary for the card view.
func snippet(summary string) string {
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "No text summary recorded."
	}
	runes := []rune(summary)
	if len(runes) <= snippetRunes {
		return summary
	}
	return string(runes[:snippetRunes]) + "..."
}

func readCountLine(n int) string {
	if n == 1 {
		return "You've read 1 book!"
	}
	return fmt.Sprintf("You've read %d books!", n)
}

// renderLibrary draws one profile's books as a table.
func renderLibrary(profile domain.Profile, books []domain.BookRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s's Library\n%s\n", profile.DisplayName(), readCountLine(len(books)))
	if len(books) == 0 {
		b.WriteString("No books yet. Add one with `bookbuddy add`.\n")
		return b.String()
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"#", "Title", "Author", "Rating", "Summary", "Voice", "ID"})
	for i, book := range books {
		voice := "no"
		if strings.TrimSpace(book.AudioURL) != "" {
			voice = "yes"
		}
		rating := book.Rating
		if rating == "" {
			rating = domain.DefaultRating()
		}
		tw.AppendRow(table.Row{
			i + 1,
			book.Title,
			book.Author,
			fmt.Sprintf("%s %s", rating, rating.Label()),
			snippet(book.SummaryText),
			voice,
			book.ID,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
	})
	b.WriteString(tw.Render())
	b.WriteString("\n")
	return b.String()
}
