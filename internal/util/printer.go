package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// DefaultWidth is the width of rules and banners on the operator console.
const DefaultWidth = 60

// Printer is the operator-facing console. Writes are serialized and write
// errors are ignored: console output never fails a run.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	width int
}

var Default = NewPrinter(os.Stdout)

// NewPrinter returns a printer writing to w (stdout when w is nil).
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{out: w, width: DefaultWidth}
}

// SetWidth changes the rule width; values below 20 are ignored.
func (p *Printer) SetWidth(w int) {
	if w < 20 {
		return
	}
	p.mu.Lock()
	p.width = w
	p.mu.Unlock()
}

func (p *Printer) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.out, s)
}

func (p *Printer) Print(a ...interface{}) {
	p.write(fmt.Sprint(a...))
}

func (p *Printer) Printf(format string, a ...interface{}) {
	p.write(fmt.Sprintf(format, a...))
}

func (p *Printer) Println(a ...interface{}) {
	p.write(fmt.Sprintln(a...))
}

// PrintBlock prints block followed by a newline when it lacks one.
func (p *Printer) PrintBlock(block string) {
	if !strings.HasSuffix(block, "\n") {
		block += "\n"
	}
	p.write(block)
}

func (p *Printer) rule(ch string) string {
	p.mu.Lock()
	w := p.width
	p.mu.Unlock()
	return strings.Repeat(ch, w)
}

// Banner prints a title framed by double rules.
func (p *Printer) Banner(title string) {
	r := p.rule("=")
	p.write("\n" + r + "\n  " + title + "\n" + r + "\n")
}

// Header prints the per-command header: a rule, the label and another rule.
func (p *Printer) Header(label string) {
	r := p.rule("─")
	p.write("\n" + r + "\n▶ " + label + "\n" + r + "\n")
}
