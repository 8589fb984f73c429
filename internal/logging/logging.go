package logging

import (
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// New builds a *slog.Logger writing to stdout with the pretty handler.
// Color is enabled only when stdout is an actual terminal; on Windows
// consoles that don't natively understand ANSI escapes, output is wrapped
// through go-colorable so the escapes still render correctly.
func New(level slog.Level) *slog.Logger {
	useColor := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

	var w = os.Stdout
	out := colorable.NewColorable(w)

	opts := DefaultOptions()
	opts.UseColor = useColor
	opts.SlogOpts.Level = level

	return slog.New(NewPrettyHandler(out, &opts))
}
