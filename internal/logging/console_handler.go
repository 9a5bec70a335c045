package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// consoleHandler renders human-readable single-line records. Colors are only
// emitted when the writer is a terminal.
type consoleHandler struct {
	mu       *sync.Mutex
	writer   io.Writer
	level    slog.Leveler
	useColor bool
	attrs    []slog.Attr
	groups   []string
}

func newConsoleHandler(writer io.Writer, level slog.Leveler) *consoleHandler {
	useColor := false
	if file, ok := writer.(*os.File); ok {
		useColor = isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
	}
	return &consoleHandler{
		mu:       &sync.Mutex{},
		writer:   writer,
		level:    level,
		useColor: useColor,
	}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	var builder strings.Builder
	builder.WriteString(record.Time.Format(time.TimeOnly))
	builder.WriteByte(' ')
	builder.WriteString(h.colorize(levelLabel(record.Level), levelColor(record.Level)))
	builder.WriteByte(' ')
	builder.WriteString(record.Message)

	attrs := make([]slog.Attr, 0, record.NumAttrs()+len(h.attrs))
	attrs = append(attrs, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})
	sort.SliceStable(attrs, func(i, j int) bool { return attrOrder(attrs[i].Key) < attrOrder(attrs[j].Key) })
	for _, attr := range attrs {
		key := attr.Key
		if len(h.groups) > 0 {
			key = strings.Join(h.groups, ".") + "." + key
		}
		builder.WriteByte(' ')
		builder.WriteString(h.colorize(key+"="+attr.Value.String(), colorGray))
	}
	builder.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, builder.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func (h *consoleHandler) colorize(text, color string) string {
	if !h.useColor || color == "" {
		return text
	}
	return color + text + colorReset
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN "
	case level >= slog.LevelInfo:
		return "INFO "
	default:
		return "DEBUG"
	}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorCyan
	default:
		return colorGray
	}
}

// attrOrder keeps identity fields ahead of free-form ones so lines stay scannable.
func attrOrder(key string) string {
	switch key {
	case FieldComponent:
		return "0"
	case FieldEpisodeID:
		return "1"
	case FieldStage:
		return "2"
	case FieldProvider, FieldModel:
		return "3"
	default:
		return "9" + key
	}
}
