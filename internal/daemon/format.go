package daemon

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mpataki/courier/internal/models"
)

var sendFileTag = regexp.MustCompile(`\[send_file:\s*([^\]]*)\]`)

// Formatter shapes outgoing text for channel adapters.
type Formatter struct {
	MaxLength        int
	TruncationSuffix string
	Logger           *slog.Logger
}

// Apply moves [send_file: /abs/path] tags from msg.Text into msg.Files
// and truncates what remains.
func (f Formatter) Apply(msg models.OutgoingMessage) models.OutgoingMessage {
	text, files := f.extractFiles(msg.Text)
	msg.Text = truncate(text, f.MaxLength, f.TruncationSuffix)
	msg.Files = append(msg.Files, files...)
	return msg
}

func (f Formatter) extractFiles(text string) (string, []string) {
	var files []string
	for _, m := range sendFileTag.FindAllStringSubmatch(text, -1) {
		path := strings.TrimSpace(m[1])
		if !filepath.IsAbs(path) {
			if f.Logger != nil {
				f.Logger.Warn("dropping send_file tag with a relative path", "path", path)
			}
			continue
		}
		files = append(files, filepath.Clean(path))
	}
	if len(files) == 0 && !sendFileTag.MatchString(text) {
		return text, nil
	}
	text = sendFileTag.ReplaceAllString(text, "")
	return strings.TrimSpace(text), files
}

// truncate cuts text to max runes, suffix included. max <= 0 disables it.
func truncate(text string, max int, suffix string) string {
	runes := []rune(text)
	if max <= 0 || len(runes) <= max {
		return text
	}
	keep := max - len([]rune(suffix))
	if keep <= 0 {
		return string(runes[:max])
	}
	return strings.TrimRight(string(runes[:keep]), " \n") + suffix
}

func formatSnapshot(snap *models.ProgressSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s): %s", snap.RunID, snap.WorkflowID, snap.State)
	if snap.CurrentStep != "" && !snap.State.Terminal() {
		fmt.Fprintf(&b, " at step %s", snap.CurrentStep)
	}
	if snap.Elapsed > 0 {
		fmt.Fprintf(&b, " after %s", snap.Elapsed.Round(time.Second))
	}
	b.WriteString(".")
	if snap.Failure != nil {
		fmt.Fprintf(&b, "\nFailure: %s", snap.Failure.Message)
		if snap.Failure.Bound != "" {
			fmt.Fprintf(&b, " (limit: %s)", snap.Failure.Bound)
		}
	} else if snap.Summary != "" {
		fmt.Fprintf(&b, "\n%s", snap.Summary)
	}
	if snap.State == models.RunWaiting {
		b.WriteString("\nReply in this thread to continue.")
	}
	return b.String()
}
