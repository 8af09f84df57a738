package errorhandler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"stationkernel/pkg/models"
)

// handoffTemplate renders the markdown handoff document: Status, Reason
// for Escalation, Error Details, Workflow Progress, Next Steps.
var handoffTemplate = template.Must(template.New("handoff").Parse(`# Escalation: {{.TestID}}

## Status

{{.Status}}

## Reason for Escalation

{{.Reason}}

## Error Details

` + "```" + `
{{.ErrorDetails}}
` + "```" + `

## Workflow Progress

| Stage | Completed | Result |
|---|---|---|
{{range .StageProgress}}| {{.Stage}} | {{if .Completed}}yes{{else}}no{{end}} | {{if .Result}}present{{else}}-{{end}} |
{{end}}
## Next Steps

{{range .NextSteps}}- {{.}}
{{end}}
`))

// FileHandoffWriter writes the escalation handoff document to a file
// named {yyyy-mm-ddThh-mm-ss}-{test_id}-escalation.md under Dir.
type FileHandoffWriter struct {
	Dir string
}

// NewFileHandoffWriter builds a FileHandoffWriter rooted at dir, creating
// dir if it doesn't exist.
func NewFileHandoffWriter(dir string) *FileHandoffWriter {
	return &FileHandoffWriter{Dir: dir}
}

// Write renders doc and persists it, returning the file path.
func (w *FileHandoffWriter) Write(ctx context.Context, wf *models.Workflow, doc HandoffDocument) (string, error) {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create handoff dir %s: %w", w.Dir, err)
	}

	safeTestID := sanitizeFilenamePart(doc.TestID)
	name := fmt.Sprintf("%s-%s-escalation.md", doc.GeneratedAt.Format("2006-01-02T15-04-05"), safeTestID)
	path := filepath.Join(w.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create handoff file %s: %w", path, err)
	}
	defer f.Close()

	if err := handoffTemplate.Execute(f, doc); err != nil {
		return "", fmt.Errorf("render handoff for %s: %w", doc.TestID, err)
	}
	return path, nil
}

// sanitizeFilenamePart strips path separators from a test id before it's
// interpolated into a filename.
func sanitizeFilenamePart(s string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	return replacer.Replace(s)
}
