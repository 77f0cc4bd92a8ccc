package importer

import (
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
)

// WriteReport renders s as a Markdown document.
func WriteReport(w io.Writer, s *Summary) error {
	md := markdown.NewMarkdown(w)

	md.H1("Wiki Import Report")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run", "`" + s.RunID + "`"},
			{"Started", s.StartedAt.Format("2006-01-02 15:04:05 MST")},
			{"Duration", s.Duration().Round(time.Millisecond).String()},
			{"Status", s.Status},
		},
	})
	md.PlainText("")

	md.H2("Pages")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows: [][]string{
			{"Committed", itoa(s.PagesCommitted)},
			{"Up to date", itoa(s.PagesUpToDate)},
			{"Failed", itoa(s.PagesFailed)},
			{"Interrupted", itoa(s.PagesInterrupted)},
		},
	})
	md.PlainText("")

	md.H2("Content")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Item", "Count"},
		Rows: [][]string{
			{"Revisions written", itoa(s.RevisionsWritten)},
			{"Attachments written", itoa(s.AttachmentsWritten)},
			{"Blobs uploaded", itoa(s.Uploads.Uploaded)},
			{"Blobs deduplicated", itoa(s.Uploads.Deduplicated)},
			{"Bytes uploaded", itoa(s.Uploads.BytesUploaded)},
		},
	})
	md.PlainText("")

	writeFailureSection(md, "Failures", "No failures.", s.Failures)
	writeFailureSection(md, "Warnings", "No warnings.", s.Warnings)

	return md.Build()
}

func writeFailureSection(md *markdown.Markdown, title, empty string, failures []Failure) {
	md.H2(title)
	md.PlainText("")
	if len(failures) == 0 {
		md.PlainText(empty)
		md.PlainText("")
		return
	}
	rows := make([][]string, len(failures))
	for i, f := range failures {
		rows[i] = []string{string(f.Kind), "`" + f.Path + "`", f.Cause()}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Kind", "Path", "Cause"},
		Rows:   rows,
	})
	md.PlainText("")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
