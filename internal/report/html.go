package report

import (
	"bytes"
	"fmt"
	"html"
	"io"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/hyperjump/matome/internal/collection"
)

const htmlPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; line-height: 1.5; }
code { color: #555; }
blockquote { color: #555; border-left: 3px solid #ddd; margin-left: 0; padding-left: 1rem; }
</style>
</head>
<body>
%s</body>
</html>
`

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// WriteHTML renders the Markdown report as a standalone HTML page.
func WriteHTML(w io.Writer, coll *collection.Collection, opts Options) error {
	var md bytes.Buffer
	if err := WriteMarkdown(&md, coll, opts); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := markdown.Convert(md.Bytes(), &body); err != nil {
		return fmt.Errorf("failed to render markdown: %w", err)
	}
	_, err := fmt.Fprintf(w, htmlPage, html.EscapeString(opts.title()), body.String())
	return err
}
