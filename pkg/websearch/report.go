package websearch

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var reportSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

// ReportSlug derives a filesystem-friendly slug from a research query.
func ReportSlug(query string) string {
	slug := reportSlugRe.ReplaceAllString(strings.ToLower(query), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 48 {
		slug = strings.Trim(slug[:48], "-")
	}
	if slug == "" {
		slug = "research"
	}
	return slug
}

var reportRenderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithUnsafe()),
)

const reportHTMLPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>body{font-family:sans-serif;max-width:48rem;margin:2rem auto;padding:0 1rem;line-height:1.6}pre{overflow-x:auto;background:#f5f5f5;padding:1rem}</style>
</head>
<body>
%s</body>
</html>
`

// RenderReportHTML renders a markdown report into a standalone HTML page.
func RenderReportHTML(title, markdown string) (string, error) {
	var buf bytes.Buffer
	if err := reportRenderer.Convert([]byte(markdown), &buf); err != nil {
		return "", errors.Wrap(err, "failed to render report")
	}
	return fmt.Sprintf(reportHTMLPage, title, buf.String()), nil
}

// SaveReport writes the report and an HTML sibling under {volume}/research.
// It returns the two paths relative to the volume root.
func SaveReport(volumeRoot, query, report string) (mdRel, htmlRel string, err error) {
	dir := filepath.Join(volumeRoot, "research")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.Wrap(err, "failed to create research directory")
	}

	base := fmt.Sprintf("%s-%d", ReportSlug(query), time.Now().Unix())
	mdRel = filepath.ToSlash(filepath.Join("research", base+".md"))
	htmlRel = filepath.ToSlash(filepath.Join("research", base+".html"))

	if err := os.WriteFile(filepath.Join(dir, base+".md"), []byte(report), 0o644); err != nil {
		return "", "", errors.Wrap(err, "failed to write report")
	}

	page, err := RenderReportHTML(query, report)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(dir, base+".html"), []byte(page), 0o644); err != nil {
		return "", "", errors.Wrap(err, "failed to write report html")
	}
	return mdRel, htmlRel, nil
}
