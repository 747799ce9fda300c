// Package comicinfo parses ComicInfo.xml, the de-facto metadata sidecar
// most manga archive tools ship, falling back from a strict XML parse to
// a tolerant line scanner when the document is malformed (§4.12).
package comicinfo

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"strings"
)

// defaultStatus is used when the Status element is absent or empty (a
// non-empty value is kept as found), mirroring what most Tachiyomi-family readers fall back to.
const defaultStatus = "0"

// Document is the subset of ComicInfo.xml fields mangamerged consumes.
type Document struct {
	Series    string
	Writer    string
	Penciller string
	Summary   string
	Genre     string
	Status    string
}

// Parse attempts a strict XML parse of data, falling back to a tolerant
// line scanner if that fails. ok is false only when neither stage finds
// any supported field.
func Parse(data []byte) (doc Document, ok bool) {
	if parsed, err := parseStrict(data); err == nil {
		if parsed.Status == "" {
			parsed.Status = defaultStatus
		}
		return parsed, true
	}
	return parseTolerant(data)
}

// parseStrict returns an error (triggering the tolerant fallback) on any
// XML well-formedness problem, even past the point some fields were
// already read — a document that throws partway through is not "strict
// parsing succeeded".
func parseStrict(data []byte) (Document, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = true

	var doc Document
	seen := map[string]bool{}

	for {
		tok, err := decoder.Token()
		if err != nil {
			if err == io.EOF {
				break
			}
			return Document{}, err
		}
		start, isStart := tok.(xml.StartElement)
		if !isStart {
			continue
		}
		field := strings.ToLower(start.Name.Local)
		if seen[field] {
			continue
		}
		var target *string
		switch field {
		case "series":
			target = &doc.Series
		case "writer":
			target = &doc.Writer
		case "penciller":
			target = &doc.Penciller
		case "summary":
			target = &doc.Summary
		case "genre":
			target = &doc.Genre
		case "status":
			target = &doc.Status
		default:
			continue
		}
		var content string
		if err := decoder.DecodeElement(&content, &start); err != nil {
			continue
		}
		*target = content
		seen[field] = true
	}
	if len(seen) == 0 {
		return Document{}, errNoSupportedFields
	}
	return doc, nil
}

var errNoSupportedFields = errors.New("comicinfo: no supported fields found")

// parseTolerant walks data line by line, tolerating unterminated or
// malformed tags that would make a strict parser give up entirely.
func parseTolerant(data []byte) (Document, bool) {
	var doc Document
	found := false
	inSummary := false
	var summary strings.Builder

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")

		if inSummary {
			if idx := strings.Index(strings.ToLower(line), "</summary>"); idx >= 0 {
				summary.WriteString(line[:idx])
				doc.Summary = html.UnescapeString(summary.String())
				inSummary = false
				found = true
				continue
			}
			summary.WriteString(line)
			summary.WriteString("\n")
			continue
		}

		if val, matched := extractTag(line, "summary"); matched {
			if strings.Contains(strings.ToLower(line), "</summary>") {
				doc.Summary = html.UnescapeString(val)
				found = true
				continue
			}
			inSummary = true
			summary.WriteString(val)
			summary.WriteString("\n")
			continue
		}
		if val, matched := extractScalar(line, "series", doc.Series); matched {
			doc.Series, found = html.UnescapeString(val), true
		}
		if val, matched := extractScalar(line, "writer", doc.Writer); matched {
			doc.Writer, found = html.UnescapeString(val), true
		}
		if val, matched := extractScalar(line, "penciller", doc.Penciller); matched {
			doc.Penciller, found = html.UnescapeString(val), true
		}
		if val, matched := extractScalar(line, "genre", doc.Genre); matched {
			doc.Genre, found = html.UnescapeString(val), true
		}
		if val, matched := extractScalar(line, "status", doc.Status); matched {
			doc.Status, found = html.UnescapeString(val), true
		}
	}
	if inSummary {
		doc.Summary = html.UnescapeString(summary.String())
		found = true
	}

	if !found {
		return Document{}, false
	}
	if doc.Status == "" {
		doc.Status = defaultStatus
	}
	return doc, true
}

// extractScalar reads the first occurrence of tag on line, skipping it if
// already set.
func extractScalar(line, tag, existing string) (string, bool) {
	if existing != "" {
		return "", false
	}
	return extractTag(line, tag)
}

// extractTag finds <tag ...>content on line. If a matching closing tag is
// present on the same line, content stops there; otherwise content runs to
// end of line, tolerating an absent closing tag.
func extractTag(line, tag string) (string, bool) {
	lower := strings.ToLower(line)
	openTag := "<" + tag
	idx := strings.Index(lower, openTag)
	if idx < 0 {
		return "", false
	}
	after := line[idx:]
	gt := strings.Index(after, ">")
	if gt < 0 {
		return "", false
	}
	content := after[gt+1:]
	closeTag := "</" + tag + ">"
	if closeIdx := strings.Index(strings.ToLower(content), closeTag); closeIdx >= 0 {
		return content[:closeIdx], true
	}
	return content, true
}
