package main

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type ParseErrorKind int

const (
	MissingSection ParseErrorKind = iota + 1
	SchemaMismatch
	UptimeFormat
	DocumentTooLarge
)

func (k ParseErrorKind) String() string {
	switch k {
	case MissingSection:
		return "missing section"
	case SchemaMismatch:
		return "schema mismatch"
	case UptimeFormat:
		return "bad uptime format"
	case DocumentTooLarge:
		return "document too large"
	default:
		return "parse error"
	}
}

// ParseError reports a status page that does not have the expected shape.
type ParseError struct {
	Kind    ParseErrorKind
	Section string
	Detail  string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Section, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Section, e.Kind, e.Detail)
}

var uptimePattern = regexp.MustCompile(`^(\d+) days? (\d+)h:(\d+)m:(\d+)s$`)

// Extractor turns the status page into a Snapshot. It does no I/O besides
// reading the document and is safe for concurrent use.
type Extractor struct {
	schema *compiledSchema
}

func NewExtractor(page PageSchema) (*Extractor, error) {
	schema, err := page.compile()
	if err != nil {
		return nil, err
	}
	return &Extractor{schema: schema}, nil
}

func (e *Extractor) Extract(r io.Reader) (*Snapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	uptimeNode := e.schema.uptime.MatchFirst(doc)
	if uptimeNode == nil {
		return nil, &ParseError{Kind: MissingSection, Section: sectionUptime}
	}
	uptime, uptimeTotal, err := parseUptime(textContent(uptimeNode))
	if err != nil {
		return nil, err
	}

	ds, err := parseSection(doc, e.schema.downstream, sectionDownstream, downstreamFields)
	if err != nil {
		return nil, err
	}
	us, err := parseSection(doc, e.schema.upstream, sectionUpstream, upstreamFields)
	if err != nil {
		return nil, err
	}
	er, err := parseSection(doc, e.schema.error, sectionError, errorFields)
	if err != nil {
		return nil, err
	}

	snapshot := &Snapshot{
		Downstream:  make([]DownstreamChannel, len(ds[0])),
		Upstream:    make([]UpstreamChannel, len(us[0])),
		Error:       make([]ErrorCounters, len(er[0])),
		Uptime:      uptime,
		UptimeTotal: uptimeTotal,
	}
	// modulation (5) and channel_type (6) are read but not exported.
	for i := range snapshot.Downstream {
		snapshot.Downstream[i] = DownstreamChannel{
			Channel:    ds[0][i],
			LockStatus: ds[1][i],
			Frequency:  Value(strings.TrimSuffix(ds[2][i], " MHz")),
			SNR:        Value(strings.TrimSuffix(ds[3][i], " dB")),
			PowerLevel: Value(strings.TrimSuffix(ds[4][i], " dBmV")),
		}
	}
	for i := range snapshot.Upstream {
		snapshot.Upstream[i] = UpstreamChannel{
			Channel:    us[0][i],
			LockStatus: us[1][i],
			Frequency:  Value(strings.TrimSuffix(us[2][i], " MHz")),
			SymbolRate: Value(us[3][i]),
			PowerLevel: Value(strings.TrimSuffix(us[4][i], " dBmV")),
		}
	}
	for i := range snapshot.Error {
		snapshot.Error[i] = ErrorCounters{
			Unerrored:     Value(er[0][i]),
			Correctable:   Value(er[1][i]),
			Uncorrectable: Value(er[2][i]),
		}
	}
	return snapshot, nil
}

// parseUptime returns the uptime without and with its days component.
func parseUptime(text string) (uptime, total int64, err error) {
	text = strings.Join(strings.Fields(text), " ")
	m := uptimePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, &ParseError{Kind: UptimeFormat, Section: sectionUptime, Detail: strconv.Quote(text)}
	}
	var parts [4]int64
	for i := range parts {
		if parts[i], err = strconv.ParseInt(m[i+1], 10, 64); err != nil {
			return 0, 0, &ParseError{Kind: UptimeFormat, Section: sectionUptime, Detail: err.Error()}
		}
	}
	var ok bool
	for _, c := range []struct{ n, unit int64 }{{parts[1], 3600}, {parts[2], 60}, {parts[3], 1}} {
		if uptime, ok = mulAdd(uptime, c.n, c.unit); !ok {
			return 0, 0, &ParseError{Kind: UptimeFormat, Section: sectionUptime, Detail: "uptime out of range: " + strconv.Quote(text)}
		}
	}
	if total, ok = mulAdd(uptime, parts[0], 86400); !ok {
		return 0, 0, &ParseError{Kind: UptimeFormat, Section: sectionUptime, Detail: "uptime out of range: " + strconv.Quote(text)}
	}
	return uptime, total, nil
}

// mulAdd returns acc + n*unit for non-negative operands, or false on overflow.
func mulAdd(acc, n, unit int64) (int64, bool) {
	if n > (math.MaxInt64-acc)/unit {
		return 0, false
	}
	return acc + n*unit, true
}

// parseSection returns the table's field rows, one slice of cells per field.
// Every field must have the same number of cells.
func parseSection(doc *html.Node, sel cascadia.Selector, section string, fields []string) ([][]string, error) {
	node := sel.MatchFirst(doc)
	if node == nil {
		return nil, &ParseError{Kind: MissingSection, Section: section}
	}
	rows := parseTable(node)
	if len(rows) != len(fields) {
		return nil, &ParseError{
			Kind:    SchemaMismatch,
			Section: section,
			Detail:  fmt.Sprintf("got %d rows, want %d", len(rows), len(fields)),
		}
	}
	for i, row := range rows[1:] {
		if len(row) != len(rows[0]) {
			return nil, &ParseError{
				Kind:    SchemaMismatch,
				Section: section,
				Detail:  fmt.Sprintf("%s has %d cells, %s has %d", fields[i+1], len(row), fields[0], len(rows[0])),
			}
		}
	}
	return rows, nil
}

// parseTable reads the <td> cells of every row below n. Rows without any
// <td> (headings) are skipped.
func parseTable(n *html.Node) (table [][]string) {
	table = [][]string{}

	var rows []*html.Node
	if n.DataAtom == atom.Tr {
		rows = append(rows, n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.DataAtom {
		case atom.Tr:
			rows = append(rows, c)
		case atom.Thead, atom.Tbody, atom.Tfoot:
			for r := c.FirstChild; r != nil; r = r.NextSibling {
				if r.Type == html.ElementNode && r.DataAtom == atom.Tr {
					rows = append(rows, r)
				}
			}
		}
	}

	for _, rowNode := range rows {
		row := []string{}
		for cellNode := rowNode.FirstChild; cellNode != nil; cellNode = cellNode.NextSibling {
			if cellNode.Type == html.ElementNode && cellNode.DataAtom == atom.Td {
				row = append(row, cellText(cellNode))
			}
		}
		if len(row) > 0 {
			table = append(table, row)
		}
	}
	return table
}

// cellText prefers the cell's wrapping <div>, which is where the firmware
// puts the value; some cells carry a hidden label next to it.
func cellText(td *html.Node) string {
	for c := td.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Div {
			return cleanText(textContent(c))
		}
	}
	return cleanText(textContent(td))
}

// cleanText trims the cell and replaces bytes that are not UTF-8, which some
// firmware emits as Latin-1.
func cleanText(s string) string {
	return strings.ToValidUTF8(strings.TrimSpace(s), "\uFFFD")
}

func textContent(n *html.Node) string {
	var contentBuffer bytes.Buffer
	contentNode := n.FirstChild
	for contentNode != nil {
		if contentNode.Type == html.TextNode {
			contentBuffer.WriteString(contentNode.Data)
		} else if contentNode.FirstChild != nil {
			contentNode = contentNode.FirstChild
			continue
		}

		for contentNode != n && contentNode.NextSibling == nil {
			contentNode = contentNode.Parent
		}
		if contentNode == n {
			break
		}
		contentNode = contentNode.NextSibling
	}
	return contentBuffer.String()
}
