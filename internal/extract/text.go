package extract

import (
	"html"
	"regexp"
	"strings"

	nethtml "golang.org/x/net/html"

	"github.com/nhle/leadmail/internal/model"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\(?\d{2}\)?\s?\d{4,5}-\d{4}`)
	pricePattern = regexp.MustCompile(`R\$ ?[\d.,]+`)
	spaceRun     = regexp.MustCompile(`\s+`)
	nonDigit     = regexp.MustCompile(`\D+`)
)

// blockElements end a line when converting markup to text.
var blockElements = map[string]bool{
	"br": true, "p": true, "div": true, "tr": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "td": true, "th": true,
}

// htmlText renders markup as plain text, one line per block element, with
// entities decoded. Script and style content is dropped.
func htmlText(src string) string {
	z := nethtml.NewTokenizer(strings.NewReader(src))
	var (
		sb   strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case nethtml.ErrorToken:
			return normalizeLines(sb.String())

		case nethtml.StartTagToken, nethtml.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if blockElements[tag] {
				sb.WriteByte('\n')
			}

		case nethtml.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockElements[tag] {
				sb.WriteByte('\n')
			}

		case nethtml.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

// normalizeLines collapses whitespace inside each line and drops blank
// lines.
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(strings.ReplaceAll(line, "\u00a0", " "), " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// clean decodes entities, collapses whitespace and trims a captured field.
func clean(s string) string {
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// capture returns the cleaned first submatch of re in s, or "".
func capture(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return clean(m[1])
}

// captureAny tries each pattern in order.
func captureAny(s string, patterns ...*regexp.Regexp) string {
	for _, re := range patterns {
		if v := capture(re, s); v != "" {
			return v
		}
	}
	return ""
}

// find returns the cleaned whole match of re in s, or "".
func find(re *regexp.Regexp, s string) string {
	return clean(re.FindString(s))
}

func digitsOnly(s string) string {
	return nonDigit.ReplaceAllString(s, "")
}

// newLead returns a lead carrying the message addresses and portal tag.
func newLead(portal string, from, to string) *model.Lead {
	return &model.Lead{From: from, To: to, Portal: portal}
}
