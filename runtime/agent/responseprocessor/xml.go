package responseprocessor

import (
	"regexp"
	"strings"

	"github.com/agentrun/engine/runtime/agent/toolregistry"
)

var attrRe = regexp.MustCompile(`([a-zA-Z_][\w-]*)\s*=\s*("([^"]*)"|'([^']*)'|([^\s>/]+))`)

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
)

func decodeEntities(s string) string {
	return entityReplacer.Replace(s)
}

// xmlChunk is one complete markup occurrence found in the scan window.
type xmlChunk struct {
	Tag      string
	OpenTag  string // the full opening tag, e.g. `<create-file path="a">`
	Content  string // everything between open and close, empty for self-closing
	Start    int
	End      int // exclusive, index just past the closing tag
}

// findEarliestXMLChunk scans s for the earliest complete occurrence of any
// tag in tags, using depth-aware matching for nested same-name tags. It does
// not use a full XML parser: malformed input is simply not matched, never an
// error.
func findEarliestXMLChunk(s string, tags []string) (xmlChunk, bool) {
	best := xmlChunk{}
	found := false
	for _, tag := range tags {
		c, ok := findTagOccurrence(s, tag)
		if !ok {
			continue
		}
		if !found || c.Start < best.Start {
			best = c
			found = true
		}
	}
	return best, found
}

func findTagOccurrence(s, tag string) (xmlChunk, bool) {
	openRe := regexp.MustCompile(`<` + regexp.QuoteMeta(tag) + `(\s[^>]*)?/?>`)
	closeTag := "</" + tag + ">"

	loc := openRe.FindStringIndex(s)
	if loc == nil {
		return xmlChunk{}, false
	}
	start, afterOpen := loc[0], loc[1]
	openTag := s[start:afterOpen]

	if strings.HasSuffix(strings.TrimSpace(openTag), "/>") {
		return xmlChunk{Tag: tag, OpenTag: openTag, Content: "", Start: start, End: afterOpen}, true
	}

	depth := 1
	pos := afterOpen
	for depth > 0 {
		nextOpen := openRe.FindStringIndex(s[pos:])
		nextClose := strings.Index(s[pos:], closeTag)
		if nextClose < 0 {
			return xmlChunk{}, false // closing tag not yet seen; wait for more input
		}
		if nextOpen != nil && nextOpen[0] < nextClose && !strings.HasSuffix(strings.TrimSpace(s[pos+nextOpen[0]:pos+nextOpen[1]]), "/>") {
			depth++
			pos += nextOpen[1]
			continue
		}
		depth--
		pos += nextClose + len(closeTag)
	}
	content := s[afterOpen : pos-len(closeTag)]
	return xmlChunk{Tag: tag, OpenTag: openTag, Content: strings.TrimSpace(content), Start: start, End: pos}, true
}

// parseAttributes extracts attribute name/value pairs from an opening tag.
func parseAttributes(openTag string) map[string]string {
	out := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(openTag, -1) {
		name := m[1]
		var value string
		switch {
		case m[3] != "" || (m[2] != "" && strings.HasPrefix(m[2], `"`)):
			value = m[3]
		case m[4] != "" || (m[2] != "" && strings.HasPrefix(m[2], "'")):
			value = m[4]
		default:
			value = m[5]
		}
		out[name] = decodeEntities(value)
	}
	return out
}

// fillMapping resolves every parameter mapping against a parsed chunk. It
// returns ok=false if any mapping could not be filled, per spec.md's "a
// parsed call is valid iff every mapping's parameter has been filled"
// (the chunk is then silently dropped by the caller).
func fillMapping(chunk xmlChunk, mappings []toolregistry.ParamMapping) (map[string]any, bool) {
	attrs := parseAttributes(chunk.OpenTag)
	args := make(map[string]any, len(mappings))
	for _, m := range mappings {
		switch m.Source {
		case toolregistry.SourceAttribute:
			v, ok := attrs[m.Path]
			if !ok {
				return nil, false
			}
			args[m.Param] = v
		case toolregistry.SourceRootText:
			args[m.Param] = decodeEntities(chunk.Content)
		case toolregistry.SourceChild:
			child, ok := findTagOccurrence(chunk.Content, m.Path)
			if !ok {
				return nil, false
			}
			args[m.Param] = decodeEntities(strings.TrimSpace(child.Content))
		default:
			return nil, false
		}
	}
	return args, true
}
