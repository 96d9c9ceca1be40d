package responseprocessor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentrun/engine/runtime/agent/toolregistry"
)

func TestFindTagOccurrenceSelfClosing(t *testing.T) {
	chunk, ok := findTagOccurrence(`before <wait seconds="1"/> after`, "wait")
	require.True(t, ok)
	require.Equal(t, "", chunk.Content)
	require.Contains(t, chunk.OpenTag, `seconds="1"`)
}

func TestFindTagOccurrenceNested(t *testing.T) {
	s := `<ask>outer <ask>inner</ask> tail</ask>`
	chunk, ok := findTagOccurrence(s, "ask")
	require.True(t, ok)
	require.Equal(t, "outer <ask>inner</ask> tail", chunk.Content)
}

func TestFindTagOccurrenceIncomplete(t *testing.T) {
	_, ok := findTagOccurrence(`<create-file path="a">partial`, "create-file")
	require.False(t, ok)
}

func TestParseAttributesTolerantQuoting(t *testing.T) {
	attrs := parseAttributes(`<create-file path="a b" mode='x' flag=y>`)
	require.Equal(t, "a b", attrs["path"])
	require.Equal(t, "x", attrs["mode"])
	require.Equal(t, "y", attrs["flag"])
}

func TestDecodeEntities(t *testing.T) {
	require.Equal(t, `<a & "b">`, decodeEntities(`&lt;a &amp; &quot;b&quot;&gt;`))
}

func TestFillMappingRootTextContent(t *testing.T) {
	chunk, ok := findTagOccurrence(`<ask>what is 2+2?</ask>`, "ask")
	require.True(t, ok)
	args, ok := fillMapping(chunk, []toolregistry.ParamMapping{
		{Param: "question", Source: toolregistry.SourceRootText, Path: "."},
	})
	require.True(t, ok)
	require.Equal(t, "what is 2+2?", args["question"])
}

func TestFillMappingMissingAttributeFails(t *testing.T) {
	chunk, ok := findTagOccurrence(`<create-file>body</create-file>`, "create-file")
	require.True(t, ok)
	_, ok = fillMapping(chunk, []toolregistry.ParamMapping{
		{Param: "path", Source: toolregistry.SourceAttribute, Path: "path"},
	})
	require.False(t, ok)
}

func TestFindEarliestXMLChunkPicksEarliest(t *testing.T) {
	s := `text <b>1</b> more <a>2</a>`
	c, ok := findEarliestXMLChunk(s, []string{"a", "b"})
	require.True(t, ok)
	require.Equal(t, "b", c.Tag)
}
