package stream

import (
	"io"
	"log/slog"
	"testing"

	"CircleChat/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullStream = "data: {\"type\":\"chunk\",\"content\":\"Hot flashes\"}\n" +
	": keepalive comment\n" +
	"data: {\"type\":\"chunk\",\"content\":\" are common.\"}\r\n" +
	"event: ignored\n" +
	"\n" +
	"data: {\"type\":\"sources\",\"sources\":[{\"content\":\"A\",\"metadata\":{\"source\":\"http://x\",\"title\":\"T\",\"organization\":\"O\"}},{\"content\":\"B\",\"metadata\":{\"source\":null}}]}\n" +
	"data: {\"type\":\"done\"}\n" +
	"data: {\"type\":\"chunk\",\"content\":\"after done\"}\n"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeInPieces(t *testing.T, raw string, size int) []Event {
	t.Helper()
	dec := NewDecoder(quietLogger())
	var events []Event
	data := []byte(raw)
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		events = append(events, dec.Feed(data[:n])...)
		data = data[n:]
	}
	return append(events, dec.Flush()...)
}

func TestLineSplitResilience(t *testing.T) {
	whole := decodeInPieces(t, fullStream, len(fullStream))
	require.Len(t, whole, 4)
	assert.Equal(t, KindChunk, whole[0].Kind)
	assert.Equal(t, "Hot flashes", whole[0].Content)
	assert.Equal(t, " are common.", whole[1].Content)
	require.Equal(t, KindSources, whole[2].Kind)
	require.Len(t, whole[2].Sources, 2)
	assert.Equal(t, "http://x", whole[2].Sources[0].URL())
	assert.Equal(t, "O", whole[2].Sources[0].Metadata.Organization)
	assert.Nil(t, whole[2].Sources[1].Metadata.Source)
	assert.Equal(t, KindDone, whole[3].Kind)

	for _, size := range []int{1, 2, 3, 7, 64} {
		assert.Equal(t, whole, decodeInPieces(t, fullStream, size), "piece size %d", size)
	}
}

func TestMalformedLineTolerance(t *testing.T) {
	raw := "data: {\"type\":\"chunk\",\"content\":\"one\"}\n" +
		"data: {this is not json\n" +
		"data: {\"type\":\"mystery\"}\n" +
		"data: {\"type\":\"chunk\",\"content\":\"two\"}\n" +
		"data: {\"type\":\"done\"}\n"

	events := decodeInPieces(t, raw, 5)
	require.Len(t, events, 3)
	assert.Equal(t, "one", events[0].Content)
	assert.Equal(t, "two", events[1].Content)
	assert.Equal(t, KindDone, events[2].Kind)
}

func TestSourcesDeliveredAtMostOnce(t *testing.T) {
	raw := "data: {\"type\":\"sources\",\"sources\":[{\"content\":\"A\",\"metadata\":{\"source\":\"s1\"}}]}\n" +
		"data: {\"type\":\"sources\",\"sources\":[{\"content\":\"B\",\"metadata\":{\"source\":\"s2\"}}]}\n" +
		"data: {\"type\":\"done\"}\n"

	events := decodeInPieces(t, raw, len(raw))
	require.Len(t, events, 2)
	assert.Equal(t, "A", events[0].Sources[0].Content)
	assert.Equal(t, KindDone, events[1].Kind)
}

func TestFlushParsesUnterminatedFinalLine(t *testing.T) {
	dec := NewDecoder(quietLogger())
	assert.Empty(t, dec.Feed([]byte("data: {\"type\":\"done\"}")))
	assert.Equal(t, len("data: {\"type\":\"done\"}"), dec.Pending())

	events := dec.Flush()
	require.Len(t, events, 1)
	assert.Equal(t, KindDone, events[0].Kind)
	assert.True(t, dec.Done())
	assert.Empty(t, dec.Feed([]byte("data: {\"type\":\"chunk\",\"content\":\"x\"}\n")))
}

func TestLineBufferKeepsPartialLine(t *testing.T) {
	var b LineBuffer
	assert.Empty(t, b.Write([]byte("abc")))
	lines := b.Write([]byte("def\r\ngh\n\ni"))
	require.Len(t, lines, 3)
	assert.Equal(t, "abcdef", string(lines[0]))
	assert.Equal(t, "gh", string(lines[1]))
	assert.Equal(t, "", string(lines[2]))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, "i", string(b.Remainder()))
	assert.Equal(t, 0, b.Len())
}

func TestDispatch(t *testing.T) {
	events := make(chan Event, 4)
	events <- Event{Kind: KindChunk, Content: "a"}
	events <- Event{Kind: KindSources}
	events <- Event{Kind: KindDone}
	close(events)

	var got []string
	Dispatch(events, Handlers{
		OnChunk:    func(text string) { got = append(got, "chunk:"+text) },
		OnSources:  func(_ []session.Source) { got = append(got, "sources") },
		OnComplete: func() { got = append(got, "done") },
		OnError:    func(err error) { got = append(got, "error") },
	})
	assert.Equal(t, []string{"chunk:a", "sources", "done"}, got)
}
