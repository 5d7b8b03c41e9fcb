package ai

import (
	"context"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-web-chat-demo/backend/pkg/logger"
)

func newTestReader() *StreamReader {
	return NewStreamReader(logger.New(logger.DefaultConfig()))
}

func TestStreamReaderAccumulatesAnswerIncrements(t *testing.T) {
	stream := "data: {\"answer\":\"Hel\"}\n\n" +
		"data: {\"answer\":\"lo\"}\n\n" +
		"data: {\"answer\":\" there\"}\n\n"

	var chunks []string
	answer, _, err := newTestReader().Read(context.Background(), strings.NewReader(stream), func(c string) {
		chunks = append(chunks, c)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello there", answer)
	assert.Equal(t, []string{"Hel", "lo", " there"}, chunks)
}

func TestStreamReaderCapturesConversationID(t *testing.T) {
	stream := "data: {\"answer\":\"hi\",\"conversation_id\":\"conv-1\"}\n\n" +
		"data: {\"answer\":\"!\",\"conversation_id\":\"conv-2\"}\n\n"

	answer, convID, err := newTestReader().Read(context.Background(), strings.NewReader(stream), nil)

	require.NoError(t, err)
	assert.Equal(t, "hi!", answer)
	assert.Equal(t, "conv-2", convID)
}

func TestStreamReaderStopsAtDoneSentinel(t *testing.T) {
	stream := "data: {\"answer\":\"kept\"}\n\n" +
		"data: [DONE]\n\n" +
		"data: {\"answer\":\"dropped\"}\n\n"

	answer, _, err := newTestReader().Read(context.Background(), strings.NewReader(stream), nil)

	require.NoError(t, err)
	assert.Equal(t, "kept", answer)
}

func TestStreamReaderStopsAtMessageEnd(t *testing.T) {
	stream := "data: {\"answer\":\"kept\"}\n\n" +
		"data: {\"event\":\"message_end\",\"conversation_id\":\"conv-9\"}\n\n" +
		"data: {\"answer\":\"dropped\"}\n\n"

	answer, convID, err := newTestReader().Read(context.Background(), strings.NewReader(stream), nil)

	require.NoError(t, err)
	assert.Equal(t, "kept", answer)
	assert.Equal(t, "conv-9", convID)
}

func TestStreamReaderDropsMalformedRecords(t *testing.T) {
	stream := "data: {\"answer\":\"a\"}\n\n" +
		"data: {not json}\n\n" +
		"data: {\"answer\":\"b\"}\n\n"

	answer, _, err := newTestReader().Read(context.Background(), strings.NewReader(stream), nil)

	require.NoError(t, err)
	assert.Equal(t, "ab", answer)
}

func TestStreamReaderCountsDroppedRecords(t *testing.T) {
	before := testutil.ToFloat64(streamParseDrops)

	stream := "data: {broken\n\n" +
		"data: also not json\n\n" +
		"data: {\"answer\":\"fine\"}\n\n"

	answer, _, err := newTestReader().Read(context.Background(), strings.NewReader(stream), nil)

	require.NoError(t, err)
	assert.Equal(t, "fine", answer)
	assert.Equal(t, before+2, testutil.ToFloat64(streamParseDrops))
}

func TestStreamReaderHandlesRecordsSplitAcrossReads(t *testing.T) {
	stream := "data: {\"answer\":\"split\"}\n\n" +
		"data: {\"answer\":\" record\"}\n\n"

	// One byte per read forces every record boundary to straddle reads.
	answer, _, err := newTestReader().Read(context.Background(), iotest.OneByteReader(strings.NewReader(stream)), nil)

	require.NoError(t, err)
	assert.Equal(t, "split record", answer)
}

func TestStreamReaderDiscardsTrailingPartialRecord(t *testing.T) {
	stream := "data: {\"answer\":\"complete\"}\n\n" +
		"data: {\"answer\":\"truncat" // no delimiter before EOF

	answer, _, err := newTestReader().Read(context.Background(), strings.NewReader(stream), nil)

	require.NoError(t, err)
	assert.Equal(t, "complete", answer)
}

func TestStreamReaderIgnoresNonDataLines(t *testing.T) {
	stream := "event: ping\n\n" +
		"data: {\"answer\":\"x\"}\r\nretry: 100\n\n"

	answer, _, err := newTestReader().Read(context.Background(), strings.NewReader(stream), nil)

	require.NoError(t, err)
	assert.Equal(t, "x", answer)
}

func TestStreamReaderReturnsTransportErrorOnReadFailure(t *testing.T) {
	r := iotest.TimeoutReader(iotest.OneByteReader(strings.NewReader("data: {\"answer\":\"a\"}\n\n")))

	_, _, err := newTestReader().Read(context.Background(), r, nil)

	require.Error(t, err)
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}
