package baresip

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := []string{`{"command":"dial","params":"sip:2002@pbx","token":"tok1"}`, "", "hello, world"}
	for _, p := range payloads {
		require.NoError(t, writeFrame(&buf, []byte(p)))
	}
	assert.True(t, strings.HasPrefix(buf.String(), "57:{"))

	r := newFrameReader(&buf)
	for _, p := range payloads {
		got, err := r.next()
		require.NoError(t, err)
		assert.Equal(t, p, string(got))
	}
	_, err := r.next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameMalformed(t *testing.T) {
	cases := map[string]string{
		"letters in length": "1a:x,",
		"empty length":      ":abc,",
		"missing comma":     "3:abc;",
		"oversized":         "99999999:",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newFrameReader(strings.NewReader(in)).next()
			assert.ErrorIs(t, err, errFrame)
		})
	}

	_, err := newFrameReader(strings.NewReader("10:short")).next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeMessage(t *testing.T) {
	evt, resp, err := decodeMessage([]byte(`{"event":true,"type":"CALL_INCOMING","id":"c1","peeruri":"sip:2002@pbx"}`))
	require.NoError(t, err)
	require.Nil(t, resp)
	assert.Equal(t, EventCallIncoming, evt.Type)
	assert.Equal(t, "c1", evt.ID)

	evt, resp, err = decodeMessage([]byte(`{"response":true,"ok":false,"data":"no call","token":"tok3"}`))
	require.NoError(t, err)
	require.Nil(t, evt)
	assert.False(t, resp.OK)
	assert.Equal(t, "tok3", resp.Token)

	_, _, err = decodeMessage([]byte(`{"hello":1}`))
	assert.Error(t, err)
	_, _, err = decodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestUserFromURI(t *testing.T) {
	tests := map[string]string{
		"sip:2002@pbx.local":                          "2002",
		`"Alice" <sip:+1-555-0100@pbx;transport=tls>`: "+15550100",
		"tel:+15550100":                               "+15550100",
		"sips:alice@example.com":                      "alice",
		"2002":                                        "2002",
	}
	for in, want := range tests {
		assert.Equal(t, want, UserFromURI(in), in)
	}
}

func TestHangupParams(t *testing.T) {
	assert.Equal(t, "c1", hangupParams("c1", 0, ""))
	assert.Equal(t, "c1 scode=486 reason=Busy", hangupParams("c1", 486, "Busy"))
	assert.Equal(t, "scode=603", hangupParams("", 603, ""))
}
