package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   Content
	}{
		{name: "text", in: Content{Kind: KindText, Text: "Is this still available?"}},
		{name: "image", in: Content{Kind: KindImage, URL: "https://cdn.example.com/p/1.jpg"}},
		{name: "location", in: Content{Kind: KindLocation, Latitude: 11.5564, Longitude: 104.9282, Label: "Central Market"}},
		{name: "location at origin", in: Content{Kind: KindLocation, Latitude: 0, Longitude: 0}},
		{name: "voice", in: Content{Kind: KindVoice, URL: "https://cdn.example.com/v/1.m4a", DurationSeconds: 12}},
		{name: "voice without duration", in: Content{Kind: KindVoice, URL: "https://cdn.example.com/v/2.m4a"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			b, err := Encode(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.in, Decode(b))
		})
	}
}

func TestEncode_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   Content
		want error
	}{
		{name: "empty text", in: Content{Kind: KindText, Text: ""}, want: ErrEmptyContent},
		{name: "whitespace text", in: Content{Kind: KindText, Text: " \n\t "}, want: ErrEmptyContent},
		{name: "image without url", in: Content{Kind: KindImage}, want: ErrMissingMedia},
		{name: "image relative url", in: Content{Kind: KindImage, URL: "/uploads/1.jpg"}, want: ErrMissingMedia},
		{name: "voice without url", in: Content{Kind: KindVoice, DurationSeconds: 3}, want: ErrMissingMedia},
		{name: "voice negative duration", in: Content{Kind: KindVoice, URL: "https://x.example/v", DurationSeconds: -1}, want: ErrInvalidInput},
		{name: "latitude out of range", in: Content{Kind: KindLocation, Latitude: 91}, want: ErrInvalidInput},
		{name: "longitude out of range", in: Content{Kind: KindLocation, Longitude: -181}, want: ErrInvalidInput},
		{name: "unknown kind", in: Content{Kind: "sticker"}, want: ErrInvalidInput},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Encode(tc.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v want %v", err, tc.want)
		})
	}
}

func TestEncode_TrimsAndDropsForeignFields(t *testing.T) {
	t.Parallel()

	b, err := Encode(Content{Kind: KindText, Text: "  hi  ", URL: "https://ignored.example"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"text","text":"hi"}`, string(b))
}

func TestDecode_MalformedDegradesToText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "not json", in: "hello there", want: "hello there"},
		{name: "legacy json string", in: `"plain old text"`, want: "plain old text"},
		{name: "legacy type key", in: `{"type":"text","text":"Is this still available?"}`, want: "Is this still available?"},
		{name: "unknown kind with text", in: `{"kind":"sticker","text":"<3"}`, want: "<3"},
		{name: "image missing url", in: `{"kind":"image"}`, want: `{"kind":"image"}`},
		{name: "location missing longitude", in: `{"kind":"location","latitude":1,"label":"Home"}`, want: "Home"},
		{name: "wrong field type", in: `{"kind":"text","text":42}`, want: `{"kind":"text","text":42}`},
		{name: "array", in: `[1,2,3]`, want: `[1,2,3]`},
		{name: "truncated", in: `{"kind":"text","te`, want: `{"kind":"text","te`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var got Content
			require.NotPanics(t, func() { got = Decode([]byte(tc.in)) })
			assert.Equal(t, KindText, got.Kind)
			assert.Equal(t, tc.want, got.Text)
		})
	}
}

func TestDecode_InvalidUTF8IsQuoted(t *testing.T) {
	t.Parallel()

	got := Decode([]byte{0xff, 0xfe, 'a'})
	assert.Equal(t, KindText, got.Kind)
	assert.NotEmpty(t, got.Text)
}

func TestPreview(t *testing.T) {
	t.Parallel()

	long := make([]rune, 200)
	for i := range long {
		long[i] = 'x'
	}

	assert.Equal(t, "hi", Preview(TextContent(" hi ")))
	assert.Equal(t, string(long[:80])+"...", Preview(TextContent(string(long))))
	assert.Equal(t, "Photo", Preview(Content{Kind: KindImage, URL: "https://x"}))
	assert.Equal(t, "Voice message (1:05)", Preview(Content{Kind: KindVoice, DurationSeconds: 65}))
	assert.Equal(t, "Voice message", Preview(Content{Kind: KindVoice}))
	assert.Equal(t, "Location: Market", Preview(Content{Kind: KindLocation, Label: "Market"}))
	assert.Equal(t, "Location", Preview(Content{Kind: KindLocation}))
}
