package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindTag(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		tag    string
		want   string
		wantOK bool
	}{
		{name: "simple", text: `[uri "/admin"]`, tag: "uri", want: "/admin", wantOK: true},
		{name: "absent tag", text: `[foo "bar"]`, tag: "uri", wantOK: false},
		{name: "first match wins", text: `[id "1"] x [id "2"]`, tag: "id", want: "1", wantOK: true},
		{name: "embedded in text", text: `Message: Access denied with code 400 [file "/etc/x.conf"] [id "12345"] [msg "Bad"]`, tag: "id", want: "12345", wantOK: true},
		{name: "escaped quote", text: `[msg "say \"hi\" now"]`, tag: "msg", want: `say \"hi\" now`, wantOK: true},
		{name: "escaped quote before bracket", text: `[msg "a\"] b"]`, tag: "msg", want: `a\"] b`, wantOK: true},
		{name: "quote not followed by bracket", text: `[data "x" y"]`, tag: "data", want: `x" y`, wantOK: true},
		{name: "empty value", text: `[uri ""]`, tag: "uri", want: "", wantOK: true},
		{name: "unmatched bracket", text: `[uri "/admin`, tag: "uri", wantOK: false},
		{name: "unterminated then valid", text: "[uri \"/broken\n[uri \"/ok\"]", tag: "uri", want: "/ok", wantOK: true},
		{name: "value does not span lines", text: "[uri \"/a\nb\"]", tag: "uri", wantOK: false},
		{name: "longer tag name is not a match", text: `[uris "/x"] [uri "/y"]`, tag: "uri", want: "/y", wantOK: true},
		{name: "missing space", text: `[uri"/x"]`, tag: "uri", wantOK: false},
		{name: "lone open bracket", text: `[`, tag: "uri", wantOK: false},
		{name: "empty tag name", text: `[uri "/x"]`, tag: "", wantOK: false},
		{name: "trailing backslash", text: `[msg "abc\`, tag: "msg", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FindTag(tt.text, tt.tag)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFindTags(t *testing.T) {
	text := "[id \"920350\"] [msg \"Host header\"]\n[id \"949110\"] [id \"broken]\n[id \"980130\"]"
	assert.Equal(t, []string{"920350", "949110", "980130"}, FindTags(text, "id"))
	assert.Empty(t, FindTags(text, "uri"))
}
