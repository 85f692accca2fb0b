package tumblr

import (
	"reflect"
	"testing"
)

func TestHashtags(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"no tags here", nil},
		{"shot on #film with #kodak gold", []string{"film", "kodak"}},
		{"dangling # alone", nil},
		{"#leading tag", []string{"leading"}},
	}
	for _, c := range cases {
		if got := hashtags(c.text); !reflect.DeepEqual(got, c.want) {
			t.Fatalf("hashtags(%q) = %v, want %v", c.text, got, c.want)
		}
	}
}
