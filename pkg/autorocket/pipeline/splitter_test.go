package pipeline

import (
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		delimiter string
		want      []string
	}{
		{"no delimiter", "hello there", "&&&", []string{"hello there"}},
		{"two segments", "hi&&&how are you", "&&&", []string{"hi", "how are you"}},
		{"three segments", "a&&&b&&&c", "&&&", []string{"a", "b", "c"}},
		{"trims whitespace", "  hi  &&&  there  ", "&&&", []string{"hi", "there"}},
		{"drops empty pieces", "hi&&&&&&there", "&&&", []string{"hi", "there"}},
		{"leading delimiter", "&&&hi", "&&&", []string{"hi"}},
		{"trailing delimiter", "hi&&&", "&&&", []string{"hi"}},
		{"only delimiters", "&&&&&&", "&&&", []string{}},
		{"empty text", "", "&&&", nil},
		{"whitespace only", "   \n ", "&&&", nil},
		{"empty delimiter", "hi&&&there", "", []string{"hi&&&there"}},
		{"multiline segment", "line one\nline two&&&next", "&&&", []string{"line one\nline two", "next"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.delimiter)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split(%q, %q) = %v, want %v", tt.text, tt.delimiter, got, tt.want)
			}
		})
	}
}
