package cli

import (
	"strings"
	"testing"

	"github.com/c-bata/go-prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecLines(t *testing.T) {
	t.Parallel()

	var got []string
	err := ExecLines(strings.NewReader("start\n\n  state  \nstop"), func(line string) {
		got = append(got, line)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "state", "stop"}, got)
}

func TestComplete(t *testing.T) {
	t.Parallel()

	commands := []prompt.Suggest{{Text: "start"}, {Text: "stat"}, {Text: "stop"}}
	cases := []struct {
		input  string
		expect []string
	}{
		{"", []string{"start", "stat", "stop"}},
		{"sta", []string{"start", "stat"}},
		{"sto", []string{"stop"}},
		{"start x", nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input, func(t *testing.T) {
			buf := prompt.NewBuffer()
			buf.InsertText(c.input, false, true)
			ss := Complete(*buf.Document(), commands)
			var texts []string
			for _, s := range ss {
				texts = append(texts, s.Text)
			}
			assert.Equal(t, c.expect, texts)
		})
	}
}
