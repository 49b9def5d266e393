package report

import (
	"testing"

	"github.com/andrej220/opsflow/pkg/result"
	"github.com/stretchr/testify/assert"
)

func TestFormatEmpty(t *testing.T) {
	got := Format(nil, "")
	assert.Equal(t, "No workflow results available.\n\nLogs:\n-----\n(No logs available)", got)
}

func TestFormatGroupsBySeverity(t *testing.T) {
	results := []result.Result{
		result.New("plugin:run:a", result.Info, "ok"),
		result.New("plugin:setup:b", result.Error, "boom"),
		result.New("plugin:run:c", result.Info, "fine"),
	}

	want := "Maintenance Summary\n" +
		"====================\n" +
		"\n" +
		"ERROR:\n" +
		"------\n" +
		"  Step:    plugin:setup:b\n" +
		"  Message: boom\n" +
		"\n" +
		"INFO:\n" +
		"-----\n" +
		"  Step:    plugin:run:a\n" +
		"  Message: ok\n" +
		"\n" +
		"  Step:    plugin:run:c\n" +
		"  Message: fine\n" +
		"\n\nLogs:\n-----\n" +
		"line one\nline two"

	assert.Equal(t, want, Format(results, "\nline one\nline two\n\n"))
}
