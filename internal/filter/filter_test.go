package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/pcw/internal/catalog"
)

func row(id, region string, tags map[string]string) catalog.Row {
	return catalog.Row{InstanceID: id, Region: region, Tags: tags}
}

func TestShouldIncludeRegion(t *testing.T) {
	f := New(nil, nil, nil)
	assert.True(t, f.ShouldIncludeRegion("eu-central-1"))

	f = New([]string{"eu-central-1", "us-east-1"}, nil, nil)
	assert.True(t, f.ShouldIncludeRegion("us-east-1"))
	assert.False(t, f.ShouldIncludeRegion("westeurope"))
}

func TestMatch_IncludeTags(t *testing.T) {
	f := New(nil, map[string]string{"openqa_var_server": "openqa.example", "team": "qac"}, nil)

	assert.True(t, f.Match(map[string]string{"openqa_var_server": "openqa.example", "team": "qac", "x": "1"}))
	assert.False(t, f.Match(map[string]string{"openqa_var_server": "openqa.example"}))
	assert.False(t, f.Match(nil))
}

func TestMatch_ExcludeTags(t *testing.T) {
	f := New(nil, nil, map[string]string{"team": "release"})

	assert.True(t, f.Match(map[string]string{"team": "qac"}))
	assert.True(t, f.Match(nil))
	assert.False(t, f.Match(map[string]string{"team": "release"}))
}

func TestParseTags(t *testing.T) {
	tags, err := ParseTags([]string{"team=qac", "pcw_ignore", "empty="})
	require.NoError(t, err)
	assert.Equal(t, "qac", tags["team"])
	assert.Equal(t, "", tags["empty"])

	// A bare key matches any value.
	f := New(nil, nil, tags)
	assert.False(t, f.Match(map[string]string{"pcw_ignore": "whatever"}))
	assert.True(t, f.Match(map[string]string{"team": "other", "empty": "x"}))

	_, err = ParseTags([]string{"=value"})
	assert.Error(t, err)
}

func TestRows(t *testing.T) {
	rows := []catalog.Row{
		row("i-1", "eu-central-1", map[string]string{"openqa_var_job_id": "1"}),
		row("i-2", "us-east-1", map[string]string{"openqa_var_job_id": "2"}),
		row("i-3", "eu-central-1", map[string]string{"pcw_ignore": "1"}),
		row("i-4", "eu-central-1", nil),
	}

	f := New([]string{"eu-central-1"}, nil, map[string]string{"pcw_ignore": anyValue})
	got := f.Rows(rows)

	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.InstanceID)
	}
	assert.Equal(t, []string{"i-1", "i-4"}, ids)
}

func TestRows_EmptyFilterReturnsInput(t *testing.T) {
	rows := []catalog.Row{row("i-1", "r", nil)}
	f := New(nil, nil, nil)
	assert.True(t, f.IsEmpty())
	assert.Equal(t, rows, f.Rows(rows))
}
