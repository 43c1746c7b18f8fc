package tool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) *Clock {
	return &Clock{now: func() time.Time { return t }}
}

func TestClockDefaultOffset(t *testing.T) {
	// 2024-12-17 07:30:45 UTC is 15:30:45 in UTC+8, a Tuesday.
	c := fixedClock(time.Date(2024, 12, 17, 7, 30, 45, 0, time.UTC))

	out, err := c.Call(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "2024年12月17日 星期二 15:30:45", out)
}

func TestClockExplicitOffset(t *testing.T) {
	c := fixedClock(time.Date(2024, 12, 17, 7, 30, 45, 0, time.UTC))

	out, err := c.Call(context.Background(), `{"timezone_offset": 0}`)
	require.NoError(t, err)
	assert.Equal(t, "2024年12月17日 星期二 07:30:45", out)
}

func TestClockMalformedInputFallsBack(t *testing.T) {
	c := fixedClock(time.Date(2024, 12, 17, 7, 30, 45, 0, time.UTC))

	out, err := c.Call(context.Background(), "{not json")
	require.NoError(t, err)
	assert.Contains(t, out, "15:30:45")
}

func TestClockSpec(t *testing.T) {
	c := NewClock()
	assert.Equal(t, "get_current_time", c.Name())
	assert.NotEmpty(t, c.Description())
	assert.Equal(t, "object", c.Parameters()["type"])
}

func TestDateDiff(t *testing.T) {
	d := NewDateDiff()

	out, err := d.Call(context.Background(), `{"date1":"2024-01-01","date2":"2024-01-11"}`)
	require.NoError(t, err)
	assert.Equal(t, "从 2024-01-01 到 2024-01-11 共有 10 天", out)

	// Reversed order reports the same span.
	out, err = d.Call(context.Background(), `{"date1":"2024-01-11","date2":"2024-01-01"}`)
	require.NoError(t, err)
	assert.Equal(t, "从 2024-01-01 到 2024-01-11 共有 10 天", out)
}

func TestDateDiffBadFormat(t *testing.T) {
	d := NewDateDiff()

	out, err := d.Call(context.Background(), `{"date1":"01/01/2024","date2":"2024-01-11"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "日期格式错误")
}
