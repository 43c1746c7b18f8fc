package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

var weekdayNames = []string{"星期日", "星期一", "星期二", "星期三", "星期四", "星期五", "星期六"}

// Clock reports the current date and time. The default timezone offset is
// UTC+8.
type Clock struct {
	now func() time.Time
}

// NewClock creates the clock tool.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Name returns the tool name the model calls.
func (c *Clock) Name() string {
	return "get_current_time"
}

// Description tells the model when to use the tool.
func (c *Clock) Description() string {
	return "获取当前的日期和时间。当用户询问现在的时间、日期或星期时使用。"
}

// Parameters returns the JSON schema of the tool input.
func (c *Clock) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone_offset": map[string]any{
				"type":        "integer",
				"description": "时区偏移量（默认为 8，即北京时间 UTC+8）",
			},
		},
	}
}

// Call formats the current time in the requested timezone, e.g.
// "2024年12月17日 星期二 15:30:45".
func (c *Clock) Call(_ context.Context, input string) (string, error) {
	offset := 8
	if input != "" {
		var args struct {
			TimezoneOffset *int `json:"timezone_offset"`
		}
		// Malformed arguments fall back to the default offset; the model
		// still gets a usable answer.
		if err := json.Unmarshal([]byte(input), &args); err == nil && args.TimezoneOffset != nil {
			offset = *args.TimezoneOffset
		}
	}

	loc := time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)
	now := c.now().In(loc)
	return fmt.Sprintf("%d年%d月%d日 %s %s",
		now.Year(), int(now.Month()), now.Day(),
		weekdayNames[int(now.Weekday())], now.Format("15:04:05")), nil
}

// DateDiff computes the number of days between two dates.
type DateDiff struct{}

// NewDateDiff creates the date difference tool.
func NewDateDiff() *DateDiff {
	return &DateDiff{}
}

// Name returns the tool name the model calls.
func (d *DateDiff) Name() string {
	return "calculate_date_difference"
}

// Description tells the model when to use the tool.
func (d *DateDiff) Description() string {
	return "计算两个日期之间相差的天数。可用于计算纪念日、倒计时等。日期格式为 YYYY-MM-DD。"
}

// Parameters returns the JSON schema of the tool input.
func (d *DateDiff) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"date1": map[string]any{"type": "string", "description": "第一个日期，格式为 YYYY-MM-DD"},
			"date2": map[string]any{"type": "string", "description": "第二个日期，格式为 YYYY-MM-DD"},
		},
		"required": []string{"date1", "date2"},
	}
}

// Call parses both dates and reports the absolute day difference.
func (d *DateDiff) Call(_ context.Context, input string) (string, error) {
	var args struct {
		Date1 string `json:"date1"`
		Date2 string `json:"date2"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return fmt.Sprintf("日期格式错误，请使用 YYYY-MM-DD 格式。错误详情: %v", err), nil
	}

	d1, err := time.Parse("2006-01-02", args.Date1)
	if err != nil {
		return fmt.Sprintf("日期格式错误，请使用 YYYY-MM-DD 格式。错误详情: %v", err), nil
	}
	d2, err := time.Parse("2006-01-02", args.Date2)
	if err != nil {
		return fmt.Sprintf("日期格式错误，请使用 YYYY-MM-DD 格式。错误详情: %v", err), nil
	}

	days := int(math.Abs(d2.Sub(d1).Hours() / 24))
	if d2.After(d1) {
		return fmt.Sprintf("从 %s 到 %s 共有 %d 天", args.Date1, args.Date2, days), nil
	}
	return fmt.Sprintf("从 %s 到 %s 共有 %d 天", args.Date2, args.Date1, days), nil
}
