package schedule

import (
	"testing"
	"time"

	"github.com/mhoffm/backupd/pkg/config"
)

// 2024-03-11 is a Monday.
var monday = time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)

func TestIsDue(t *testing.T) {
	cfg := config.ScheduleConfig{Days: []int{0}, Hour: 3, Minute: 30}

	t.Run("matching minute triggers", func(t *testing.T) {
		s := New(cfg)
		now := monday.Add(3*time.Hour + 30*time.Minute)
		if !s.IsDue(now) {
			t.Error("expected run to be due at the configured time")
		}
	})

	t.Run("wrong weekday", func(t *testing.T) {
		s := New(cfg)
		tuesday := monday.AddDate(0, 0, 1).Add(3*time.Hour + 30*time.Minute)
		if s.IsDue(tuesday) {
			t.Error("run should not be due on an unconfigured weekday")
		}
	})

	t.Run("wrong hour", func(t *testing.T) {
		s := New(cfg)
		if s.IsDue(monday.Add(4*time.Hour + 30*time.Minute)) {
			t.Error("run should not be due at the wrong hour")
		}
	})

	t.Run("wrong minute", func(t *testing.T) {
		s := New(cfg)
		if s.IsDue(monday.Add(3*time.Hour + 29*time.Minute)) {
			t.Error("run should not be due at the wrong minute")
		}
	})

	t.Run("debounce within the same minute", func(t *testing.T) {
		s := New(cfg)
		now := monday.Add(3*time.Hour + 30*time.Minute)
		if !s.IsDue(now) {
			t.Fatal("first poll in the matching minute should trigger")
		}
		for _, offset := range []time.Duration{10 * time.Second, 30 * time.Second, 59 * time.Second} {
			if s.IsDue(now.Add(offset)) {
				t.Errorf("poll at +%v should be debounced", offset)
			}
		}
	})

	t.Run("next day triggers again", func(t *testing.T) {
		cfg := config.ScheduleConfig{Days: []int{0, 1}, Hour: 3, Minute: 30}
		s := New(cfg)
		if !s.IsDue(monday.Add(3*time.Hour + 30*time.Minute)) {
			t.Fatal("Monday run should trigger")
		}
		tuesday := monday.AddDate(0, 0, 1).Add(3*time.Hour + 30*time.Minute)
		if !s.IsDue(tuesday) {
			t.Error("Tuesday run should trigger after Monday's debounce expired")
		}
	})

	t.Run("sunday maps to day six", func(t *testing.T) {
		s := New(config.ScheduleConfig{Days: []int{6}, Hour: 3, Minute: 30})
		sunday := monday.AddDate(0, 0, 6).Add(3*time.Hour + 30*time.Minute)
		if !s.IsDue(sunday) {
			t.Error("Sunday should map to weekday 6")
		}
	})
}

// IsDue must return true exactly once for the matching minute of a configured
// day and false for every other minute of that day.
func TestIsDueOncePerDay(t *testing.T) {
	cfg := config.ScheduleConfig{Days: []int{0}, Hour: 3, Minute: 30}
	s := New(cfg)

	triggers := 0
	for minuteOfDay := 0; minuteOfDay < 24*60; minuteOfDay++ {
		now := monday.Add(time.Duration(minuteOfDay) * time.Minute)
		if s.IsDue(now) {
			triggers++
			if now.Hour() != 3 || now.Minute() != 30 {
				t.Errorf("unexpected trigger at %v", now)
			}
		}
	}
	if triggers != 1 {
		t.Errorf("got %d triggers over the day, want exactly 1", triggers)
	}
}

func TestNewWithLastRun(t *testing.T) {
	cfg := config.ScheduleConfig{Days: []int{0}, Hour: 3, Minute: 30}
	now := monday.Add(3*time.Hour + 30*time.Minute)

	t.Run("prior run in the same minute debounces", func(t *testing.T) {
		s := NewWithLastRun(cfg, now.Add(5*time.Second))
		if s.IsDue(now.Add(20 * time.Second)) {
			t.Error("restored last run should debounce the same minute")
		}
	})

	t.Run("prior run in an earlier minute does not", func(t *testing.T) {
		s := NewWithLastRun(cfg, now.Add(-24*time.Hour))
		if !s.IsDue(now) {
			t.Error("a day-old last run should not block the trigger")
		}
	})
}
