package notifications

import (
	"testing"
	"time"

	"golang.org/x/text/language"
)

func TestRelativeTimeTiers(t *testing.T) {
	localizer := mustLocalizer(t, "en-US")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		elapsed  time.Duration
		expected string
	}{
		{name: "future", elapsed: -time.Minute, expected: "just now"},
		{name: "seconds", elapsed: 59 * time.Second, expected: "just now"},
		{name: "one minute", elapsed: time.Minute, expected: "1 minute ago"},
		{name: "minutes", elapsed: 59 * time.Minute, expected: "59 minutes ago"},
		{name: "one hour", elapsed: time.Hour, expected: "1 hour ago"},
		{name: "hours", elapsed: 23*time.Hour + 59*time.Minute, expected: "23 hours ago"},
		{name: "one day", elapsed: 24 * time.Hour, expected: "1 day ago"},
		{name: "days", elapsed: 72 * time.Hour, expected: "3 days ago"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if actual := localizer.RelativeTime(now.Add(-testCase.elapsed), now); actual != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, actual)
			}
		})
	}
}

func TestLocalizerResolvesLanguage(t *testing.T) {
	testCases := []struct {
		locale   string
		expected language.Tag
	}{
		{locale: "ar", expected: language.Arabic},
		{locale: "ar-SA", expected: language.Arabic},
		{locale: "en-GB", expected: language.English},
		{locale: "not a locale", expected: language.English},
	}

	for _, testCase := range testCases {
		t.Run(testCase.locale, func(t *testing.T) {
			if actual := mustLocalizer(t, testCase.locale).Language(); actual != testCase.expected {
				t.Fatalf("expected %v, got %v", testCase.expected, actual)
			}
		})
	}
}

func TestArabicText(t *testing.T) {
	localizer := mustLocalizer(t, "ar")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if actual := localizer.RelativeTime(now, now); actual != "الآن" {
		t.Fatalf("expected arabic just now, got %q", actual)
	}
	if actual := localizer.RelativeTime(now.Add(-2*time.Hour), now); actual != "منذ ساعتين" {
		t.Fatalf("expected arabic dual hours, got %q", actual)
	}
	if actual := localizer.Sprintf(keyVacationsUpdated); actual != "تم تحديث فترات الإجازة" {
		t.Fatalf("expected arabic vacation text, got %q", actual)
	}
}
