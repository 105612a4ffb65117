package notifications

import (
	"time"

	"golang.org/x/text/feature/plural"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

const (
	keyJustNow              = "just now"
	keyMinutesAgo           = "%d minutes ago"
	keyHoursAgo             = "%d hours ago"
	keyDaysAgo              = "%d days ago"
	keyReservationCreated   = "New reservation for %s on %s"
	keyReservationUpdated   = "Reservation updated for %s on %s"
	keyReservationCancelled = "Reservation cancelled for %s"
	keyReservationRestored  = "Reservation reinstated for %s"
	keyConversationMessage  = "New message from %s: %s"
	keyVacationsUpdated     = "Vacation periods updated"
)

var supportedLanguages = []language.Tag{language.English, language.Arabic}

// Localizer renders notification text and relative times for one locale.
type Localizer struct {
	tag     language.Tag
	printer *message.Printer
}

// NewLocalizer resolves locale against the supported languages, falling back to English.
func NewLocalizer(locale string) (*Localizer, error) {
	builder, err := buildCatalog()
	if err != nil {
		return nil, err
	}
	tag := matchLanguage(locale)
	return &Localizer{
		tag:     tag,
		printer: message.NewPrinter(tag, message.Catalog(builder)),
	}, nil
}

// Language returns the resolved language tag.
func (l *Localizer) Language() language.Tag {
	return l.tag
}

// Sprintf renders a catalog key with arguments.
func (l *Localizer) Sprintf(key string, args ...any) string {
	return l.printer.Sprintf(key, args...)
}

// RelativeTime renders the distance between timestamp and now in tiers: under a minute, minutes,
// hours, then days. Timestamps in the future read as "just now".
func (l *Localizer) RelativeTime(timestamp, now time.Time) string {
	elapsed := now.Sub(timestamp)
	switch {
	case elapsed < time.Minute:
		return l.printer.Sprintf(keyJustNow)
	case elapsed < time.Hour:
		return l.printer.Sprintf(keyMinutesAgo, int(elapsed/time.Minute))
	case elapsed < 24*time.Hour:
		return l.printer.Sprintf(keyHoursAgo, int(elapsed/time.Hour))
	default:
		return l.printer.Sprintf(keyDaysAgo, int(elapsed/(24*time.Hour)))
	}
}

func matchLanguage(locale string) language.Tag {
	requested, err := language.Parse(locale)
	if err != nil {
		return language.English
	}
	matcher := language.NewMatcher(supportedLanguages)
	_, index, confidence := matcher.Match(requested)
	if confidence == language.No {
		return language.English
	}
	return supportedLanguages[index]
}

func buildCatalog() (*catalog.Builder, error) {
	builder := catalog.NewBuilder(catalog.Fallback(language.English))

	plain := map[language.Tag]map[string]string{
		language.English: {
			keyJustNow:              "just now",
			keyReservationCreated:   "New reservation for %s on %s",
			keyReservationUpdated:   "Reservation updated for %s on %s",
			keyReservationCancelled: "Reservation cancelled for %s",
			keyReservationRestored:  "Reservation reinstated for %s",
			keyConversationMessage:  "New message from %s: %s",
			keyVacationsUpdated:     "Vacation periods updated",
		},
		language.Arabic: {
			keyJustNow:              "الآن",
			keyReservationCreated:   "حجز جديد لـ %s بتاريخ %s",
			keyReservationUpdated:   "تم تعديل حجز %s بتاريخ %s",
			keyReservationCancelled: "تم إلغاء حجز %s",
			keyReservationRestored:  "تمت استعادة حجز %s",
			keyConversationMessage:  "رسالة جديدة من %s: %s",
			keyVacationsUpdated:     "تم تحديث فترات الإجازة",
		},
	}
	for tag, entries := range plain {
		for key, text := range entries {
			if err := builder.SetString(tag, key, text); err != nil {
				return nil, err
			}
		}
	}

	plurals := []struct {
		tag  language.Tag
		key  string
		msgs []any
	}{
		{language.English, keyMinutesAgo, []any{"=1", "1 minute ago", "other", "%d minutes ago"}},
		{language.English, keyHoursAgo, []any{"=1", "1 hour ago", "other", "%d hours ago"}},
		{language.English, keyDaysAgo, []any{"=1", "1 day ago", "other", "%d days ago"}},
		{language.Arabic, keyMinutesAgo, []any{"=1", "منذ دقيقة", "=2", "منذ دقيقتين", "few", "منذ %d دقائق", "other", "منذ %d دقيقة"}},
		{language.Arabic, keyHoursAgo, []any{"=1", "منذ ساعة", "=2", "منذ ساعتين", "few", "منذ %d ساعات", "other", "منذ %d ساعة"}},
		{language.Arabic, keyDaysAgo, []any{"=1", "منذ يوم", "=2", "منذ يومين", "few", "منذ %d أيام", "other", "منذ %d يوم"}},
	}
	for _, entry := range plurals {
		if err := builder.Set(entry.tag, entry.key, plural.Selectf(1, "%d", entry.msgs...)); err != nil {
			return nil, err
		}
	}
	return builder, nil
}
