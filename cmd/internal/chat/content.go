package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Kind is the closed set of message content variants.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindLocation Kind = "location"
	KindVoice    Kind = "voice"
)

const (
	// Max text length (runes).
	maxTextChars  = 4000
	maxLabelChars = 200
	maxURLBytes   = 2048

	previewChars = 80
)

// Content is the tagged payload of a message. Only the fields of Kind are meaningful.
type Content struct {
	Kind            Kind
	Text            string
	URL             string
	Latitude        float64
	Longitude       float64
	Label           string
	DurationSeconds int
}

// TextContent is a convenience constructor for the most common kind.
func TextContent(text string) Content { return Content{Kind: KindText, Text: text} }

// storedContent is the persisted shape. "type" is accepted on read for older rows.
type storedContent struct {
	Kind      Kind     `json:"kind,omitempty"`
	Type      Kind     `json:"type,omitempty"`
	Text      *string  `json:"text,omitempty"`
	URL       *string  `json:"url,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Label     *string  `json:"label,omitempty"`
	Duration  *float64 `json:"duration,omitempty"`
}

// Normalize trims and validates c, dropping fields that do not belong to its kind.
func Normalize(c Content) (Content, error) {
	const op = "chat.Encode"

	switch c.Kind {
	case KindText:
		text := strings.TrimSpace(c.Text)
		if text == "" {
			return Content{}, opErr(op, ErrEmptyContent, "text is empty")
		}
		if utf8.RuneCountInString(text) > maxTextChars {
			return Content{}, opErr(op, ErrInvalidInput, fmt.Sprintf("text too long: max=%d chars", maxTextChars))
		}
		return Content{Kind: KindText, Text: text}, nil

	case KindImage:
		u, err := mediaURL(op, c.URL)
		if err != nil {
			return Content{}, err
		}
		return Content{Kind: KindImage, URL: u}, nil

	case KindVoice:
		u, err := mediaURL(op, c.URL)
		if err != nil {
			return Content{}, err
		}
		if c.DurationSeconds < 0 {
			return Content{}, opErr(op, ErrInvalidInput, "negative duration")
		}
		return Content{Kind: KindVoice, URL: u, DurationSeconds: c.DurationSeconds}, nil

	case KindLocation:
		if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
			return Content{}, opErr(op, ErrInvalidInput, "latitude out of range")
		}
		if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
			return Content{}, opErr(op, ErrInvalidInput, "longitude out of range")
		}
		label := strings.TrimSpace(c.Label)
		if utf8.RuneCountInString(label) > maxLabelChars {
			return Content{}, opErr(op, ErrInvalidInput, "label too long")
		}
		return Content{Kind: KindLocation, Latitude: c.Latitude, Longitude: c.Longitude, Label: label}, nil

	default:
		return Content{}, opErr(op, ErrInvalidInput, fmt.Sprintf("unknown content kind %q", c.Kind))
	}
}

func mediaURL(op, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", opErr(op, ErrMissingMedia, "url is required")
	}
	if len(raw) > maxURLBytes {
		return "", opErr(op, ErrMissingMedia, "url too long")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return "", opErr(op, ErrMissingMedia, "url is not resolvable")
	}
	return raw, nil
}

// Encode validates c and returns its stored representation.
func Encode(c Content) ([]byte, error) {
	n, err := Normalize(c)
	if err != nil {
		return nil, err
	}

	s := storedContent{Kind: n.Kind}
	switch n.Kind {
	case KindText:
		s.Text = &n.Text
	case KindImage:
		s.URL = &n.URL
	case KindVoice:
		s.URL = &n.URL
		if n.DurationSeconds > 0 {
			d := float64(n.DurationSeconds)
			s.Duration = &d
		}
	case KindLocation:
		s.Latitude = &n.Latitude
		s.Longitude = &n.Longitude
		if n.Label != "" {
			s.Label = &n.Label
		}
	}
	return json.Marshal(s)
}

// Decode parses a stored payload. It never fails: anything that is not a
// well-formed known variant comes back as text holding a best-effort rendering.
func Decode(b []byte) Content {
	raw := bytes.TrimSpace(b)
	if len(raw) == 0 {
		return Content{Kind: KindText}
	}

	var s storedContent
	if err := json.Unmarshal(raw, &s); err != nil {
		return fallbackText(raw, storedContent{})
	}

	kind := s.Kind
	if kind == "" {
		kind = s.Type
	}

	switch kind {
	case KindText:
		if s.Text != nil {
			return Content{Kind: KindText, Text: *s.Text}
		}
	case KindImage:
		if s.URL != nil && *s.URL != "" {
			return Content{Kind: KindImage, URL: *s.URL}
		}
	case KindVoice:
		if s.URL != nil && *s.URL != "" {
			c := Content{Kind: KindVoice, URL: *s.URL}
			if s.Duration != nil && *s.Duration > 0 && !math.IsInf(*s.Duration, 0) {
				c.DurationSeconds = int(math.Round(*s.Duration))
			}
			return c
		}
	case KindLocation:
		if s.Latitude != nil && s.Longitude != nil {
			c := Content{Kind: KindLocation, Latitude: *s.Latitude, Longitude: *s.Longitude}
			if s.Label != nil {
				c.Label = *s.Label
			}
			return c
		}
	}
	return fallbackText(raw, s)
}

func fallbackText(raw []byte, s storedContent) Content {
	switch {
	case s.Text != nil && *s.Text != "":
		return Content{Kind: KindText, Text: *s.Text}
	case s.Label != nil && *s.Label != "":
		return Content{Kind: KindText, Text: *s.Label}
	case s.URL != nil && *s.URL != "":
		return Content{Kind: KindText, Text: *s.URL}
	}

	// A bare JSON string is legacy plain text.
	var str string
	if json.Unmarshal(raw, &str) == nil {
		return Content{Kind: KindText, Text: str}
	}
	if !utf8.Valid(raw) {
		return Content{Kind: KindText, Text: strconv.Quote(string(raw))}
	}
	return Content{Kind: KindText, Text: string(raw)}
}

// Preview is the short human-readable line used in notifications.
func Preview(c Content) string {
	switch c.Kind {
	case KindImage:
		return "Photo"
	case KindVoice:
		if c.DurationSeconds > 0 {
			return fmt.Sprintf("Voice message (%d:%02d)", c.DurationSeconds/60, c.DurationSeconds%60)
		}
		return "Voice message"
	case KindLocation:
		if c.Label != "" {
			return "Location: " + truncateRunes(c.Label, previewChars)
		}
		return "Location"
	default:
		return truncateRunes(strings.TrimSpace(c.Text), previewChars)
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
