// Package copyformat implements the Copy Formatter (C9): a pure,
// platform-specific string formatter that produces one copy.<lang>.txt body
// per (clip, language) pair. Grounded on publisher_adapters/copy_format.py.
package copyformat

import (
	"fmt"
	"strings"
)

// Clip is the subset of a publish-plan clip entry the formatter reads.
type Clip struct {
	Caption map[string]string
}

// PlatformPlan is the subset of a publish-plan platform slice the formatter
// reads.
type PlatformPlan struct {
	Title       map[string]string
	Description map[string]string
	Tags        []string
	PublishTime string
}

// Languages the bundle builder requests copy for, in file-name order.
var Languages = []string{"en", "zh-Hans"}

// resolveCaption implements the spec.md §4.10 caption-resolution rule:
// clip.caption[lang] if non-empty, else platform_plan.description[lang],
// else empty.
func resolveCaption(clip Clip, plan PlatformPlan, lang string) string {
	if v, ok := clip.Caption[lang]; ok && v != "" {
		return v
	}
	if v, ok := plan.Description[lang]; ok && v != "" {
		return v
	}
	return ""
}

func resolveTitle(plan PlatformPlan, lang string) string {
	return plan.Title[lang]
}

// NormalizeTags strips whitespace, drops empties, prepends "#" where
// missing, and dedupes case-insensitively while preserving the first
// occurrence's casing — unchanged from copy_format.py's normalize_tags.
func NormalizeTags(tags []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// Format produces the full copy.<lang>.txt body for one clip/platform/lang
// combination, per spec.md §4.10's per-platform shape table.
func Format(platform string, clip Clip, plan PlatformPlan, lang string) string {
	title := resolveTitle(plan, lang)
	body := resolveCaption(clip, plan, lang)
	tags := NormalizeTags(plan.Tags)
	scheduled := plan.PublishTime

	switch platform {
	case "youtube":
		return formatYouTube(title, body, tags, scheduled)
	case "instagram", "tiktok":
		return formatBodyTagsSchedule(body, tags, scheduled)
	case "x", "twitter":
		return formatX(body, tags, scheduled)
	default:
		return body
	}
}

func formatYouTube(title, body string, tags []string, scheduled string) string {
	var b strings.Builder
	if title != "" {
		fmt.Fprintf(&b, "TITLE: %s\n", title)
	}
	if body != "" {
		fmt.Fprintf(&b, "DESCRIPTION:\n%s\n", body)
	}
	if len(tags) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "HASHTAGS: %s\n", strings.Join(tags, " "))
	}
	if scheduled != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "SCHEDULED_PUBLISH_TIME: %s", scheduled)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatBodyTagsSchedule(body string, tags []string, scheduled string) string {
	var b strings.Builder
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	if len(tags) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.Join(tags, " "))
		b.WriteString("\n")
	}
	if scheduled != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "SCHEDULED_PUBLISH_TIME: %s", scheduled)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatX(body string, tags []string, scheduled string) string {
	firstThree := tags
	if len(firstThree) > 3 {
		firstThree = firstThree[:3]
	}
	line := body
	if len(firstThree) > 0 {
		line = strings.TrimRight(line, " ") + " " + strings.Join(firstThree, " ")
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(line))
	if scheduled != "" {
		b.WriteString("\n")
		fmt.Fprintf(&b, "SCHEDULED_PUBLISH_TIME: %s", scheduled)
	}
	return b.String()
}
