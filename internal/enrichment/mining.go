package enrichment

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Behaviour struct {
	ID        string `json:"behaviourId"`
	Name      string `json:"behaviourName"`
	TimeRange string `json:"timeRange"`
}

// MiningItem is one behaviour found in a video. TimeRange is normalised to
// h:mm:ss-h:mm:ss and StartSeconds is where its thumbnail was taken.
type MiningItem struct {
	Behaviour     Behaviour `json:"behaviour"`
	StartSeconds  int       `json:"start_seconds"`
	ThumbnailPath *string   `json:"thumbnail_path"`
}

type rawItem struct {
	Behaviour *struct {
		ID        any     `json:"behaviourId"`
		Name      *string `json:"behaviourName"`
		TimeRange *string `json:"timeRange"`
	} `json:"behaviour"`
}

var listKeys = []string{"behaviours", "behaviors", "items", "results", "data"}

// stripFence removes a markdown code fence around a JSON reply.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseMining accepts a bare list of items or an object wrapping one.
// Items with a missing field or an unparseable time range are dropped.
func parseMining(content string) ([]MiningItem, int, error) {
	body := []byte(stripFence(content))

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, 0, fmt.Errorf("invalid mining response: %w", err)
		}
		found := false
		for _, key := range listKeys {
			if v, ok := obj[key]; ok {
				if err := json.Unmarshal(v, &raws); err != nil {
					return nil, 0, fmt.Errorf("invalid mining list %q: %w", key, err)
				}
				found = true
				break
			}
		}
		if !found {
			if _, ok := obj["behaviour"]; !ok {
				return nil, 0, fmt.Errorf("mining response has no behaviour list")
			}
			raws = []json.RawMessage{body}
		}
	}

	items := make([]MiningItem, 0, len(raws))
	dropped := 0
	for _, r := range raws {
		item, ok := toItem(r)
		if !ok {
			dropped++
			continue
		}
		items = append(items, item)
	}
	return items, dropped, nil
}

func toItem(r json.RawMessage) (MiningItem, bool) {
	var raw rawItem
	if err := json.Unmarshal(r, &raw); err != nil || raw.Behaviour == nil {
		return MiningItem{}, false
	}
	b := raw.Behaviour
	if b.ID == nil || b.Name == nil || b.TimeRange == nil {
		return MiningItem{}, false
	}
	start, normalized, err := NormalizeRange(*b.TimeRange)
	if err != nil {
		return MiningItem{}, false
	}
	id, ok := b.ID.(string)
	if !ok {
		id = fmt.Sprint(b.ID)
	}
	return MiningItem{
		Behaviour:    Behaviour{ID: id, Name: *b.Name, TimeRange: normalized},
		StartSeconds: start,
	}, true
}

// Tags returns behaviour names in first-seen order without duplicates,
// capped at limit when limit is positive.
func Tags(items []MiningItem, limit int) []string {
	seen := make(map[string]struct{}, len(items))
	tags := make([]string, 0, len(items))
	for _, it := range items {
		name := strings.TrimSpace(it.Behaviour.Name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		tags = append(tags, name)
		if limit > 0 && len(tags) == limit {
			break
		}
	}
	return tags
}

func parseSummary(content string) (string, error) {
	var out struct {
		Summary *string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &out); err != nil {
		return "", fmt.Errorf("invalid summary response: %w", err)
	}
	if out.Summary == nil || strings.TrimSpace(*out.Summary) == "" {
		return "", fmt.Errorf("summary response is empty")
	}
	return strings.TrimSpace(*out.Summary), nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
