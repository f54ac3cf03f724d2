package misp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EventSummary is the header of a remote event as seen in the index.
// (Source, SourceRef) uniquely identifies the alert it maps to.
type EventSummary struct {
	Source           string
	SourceRef        string
	PublishTimestamp time.Time
	Info             string
	ThreatLevel      int
	Date             time.Time
	Tags             []string
}

// Attribute is one attribute on a remote event. Date is the attribute's
// update time in seconds since epoch.
type Attribute struct {
	ID       string
	Type     string
	Category string
	Value    string
	Comment  string
	Date     int64
	Tags     []string
	Deleted  bool
}

// wireTag is the MISP tag shape
type wireTag struct {
	Name string `json:"name"`
}

// wireEventSummary is one entry of the events/index response
type wireEventSummary struct {
	ID               string    `json:"id"`
	Info             string    `json:"info"`
	ThreatLevelID    string    `json:"threat_level_id"`
	Date             string    `json:"date"`
	Published        bool      `json:"published"`
	PublishTimestamp string    `json:"publish_timestamp"`
	Tags             []wireTag `json:"Tag"`
}

// toSummary validates and converts a wire entry into an EventSummary.
func (w wireEventSummary) toSummary(source string) (EventSummary, error) {
	if w.ID == "" {
		return EventSummary{}, fmt.Errorf("event entry has no id")
	}

	published, err := strconv.ParseInt(w.PublishTimestamp, 10, 64)
	if err != nil {
		return EventSummary{}, fmt.Errorf("event %s: bad publish_timestamp %q", w.ID, w.PublishTimestamp)
	}

	threatLevel := 4
	if w.ThreatLevelID != "" {
		if lvl, err := strconv.Atoi(w.ThreatLevelID); err == nil {
			threatLevel = lvl
		}
	}

	date := time.Unix(published, 0).UTC()
	if w.Date != "" {
		if d, err := time.Parse("2006-01-02", w.Date); err == nil {
			date = d
		}
	}

	tags := make([]string, 0, len(w.Tags))
	for _, t := range w.Tags {
		if t.Name != "" {
			tags = append(tags, t.Name)
		}
	}

	return EventSummary{
		Source:           source,
		SourceRef:        w.ID,
		PublishTimestamp: time.Unix(published, 0).UTC(),
		Info:             w.Info,
		ThreatLevel:      threatLevel,
		Date:             date,
		Tags:             tags,
	}, nil
}

// wireAttribute is the attribute shape of attributes/restSearch responses
type wireAttribute struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment"`
	Timestamp string    `json:"timestamp"`
	Deleted   bool      `json:"deleted"`
	Tags      []wireTag `json:"Tag"`
}

func (w wireAttribute) toAttribute() (Attribute, error) {
	if w.Type == "" {
		return Attribute{}, fmt.Errorf("attribute %s has no type", w.ID)
	}

	var date int64
	if w.Timestamp != "" {
		ts, err := strconv.ParseInt(w.Timestamp, 10, 64)
		if err != nil {
			return Attribute{}, fmt.Errorf("attribute %s: bad timestamp %q", w.ID, w.Timestamp)
		}
		date = ts
	}

	tags := make([]string, 0, len(w.Tags))
	for _, t := range w.Tags {
		if t.Name != "" {
			tags = append(tags, t.Name)
		}
	}

	return Attribute{
		ID:       w.ID,
		Type:     w.Type,
		Category: w.Category,
		Value:    w.Value,
		Comment:  w.Comment,
		Date:     date,
		Tags:     tags,
		Deleted:  w.Deleted,
	}, nil
}

// collectAttributes walks an attributes/restSearch response and gathers
// every "Attribute" array it finds, flattened. MISP versions differ in how
// deeply the payload is nested under "response".
func collectAttributes(doc any, out *[]json.RawMessage) {
	switch v := doc.(type) {
	case map[string]any:
		for key, val := range v {
			if key == "Attribute" {
				if arr, ok := val.([]any); ok {
					for _, item := range arr {
						raw, err := json.Marshal(item)
						if err == nil {
							*out = append(*out, raw)
						}
					}
					continue
				}
			}
			collectAttributes(val, out)
		}
	case []any:
		for _, item := range v {
			collectAttributes(item, out)
		}
	}
}
