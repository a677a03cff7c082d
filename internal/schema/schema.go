// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package schema maps foreign log formats onto the canonical event shape.
// A Mapping names where the timestamp, service, level, and message live in
// a source format; Detect guesses one from sample lines, and Store
// persists named mappings so collectors can reuse them.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/via/internal/model"
)

// Format identifies the wire shape of a source log stream.
type Format string

const (
	// FormatCanonical is the native event JSON, no mapping needed.
	FormatCanonical Format = "canonical"
	// FormatJSON is flat JSON with nonstandard field names.
	FormatJSON Format = "json"
	// FormatOTel is the OTLP/JSON logs shape with nested resource scopes.
	FormatOTel Format = "otel"
	// FormatBGL is the space-delimited supercomputer log layout with a
	// leading alert tag and epoch-second column.
	FormatBGL Format = "bgl"
	// FormatUnknown means detection failed; callers must map by hand.
	FormatUnknown Format = "unknown"
)

// Mapping describes how to pull canonical fields out of a source format.
type Mapping struct {
	Name    string `json:"name"`
	Format  Format `json:"format"`
	Service string `json:"service,omitempty"`

	// Field paths for FormatJSON. Unused for the fixed-layout formats.
	TSField      string `json:"ts_field,omitempty"`
	ServiceField string `json:"service_field,omitempty"`
	LevelField   string `json:"level_field,omitempty"`
	MessageField string `json:"message_field,omitempty"`

	// TSLayout is "unix_s", "unix_ms", or a Go time layout.
	TSLayout string `json:"ts_layout,omitempty"`
}

// Detect inspects sample lines and proposes a mapping. It never errors;
// unrecognizable input yields FormatUnknown.
func Detect(samples []string) Mapping {
	for _, line := range samples {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			return detectJSON(line)
		}
		if m, ok := detectBGL(line); ok {
			return m
		}
	}
	return Mapping{Format: FormatUnknown}
}

func detectJSON(line string) Mapping {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return Mapping{Format: FormatUnknown}
	}

	if _, ok := obj["resourceLogs"]; ok {
		return Mapping{Format: FormatOTel}
	}
	if _, ok := obj["severityText"]; ok {
		return Mapping{Format: FormatOTel}
	}

	m := Mapping{Format: FormatJSON, TSLayout: "unix_s"}
	m.TSField = firstKey(obj, "ts", "timestamp", "time", "@timestamp")
	m.ServiceField = firstKey(obj, "service", "service_name", "app", "logger")
	m.LevelField = firstKey(obj, "level", "severity", "lvl", "loglevel")
	m.MessageField = firstKey(obj, "message", "msg", "body", "log")

	if m.TSField == "ts" && m.ServiceField == "service" &&
		m.LevelField == "level" && m.MessageField == "message" {
		m.Format = FormatCanonical
	}
	if m.MessageField == "" {
		m.Format = FormatUnknown
	}
	if v, ok := obj[m.TSField]; ok {
		m.TSLayout = guessTSLayout(v)
	}
	return m
}

func firstKey(obj map[string]any, candidates ...string) string {
	for _, k := range candidates {
		if _, ok := obj[k]; ok {
			return k
		}
	}
	return ""
}

func guessTSLayout(v any) string {
	switch t := v.(type) {
	case float64:
		// Millisecond epochs are 13 digits for any modern date.
		if t > 1e12 {
			return "unix_ms"
		}
		return "unix_s"
	case string:
		if _, err := time.Parse(time.RFC3339, t); err == nil {
			return time.RFC3339
		}
	}
	return "unix_s"
}

// detectBGL recognizes the classic BGL layout:
//
//	- 1117838570 2005.06.03 R02-M1-N0 2005-06-03-15.42.50 R02-M1-N0 RAS KERNEL INFO instruction cache parity error corrected
//
// Column 1 is the alert tag ("-" for non-alerts), column 2 the epoch
// second, column 8 the component, column 9 the level.
func detectBGL(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return Mapping{}, false
	}
	epoch, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || epoch < 1e8 {
		return Mapping{}, false
	}
	if !strings.Contains(fields[2], ".") {
		return Mapping{}, false
	}
	if _, ok := model.ParseLevel(fields[8]); !ok {
		return Mapping{}, false
	}
	return Mapping{Format: FormatBGL, TSLayout: "unix_s"}, true
}

// Apply converts one raw line under the mapping. Levels come out in
// canonical form whatever the source wrote.
func Apply(m Mapping, line string) (model.LogEvent, error) {
	var ev model.LogEvent
	var err error
	switch m.Format {
	case FormatCanonical:
		if uerr := json.Unmarshal([]byte(line), &ev); uerr != nil {
			return model.LogEvent{}, fmt.Errorf("%w: %v", model.ErrBadEvent, uerr)
		}
	case FormatJSON:
		ev, err = applyJSON(m, line)
	case FormatBGL:
		ev, err = applyBGL(m, line)
	default:
		return model.LogEvent{}, fmt.Errorf("%w: unmappable format %q", model.ErrBadEvent, m.Format)
	}
	if err != nil {
		return model.LogEvent{}, err
	}
	ev.Normalize()
	return ev, nil
}

func applyJSON(m Mapping, line string) (model.LogEvent, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		return model.LogEvent{}, fmt.Errorf("%w: %v", model.ErrBadEvent, err)
	}

	ev := model.LogEvent{Service: m.Service}
	if m.ServiceField != "" {
		if s, ok := obj[m.ServiceField].(string); ok {
			ev.Service = s
		}
	}
	if s, ok := obj[m.LevelField].(string); ok {
		ev.Level = model.Level(s)
	}
	if s, ok := obj[m.MessageField].(string); ok {
		ev.Message = s
	}

	ts, err := parseTS(obj[m.TSField], m.TSLayout)
	if err != nil {
		return model.LogEvent{}, err
	}
	ev.TS = ts
	return ev, nil
}

func parseTS(v any, layout string) (int64, error) {
	switch layout {
	case "unix_s", "":
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
	case "unix_ms":
		if f, ok := v.(float64); ok {
			return int64(f) / 1000, nil
		}
	default:
		if s, ok := v.(string); ok {
			t, err := time.Parse(layout, s)
			if err != nil {
				return 0, fmt.Errorf("%w: bad timestamp %q", model.ErrBadEvent, s)
			}
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("%w: missing timestamp", model.ErrBadEvent)
}

func applyBGL(m Mapping, line string) (model.LogEvent, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return model.LogEvent{}, fmt.Errorf("%w: short BGL line", model.ErrBadEvent)
	}
	epoch, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return model.LogEvent{}, fmt.Errorf("%w: bad BGL epoch", model.ErrBadEvent)
	}
	service := m.Service
	if service == "" {
		service = strings.ToLower(fields[7])
	}
	return model.LogEvent{
		TS:      epoch,
		Service: service,
		Level:   model.Level(fields[8]),
		Message: strings.Join(fields[9:], " "),
		Attributes: map[string]string{
			"alert_tag": fields[0],
			"location":  fields[3],
		},
	}, nil
}
