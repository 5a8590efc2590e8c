// Package capsule extracts the optional grounding capsule embedded in a
// task's context lines.
//
// A capsule is a single context line of the form
//
//	Capsule: {"version":1,"primary":12,"secondary":[3],"referenced":[5,9]}
//
// identifying which knowledge-graph entries the worker is expected to ground
// its answer in. A capsule is advisory metadata: malformed payloads are
// logged and treated as absent, never as a task error.
package capsule

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"trellis/internal/logging"
)

const linePrefix = "capsule:"

// Capsule is the decoded grounding metadata.
type Capsule struct {
	Version    int   `json:"version"`
	Primary    *int  `json:"primary,omitempty"`
	Secondary  []int `json:"secondary,omitempty"`
	Referenced []int `json:"referenced,omitempty"`
}

// ParseResult carries the optional capsule and the deduplicated union of all
// reference ids across its fields.
type ParseResult struct {
	Capsule      *Capsule
	ReferenceIDs []int
}

var logger = logging.NewComponentLogger("CapsuleParser")

// Parse scans context lines for a capsule entry. Only the first capsule line
// is honored; the returned id set is deduplicated and sorted.
func Parse(contextLines []string) ParseResult {
	for _, line := range contextLines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) < len(linePrefix) {
			continue
		}
		if !strings.EqualFold(trimmed[:len(linePrefix)], linePrefix) {
			continue
		}

		payload := strings.TrimSpace(trimmed[len(linePrefix):])
		c := decodePayload(payload)
		if c == nil {
			return ParseResult{}
		}
		return ParseResult{Capsule: c, ReferenceIDs: collectIDs(c)}
	}
	return ParseResult{}
}

// decodePayload decodes the capsule JSON, attempting a repair pass first when
// the payload is not well-formed (LLM-assembled context lines occasionally
// carry truncated or single-quoted JSON).
func decodePayload(payload string) *Capsule {
	if payload == "" {
		return nil
	}

	var c Capsule
	if err := json.Unmarshal([]byte(payload), &c); err == nil {
		return &c
	}

	repaired, err := jsonrepair.JSONRepair(payload)
	if err != nil {
		logger.Warn("Capsule payload unreadable, treating as absent: %v", err)
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &c); err != nil {
		logger.Warn("Capsule payload undecodable after repair, treating as absent: %v", err)
		return nil
	}
	return &c
}

func collectIDs(c *Capsule) []int {
	seen := make(map[int]bool)
	if c.Primary != nil {
		seen[*c.Primary] = true
	}
	for _, id := range c.Secondary {
		seen[id] = true
	}
	for _, id := range c.Referenced {
		seen[id] = true
	}

	if len(seen) == 0 {
		return nil
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
