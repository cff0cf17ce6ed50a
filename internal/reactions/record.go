package reactions

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/thorium-go/thorium/internal/domain"
)

// reactionFields renders a domain.Reaction as the flat string map an
// HSet/HSetNX batch writes: scalar fields encode directly, composite
// fields (tags, samples, args, ...) JSON-encode into a single field.
func reactionFields(r domain.Reaction) (map[string]string, error) {
	args, err := json.Marshal(r.Args)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return nil, err
	}
	samples, err := json.Marshal(r.Samples)
	if err != nil {
		return nil, err
	}
	ephemeral, err := json.Marshal(r.Ephemeral)
	if err != nil {
		return nil, err
	}
	parentEphemeral, err := json.Marshal(r.ParentEphemeral)
	if err != nil {
		return nil, err
	}
	repos, err := json.Marshal(r.Repos)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"id":                      r.ID,
		"group":                   r.Group,
		"pipeline":                r.Pipeline,
		"creator":                 r.Creator,
		"status":                  string(r.Status),
		"current_stage":           strconv.Itoa(r.CurrentStage),
		"current_stage_length":    strconv.Itoa(r.CurrentStageLength),
		"current_stage_progress":  strconv.Itoa(r.CurrentStageProgress),
		"args":                    string(args),
		"sla":                     r.SLA.UTC().Format(time.RFC3339Nano),
		"tags":                    string(tags),
		"samples":                 string(samples),
		"ephemeral":               string(ephemeral),
		"parent_ephemeral":        string(parentEphemeral),
		"repos":                   string(repos),
		"parent":                  r.Parent,
		"sub_reactions":           strconv.Itoa(r.SubReactions),
		"completed_sub_reactions": strconv.Itoa(r.CompletedSubReactions),
		"trigger_depth":           strconv.Itoa(r.TriggerDepth),
	}, nil
}

// parseReactionFields is the inverse of reactionFields, reading back a
// redis HGETALL result.
func parseReactionFields(fields map[string]string) (domain.Reaction, error) {
	r := domain.Reaction{
		ID:       fields["id"],
		Group:    fields["group"],
		Pipeline: fields["pipeline"],
		Creator:  fields["creator"],
		Status:   domain.ReactionStatus(fields["status"]),
		Parent:   fields["parent"],
	}
	r.CurrentStage, _ = strconv.Atoi(fields["current_stage"])
	r.CurrentStageLength, _ = strconv.Atoi(fields["current_stage_length"])
	r.CurrentStageProgress, _ = strconv.Atoi(fields["current_stage_progress"])
	r.SubReactions, _ = strconv.Atoi(fields["sub_reactions"])
	r.CompletedSubReactions, _ = strconv.Atoi(fields["completed_sub_reactions"])
	r.TriggerDepth, _ = strconv.Atoi(fields["trigger_depth"])

	if sla, ok := fields["sla"]; ok && sla != "" {
		parsed, err := time.Parse(time.RFC3339Nano, sla)
		if err != nil {
			return domain.Reaction{}, err
		}
		r.SLA = parsed
	}
	if err := unmarshalIfPresent(fields["args"], &r.Args); err != nil {
		return domain.Reaction{}, err
	}
	if err := unmarshalIfPresent(fields["tags"], &r.Tags); err != nil {
		return domain.Reaction{}, err
	}
	if err := unmarshalIfPresent(fields["samples"], &r.Samples); err != nil {
		return domain.Reaction{}, err
	}
	if err := unmarshalIfPresent(fields["ephemeral"], &r.Ephemeral); err != nil {
		return domain.Reaction{}, err
	}
	if err := unmarshalIfPresent(fields["parent_ephemeral"], &r.ParentEphemeral); err != nil {
		return domain.Reaction{}, err
	}
	if err := unmarshalIfPresent(fields["repos"], &r.Repos); err != nil {
		return domain.Reaction{}, err
	}
	return r, nil
}

func unmarshalIfPresent(raw string, out any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
