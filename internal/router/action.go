// Package router implements the Command/Callback Router (spec §4.2): it
// classifies inbound chat events, enforces the authorization gate, and
// either advances a session through the Pipeline Orchestrator or replies
// with a stage-violation hint.
//
// Grounded on original_source/plugins/SUBMERGER.py and callback_handler.py's
// command/filter dispatch and "{action}_{id}[_{extra}]" callback parsing,
// reimplemented per the §9 design note as an enumerated Action type plus a
// small parser, rather than free-form string matching.
package router

import (
	"fmt"
	"strconv"
	"strings"

	"bitriver-submerger/internal/models"
)

// Action enumerates the button-tap callback actions from spec §4.2.
type Action string

const (
	ActionMerge      Action = "merge"
	ActionExtract    Action = "extract"
	ActionScreenshot Action = "screenshot"
	ActionCreatePost Action = "create_post"
	ActionCancel     Action = "cancel"
	// ActionSetField is synthesized by ParseCallback for any "set_<field>"
	// payload; Callback.Field names which metadata key it targets.
	ActionSetField Action = "set_field"
)

// fixedActions are the literal, fixed-arity action prefixes, tried after
// the per-metadata-key "set_<field>" prefixes have not matched.
var fixedActions = []Action{ActionCreatePost, ActionScreenshot, ActionExtract, ActionMerge, ActionCancel}

// Callback is a parsed button-tap payload, per spec §4.2's
// "{action}_{principal_id}[_{extra}]" contract.
type Callback struct {
	Action    Action
	Field     models.MetadataKey // set only when Action == ActionSetField
	Principal models.Principal
	Extra     string
}

// ErrMalformedCallback is returned by ParseCallback for any payload that
// does not match a known action prefix or carries a non-numeric principal
// id, per §4.2's "reject malformed payloads with a single generic refusal".
var ErrMalformedCallback = fmt.Errorf("router: malformed callback payload")

// ParseCallback parses a raw callback payload into a Callback. Metadata-key
// actions are checked first because a key like "cover_url" embeds an
// underscore that would otherwise be mistaken for the principal-id
// separator if the fixed actions were tried first in the wrong order.
func ParseCallback(data string) (Callback, error) {
	for _, key := range models.AllMetadataKeys() {
		prefix := "set_" + string(key) + "_"
		if strings.HasPrefix(data, prefix) {
			principal, extra, err := splitPrincipal(strings.TrimPrefix(data, prefix))
			if err != nil {
				return Callback{}, err
			}
			return Callback{Action: ActionSetField, Field: key, Principal: principal, Extra: extra}, nil
		}
	}
	for _, action := range fixedActions {
		prefix := string(action) + "_"
		if strings.HasPrefix(data, prefix) {
			principal, extra, err := splitPrincipal(strings.TrimPrefix(data, prefix))
			if err != nil {
				return Callback{}, err
			}
			return Callback{Action: action, Principal: principal, Extra: extra}, nil
		}
	}
	return Callback{}, ErrMalformedCallback
}

// BuildCallback formats a callback payload for a fixed action.
func BuildCallback(action Action, principal models.Principal, extra string) string {
	if extra == "" {
		return fmt.Sprintf("%s_%d", action, principal)
	}
	return fmt.Sprintf("%s_%d_%s", action, principal, extra)
}

// BuildSetFieldCallback formats a "set_<field>" callback payload.
func BuildSetFieldCallback(field models.MetadataKey, principal models.Principal) string {
	return fmt.Sprintf("set_%s_%d", field, principal)
}

// splitPrincipal takes the remainder after an action prefix has been
// stripped and splits it into the mandatory numeric principal id and an
// optional trailing "_{extra}" segment.
func splitPrincipal(rest string) (models.Principal, string, error) {
	principalStr, extra, _ := strings.Cut(rest, "_")
	id, err := strconv.ParseInt(principalStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: non-numeric principal id %q", ErrMalformedCallback, principalStr)
	}
	return models.Principal(id), extra, nil
}
