package control

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
)

// normalizedInteraction is the result of turning a user_interaction frame
// into chat-shaped content: Display is what the user is shown as if they
// had typed it, AIContext (when non-empty) is the synthetic message that
// drives a follow-up LLM turn. Grounded on routes/chat.py's
// _convert_interaction_to_user_message / _convert_interaction_to_ai_context.
type normalizedInteraction struct {
	Display   string
	AIContext string
}

// normalizeInteraction implements spec §4.8's three user_interaction
// sub-kinds. input_change never produces an AIContext: it is acknowledged
// in the transcript but never triggers an AI turn, matching the reference
// implementation's comment that doing otherwise "overwhelms the system
// with AI responses for every keystroke".
func normalizeInteraction(in *proto.UserInteraction) normalizedInteraction {
	switch in.Kind {
	case proto.InteractionFormSubmit:
		return normalizeFormSubmit(in.Context)
	case proto.InteractionButtonClick:
		return normalizeButtonClick(in.Context)
	case proto.InteractionInputChange:
		return normalizeInputChange(in.Context)
	default:
		return normalizedInteraction{
			Display:   fmt.Sprintf("Performed %s interaction", in.Kind),
			AIContext: fmt.Sprintf("The user performed a %s interaction. Please respond appropriately.", in.Kind),
		}
	}
}

func normalizeFormSubmit(ctx map[string]any) normalizedInteraction {
	formID := stringField(ctx, "formId", "form")
	summary := fieldSummary(mapField(ctx, "formData"))

	if summary == "" {
		return normalizedInteraction{
			Display:   fmt.Sprintf("Submitted %s", formID),
			AIContext: fmt.Sprintf("The user submitted a %s but it was empty. Please provide guidance on what information is needed.", formID),
		}
	}
	return normalizedInteraction{
		Display:   fmt.Sprintf("Submitted %s with: %s", formID, summary),
		AIContext: fmt.Sprintf("The user submitted a %s with the following information: %s. Please acknowledge this submission and provide any relevant next steps or feedback.", formID, summary),
	}
}

func normalizeButtonClick(ctx map[string]any) normalizedInteraction {
	action := stringField(ctx, "actionType", "button")
	summary := fieldSummary(mapField(ctx, "context"))

	if summary == "" {
		return normalizedInteraction{
			Display:   fmt.Sprintf("Clicked %s", action),
			AIContext: fmt.Sprintf("The user clicked a %s button. Please acknowledge this action and provide relevant information or next steps.", action),
		}
	}
	return normalizedInteraction{
		Display:   fmt.Sprintf("Clicked %s (%s)", action, summary),
		AIContext: fmt.Sprintf("The user clicked a %s button with context: %s. Please provide an appropriate response for this action.", action, summary),
	}
}

func normalizeInputChange(ctx map[string]any) normalizedInteraction {
	field := stringField(ctx, "fieldName", "field")
	value := anyToString(ctx["value"])
	return normalizedInteraction{Display: fmt.Sprintf("Updated %s: %s", field, value)}
}

func stringField(m map[string]any, key, fallback string) string {
	if m == nil {
		return fallback
	}
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]any)
	return v
}

// fieldSummary renders m as a "key: value" comma-joined list, skipping
// blank values. Keys are sorted for determinism: unlike a Python dict, Go's
// map iteration order is randomized, so the reference implementation's
// insertion-order join cannot be reproduced; alphabetical order is the
// closest stable substitute.
func fieldSummary(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		v := anyToString(m[k])
		if strings.TrimSpace(v) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", k, v))
	}
	return strings.Join(parts, ", ")
}

func anyToString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// interactionDedup suppresses a repeated user_interaction within window,
// matching spec §8's duplicate-interaction invariant. Grounded on
// routes/chat.py's interaction_dedup_cache / _is_duplicate_interaction,
// translated from a module-level dict keyed by connection id into one
// instance per connection, owned by that connection's receiver task.
type interactionDedup struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newInteractionDedup(window time.Duration) *interactionDedup {
	return &interactionDedup{window: window, seen: make(map[string]time.Time)}
}

// allow reports whether (kind, ctx) has not been seen within the window.
// The time is recorded only when the interaction is allowed, so a
// suppressed duplicate does not extend the window.
func (d *interactionDedup) allow(in *proto.UserInteraction, now time.Time) bool {
	key := interactionKey(in)

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[key] = now
	return true
}

// interactionKey hashes the interaction's kind and context to a stable
// digest, grounded on _generate_interaction_hash's
// "{type}:{json.dumps(context, sort_keys=True)}" string. Go's
// encoding/json already sorts map[string]any keys, so json.Marshal alone
// reproduces the sort_keys=True behaviour.
func interactionKey(in *proto.UserInteraction) string {
	ctxJSON, _ := json.Marshal(in.Context)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", in.Kind, ctxJSON)))
	return hex.EncodeToString(sum[:])
}
