package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/glyphoxa/internal/gateway/proto"
)

func TestNormalizeInteraction_FormSubmitWithData(t *testing.T) {
	t.Parallel()
	in := &proto.UserInteraction{
		Kind: proto.InteractionFormSubmit,
		Context: map[string]any{
			"formId":   "signup",
			"formData": map[string]any{"email": "a@b.com", "name": "Ada"},
		},
	}
	norm := normalizeInteraction(in)
	assert.Contains(t, norm.Display, "signup")
	assert.Contains(t, norm.Display, "email: a@b.com")
	assert.Contains(t, norm.AIContext, "signup")
	assert.Contains(t, norm.AIContext, "acknowledge this submission")
}

func TestNormalizeInteraction_FormSubmitEmpty(t *testing.T) {
	t.Parallel()
	in := &proto.UserInteraction{
		Kind:    proto.InteractionFormSubmit,
		Context: map[string]any{"formId": "signup"},
	}
	norm := normalizeInteraction(in)
	assert.Equal(t, "Submitted signup", norm.Display)
	assert.Contains(t, norm.AIContext, "was empty")
}

func TestNormalizeInteraction_ButtonClick(t *testing.T) {
	t.Parallel()
	in := &proto.UserInteraction{
		Kind: proto.InteractionButtonClick,
		Context: map[string]any{
			"actionType": "refresh",
			"context":    map[string]any{"page": "2"},
		},
	}
	norm := normalizeInteraction(in)
	assert.Equal(t, "Clicked refresh (page: 2)", norm.Display)
	assert.Contains(t, norm.AIContext, "refresh")
}

func TestNormalizeInteraction_InputChangeHasNoAIContext(t *testing.T) {
	t.Parallel()
	in := &proto.UserInteraction{
		Kind:    proto.InteractionInputChange,
		Context: map[string]any{"fieldName": "email", "value": "a@b.com"},
	}
	norm := normalizeInteraction(in)
	assert.Equal(t, `Updated email: a@b.com`, norm.Display)
	assert.Empty(t, norm.AIContext, "input_change must never trigger an AI turn")
}

func TestNormalizeInteraction_UnknownKindFallsBack(t *testing.T) {
	t.Parallel()
	in := &proto.UserInteraction{Kind: proto.UserInteractionKind("custom_gesture")}
	norm := normalizeInteraction(in)
	assert.Contains(t, norm.Display, "custom_gesture")
	assert.Contains(t, norm.AIContext, "custom_gesture")
}

func TestInteractionDedup_SuppressesWithinWindowThenAllowsAfter(t *testing.T) {
	t.Parallel()
	d := newInteractionDedup(5 * time.Second)
	in := &proto.UserInteraction{Kind: proto.InteractionButtonClick, Context: map[string]any{"actionType": "save"}}

	base := time.Unix(1000, 0)
	require.True(t, d.allow(in, base))
	assert.False(t, d.allow(in, base.Add(1*time.Second)), "repeat within the window must be suppressed")
	assert.True(t, d.allow(in, base.Add(6*time.Second)), "repeat after the window must be allowed")
}

func TestInteractionDedup_DifferentContextIsNotADuplicate(t *testing.T) {
	t.Parallel()
	d := newInteractionDedup(5 * time.Second)
	now := time.Unix(2000, 0)

	a := &proto.UserInteraction{Kind: proto.InteractionButtonClick, Context: map[string]any{"actionType": "save"}}
	b := &proto.UserInteraction{Kind: proto.InteractionButtonClick, Context: map[string]any{"actionType": "delete"}}

	assert.True(t, d.allow(a, now))
	assert.True(t, d.allow(b, now))
}

func TestInteractionKey_StableAcrossEqualMaps(t *testing.T) {
	t.Parallel()
	a := &proto.UserInteraction{Kind: proto.InteractionFormSubmit, Context: map[string]any{"x": 1, "y": "two"}}
	b := &proto.UserInteraction{Kind: proto.InteractionFormSubmit, Context: map[string]any{"y": "two", "x": 1}}
	assert.Equal(t, interactionKey(a), interactionKey(b))
}
