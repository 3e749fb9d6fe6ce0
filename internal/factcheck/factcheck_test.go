package factcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ent0n29/perspectra/internal/persona"
)

func TestNeedsCheckIsCaseInsensitive(t *testing.T) {
	assert.True(t, NeedsCheck("The GROWTH RATE is slowing"))
	assert.True(t, NeedsCheck("According To the board"))
	assert.False(t, NeedsCheck("I just feel good about it"))
}

func TestContainsClaimsOnlyScansRecentWindow(t *testing.T) {
	old := []string{"a billion users", "fine", "okay", "sure"}
	assert.False(t, ContainsClaims(old))
	assert.True(t, ContainsClaims(append(old, "studies show otherwise")))
	assert.False(t, ContainsClaims(nil))
}

func TestShouldVerifyModeratorOnly(t *testing.T) {
	topic := "What percentage of savings should I invest?"
	assert.True(t, ShouldVerify(persona.Moderator, topic, nil))
	assert.False(t, ShouldVerify(persona.System1, topic, nil))
	assert.False(t, ShouldVerify(persona.Moderator, "Should I move?", []string{"sounds nice"}))
	assert.True(t, ShouldVerify(persona.Moderator, "Should I move?", []string{"latest data says rents rise"}))
}
