package contracts

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := Errf(KindLayerLocked, "layer-1", "layer is already locked")
	assert.Equal(t, "LAYER_LOCKED [layer-1]: layer is already locked", err.Error())

	err = Errf(KindInvalidInput, "", "empty layer batch")
	assert.Equal(t, "INVALID_INPUT: empty layer batch", err.Error())
}

func TestIsKind(t *testing.T) {
	err := Errf(KindBudgetExceeded, "s1", "over budget")
	assert.True(t, IsKind(err, KindBudgetExceeded))
	assert.False(t, IsKind(err, KindSequenceViolation))

	// Works through wrapping.
	wrapped := fmt.Errorf("activate: %w", err)
	assert.True(t, IsKind(wrapped, KindBudgetExceeded))

	assert.False(t, IsKind(nil, KindBudgetExceeded))
	assert.False(t, IsKind(fmt.Errorf("plain"), KindBudgetExceeded))
}

func TestFatal(t *testing.T) {
	assert.True(t, Errf(KindConservationViolation, "s1", "identity broken").Fatal())
	assert.False(t, Errf(KindBudgetExceeded, "s1", "over budget").Fatal())
}
