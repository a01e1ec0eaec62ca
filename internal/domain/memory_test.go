package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCharacterValidRequiresWorldContradictionAndLimit(t *testing.T) {
	c := Character{WorldID: "w1", Contradictions: []string{"loyal but self-serving"}, CognitiveLimits: []string{"can't perceive betrayal"}, EvolutionCapacity: 0.5}
	require.NoError(t, c.Valid())

	noWorld := c
	noWorld.WorldID = ""
	require.Error(t, noWorld.Valid())

	noContradiction := c
	noContradiction.Contradictions = nil
	require.Error(t, noContradiction.Valid())

	badCapacity := c
	badCapacity.EvolutionCapacity = 1.5
	require.Error(t, badCapacity.Valid())
}
