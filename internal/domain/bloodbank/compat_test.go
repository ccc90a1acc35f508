package bloodbank

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedCellCompatible(t *testing.T) {
	tests := []struct {
		recipient, donor BloodGroup
		want             bool
	}{
		{GroupABPos, GroupONeg, true},
		{GroupABPos, GroupBPos, true},
		{GroupONeg, GroupONeg, true},
		{GroupONeg, GroupOPos, false},
		{GroupAPos, GroupBPos, false},
		{GroupANeg, GroupAPos, false},
		{GroupAPos, GroupANeg, true},
		{GroupBNeg, GroupONeg, true},
		{GroupOPos, GroupAPos, false},
		{GroupABNeg, GroupABPos, false},
		{"", GroupONeg, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RedCellCompatible(tt.recipient, tt.donor), "%s <- %s", tt.recipient, tt.donor)
	}
}

func TestPlasmaCompatible(t *testing.T) {
	assert.True(t, PlasmaCompatible(GroupOPos, GroupABNeg))
	assert.True(t, PlasmaCompatible(GroupONeg, GroupAPos))
	assert.True(t, PlasmaCompatible(GroupANeg, GroupABPos))
	assert.False(t, PlasmaCompatible(GroupAPos, GroupONeg))
	assert.False(t, PlasmaCompatible(GroupABPos, GroupAPos))
}

func TestCompatible_ByComponent(t *testing.T) {
	assert.False(t, Compatible(ComponentPRBC, GroupOPos, GroupABPos))
	assert.True(t, Compatible(ComponentFFP, GroupOPos, GroupABPos))
	assert.True(t, Compatible(ComponentCryo, GroupBNeg, GroupABNeg))
	assert.True(t, Compatible(ComponentPlateletSDP, GroupONeg, GroupABPos))
	assert.False(t, Compatible(ComponentPlateletRDP, GroupONeg, ""))
	assert.False(t, Compatible(ComponentWholeBlood, GroupANeg, GroupAPos))
}

func TestEmergencyGroups(t *testing.T) {
	assert.Equal(t, []BloodGroup{GroupONeg}, EmergencyGroups(ComponentPRBC, ""))
	assert.Equal(t, []BloodGroup{GroupABNeg, GroupABPos}, EmergencyGroups(ComponentFFP, "UNKNOWN"))
	assert.Equal(t, AllBloodGroups, EmergencyGroups(ComponentPlateletSDP, ""))

	assert.ElementsMatch(t, []BloodGroup{GroupONeg, GroupANeg}, EmergencyGroups(ComponentPRBC, GroupANeg))
	assert.ElementsMatch(t, []BloodGroup{GroupONeg, GroupOPos, GroupBNeg, GroupBPos}, EmergencyGroups(ComponentPRBC, GroupBPos))
	assert.ElementsMatch(t, []BloodGroup{GroupANeg, GroupAPos, GroupABNeg, GroupABPos}, EmergencyGroups(ComponentFFP, GroupAPos))
}
