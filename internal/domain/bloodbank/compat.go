package bloodbank

// abo splits a group into its ABO antigens and Rh(D).
func abo(g BloodGroup) (a, b, rhPos bool) {
	switch g {
	case GroupAPos:
		return true, false, true
	case GroupANeg:
		return true, false, false
	case GroupBPos:
		return false, true, true
	case GroupBNeg:
		return false, true, false
	case GroupABPos:
		return true, true, true
	case GroupABNeg:
		return true, true, false
	case GroupOPos:
		return false, false, true
	default:
		return false, false, false
	}
}

// RedCellCompatible reports whether red cells from donor may be given to
// recipient. O_NEG is the universal donor and AB_POS the universal recipient;
// Rh-negative recipients never receive Rh-positive cells.
func RedCellCompatible(recipient, donor BloodGroup) bool {
	if !recipient.Valid() || !donor.Valid() {
		return false
	}
	ra, rb, rRh := abo(recipient)
	da, db, dRh := abo(donor)
	if da && !ra || db && !rb {
		return false
	}
	return rRh || !dRh
}

// PlasmaCompatible reports whether plasma from donor may be given to
// recipient. AB plasma is universal; Rh does not apply.
func PlasmaCompatible(recipient, donor BloodGroup) bool {
	if !recipient.Valid() || !donor.Valid() {
		return false
	}
	ra, rb, _ := abo(recipient)
	da, db, _ := abo(donor)
	return (!ra || da) && (!rb || db)
}

// Compatible applies the rule for the component: plasma products follow
// plasma compatibility, platelets are accepted across groups, everything else
// follows red-cell compatibility.
func Compatible(c ComponentType, recipient, donor BloodGroup) bool {
	switch {
	case c == ComponentFFP || c == ComponentCryo:
		return PlasmaCompatible(recipient, donor)
	case c.IsPlatelet():
		return recipient.Valid() && donor.Valid()
	default:
		return RedCellCompatible(recipient, donor)
	}
}

// CompatibleGroups lists donor groups acceptable for a typed recipient.
func CompatibleGroups(c ComponentType, recipient BloodGroup) []BloodGroup {
	var out []BloodGroup
	for _, g := range AllBloodGroups {
		if Compatible(c, recipient, g) {
			out = append(out, g)
		}
	}
	return out
}

// ProtocolGroups is the standing uncrossmatched protocol for an untyped
// patient: O_NEG red cells, AB plasma, platelets of any group.
func ProtocolGroups(c ComponentType) []BloodGroup {
	switch {
	case c == ComponentFFP || c == ComponentCryo:
		return []BloodGroup{GroupABNeg, GroupABPos}
	case c.IsPlatelet():
		return AllBloodGroups
	default:
		return []BloodGroup{GroupONeg}
	}
}

// EmergencyGroups picks the acceptable donor groups for an emergency release.
// An empty or invalid patient group falls back to the standing protocol.
func EmergencyGroups(c ComponentType, patient BloodGroup) []BloodGroup {
	if patient.Valid() {
		return CompatibleGroups(c, patient)
	}
	return ProtocolGroups(c)
}
