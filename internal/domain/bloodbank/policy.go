package bloodbank

import (
	"time"
)

// MandatoryTTITests must each have a verified NON_REACTIVE latest result
// before a unit can be labelled, cross-matched or issued.
var MandatoryTTITests = []string{"HIV", "HBsAg", "HCV", "Syphilis", "Malaria"}

// Policy holds the time windows and limits the engine enforces at read time.
type Policy struct {
	CrossMatchValidity   time.Duration
	ReturnWindow         time.Duration
	SeparationAlertAfter time.Duration
	ShortfallSample      int
}

func DefaultPolicy() Policy {
	return Policy{
		CrossMatchValidity:   72 * time.Hour,
		ReturnWindow:         4 * time.Hour,
		SeparationAlertAfter: 6 * time.Hour,
		ShortfallSample:      8,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.CrossMatchValidity <= 0 {
		p.CrossMatchValidity = d.CrossMatchValidity
	}
	if p.ReturnWindow <= 0 {
		p.ReturnWindow = d.ReturnWindow
	}
	if p.SeparationAlertAfter <= 0 {
		p.SeparationAlertAfter = d.SeparationAlertAfter
	}
	if p.ShortfallSample <= 0 {
		p.ShortfallSample = d.ShortfallSample
	}
	return p
}
