package meter

import (
	"math"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// NumDeciles is the number of correction buckets a sensor's working range is
// divided into. Each bucket covers one tenth of the profile capacity.
const NumDeciles = 10

// SensorProperties describes a pulse-output flow sensor.
//
// KFactor is the sensor constant relating pulse frequency to flow rate: the
// number of pulses emitted per second at a flow of one liter per minute.
// Capacity is the nominal upper end of the working range in l/min; it is
// used only to map a measured rate onto the MeterFactor table, never to cap
// readings. MeterFactor holds one multiplicative correction per decile of
// capacity, 1.0 meaning the sensor is ideal in that band.
type SensorProperties struct {
	Capacity    float64             `json:"capacity"`
	KFactor     float64             `json:"kFactor"`
	MeterFactor [NumDeciles]float64 `json:"meterFactor"`
}

// Validate reports whether the properties can produce meaningful readings.
func (p SensorProperties) Validate() error {
	if p.KFactor <= 0 {
		return pkgerrors.Errorf("k-factor must be positive, got %g", p.KFactor)
	}
	if p.Capacity <= 0 {
		return pkgerrors.Errorf("capacity must be positive, got %g l/min", p.Capacity)
	}
	for i, f := range p.MeterFactor {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return pkgerrors.Errorf("meter factor for decile %d must be a finite non-negative number, got %g", i, f)
		}
	}
	return nil
}

// decile maps a flow rate onto the MeterFactor table. Rates at or above
// capacity land in the highest bucket, negative or degenerate input in the
// lowest.
func (p SensorProperties) decile(rate float64) int {
	if p.Capacity <= 0 || rate <= 0 {
		return 0
	}
	d := int(math.Floor(NumDeciles * rate / p.Capacity))
	if d < 0 {
		return 0
	}
	if d >= NumDeciles {
		return NumDeciles - 1
	}
	return d
}

// ClampDecile clamps an arbitrary index into the valid decile range [0, 9].
func ClampDecile(decile int) int {
	if decile < 0 {
		return 0
	}
	if decile >= NumDeciles {
		return NumDeciles - 1
	}
	return decile
}

func unityFactors() [NumDeciles]float64 {
	return [NumDeciles]float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
}

// Reference profiles for common hall-effect flow sensors. Values are factory
// nominals with unity correction: starting points for calibration, not
// calibrated profiles. Each call returns a fresh copy, so callers can edit
// the result freely.

// Uncalibrated is a neutral profile for sensors without a datasheet.
func Uncalibrated() SensorProperties {
	return SensorProperties{Capacity: 60, KFactor: 5, MeterFactor: unityFactors()}
}

// FS300A is the nominal profile of the Sea YF-S201/FS300A family.
func FS300A() SensorProperties {
	return SensorProperties{Capacity: 60, KFactor: 5.5, MeterFactor: unityFactors()}
}

// FS400A is the nominal profile of the FS400A/YF-G1 family. It is the
// default sensor assumed when no profile is configured.
func FS400A() SensorProperties {
	return SensorProperties{Capacity: 60, KFactor: 4.8, MeterFactor: unityFactors()}
}

// SensorByName resolves a named reference profile. Names are matched
// case-insensitively.
func SensorByName(name string) (SensorProperties, bool) {
	switch strings.ToLower(name) {
	case "uncalibrated":
		return Uncalibrated(), true
	case "fs300a", "yf-s201":
		return FS300A(), true
	case "fs400a", "yf-g1":
		return FS400A(), true
	}
	return SensorProperties{}, false
}

// SensorNames lists the canonical names accepted by SensorByName.
func SensorNames() []string {
	return []string{"uncalibrated", "fs300a", "fs400a"}
}
