package meter

// Calibration edits a sensor profile one field at a time while keeping its
// invariants intact: the decile index is always clamped into range and
// values that would make the profile unusable are ignored instead of stored.
// Setters never fail; use SensorProperties.Validate to check a profile as a
// whole.
type Calibration struct {
	props SensorProperties
}

// NewCalibration starts editing a copy of props.
func NewCalibration(props SensorProperties) *Calibration {
	return &Calibration{props: props}
}

// SetCapacity sets the upper end of the working range in l/min.
// Non-positive values are ignored.
func (c *Calibration) SetCapacity(capacity float64) {
	if capacity <= 0 {
		return
	}
	c.props.Capacity = capacity
}

// Capacity returns the configured working-range ceiling in l/min.
func (c *Calibration) Capacity() float64 {
	return c.props.Capacity
}

// SetKFactor sets the sensor constant in pulses/s per l/min. Non-positive
// values are ignored; a zero k-factor cannot produce readings.
func (c *Calibration) SetKFactor(kFactor float64) {
	if kFactor <= 0 {
		return
	}
	c.props.KFactor = kFactor
}

// KFactor returns the configured sensor constant.
func (c *Calibration) KFactor() float64 {
	return c.props.KFactor
}

// SetMeterFactor sets the correction factor for one decile. The index is
// clamped into [0, 9]; negative factors are ignored.
func (c *Calibration) SetMeterFactor(decile int, factor float64) {
	if factor < 0 {
		return
	}
	c.props.MeterFactor[ClampDecile(decile)] = factor
}

// MeterFactor returns the correction factor for one decile. The index is
// clamped into [0, 9].
func (c *Calibration) MeterFactor(decile int) float64 {
	return c.props.MeterFactor[ClampDecile(decile)]
}

// Properties returns a value snapshot of the edited profile.
func (c *Calibration) Properties() SensorProperties {
	return c.props
}
