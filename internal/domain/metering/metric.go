package metering

// Service identifies a billed product line (e.g. "cash-flow")
type Service string

// String returns the string representation of Service
func (s Service) String() string {
	return string(s)
}

// IsValid returns true if the service identifier is well-formed
func (s Service) IsValid() bool {
	return s != ""
}

// MetricName identifies a countable, rate-limited action within a service
type MetricName string

// String returns the string representation of MetricName
func (m MetricName) String() string {
	return string(m)
}

// IsValid returns true if the metric identifier is well-formed
func (m MetricName) IsValid() bool {
	return m != ""
}

// Cadence describes how often a metric's counter resets
type Cadence string

const (
	// CadenceDaily resets at midnight UTC
	CadenceDaily Cadence = "DAILY"

	// CadenceMonthly resets on the first instant of each month, UTC
	CadenceMonthly Cadence = "MONTHLY"

	// CadenceNever accumulates for the lifetime of the account
	CadenceNever Cadence = "NEVER"
)

// String returns the string representation of Cadence
func (c Cadence) String() string {
	return string(c)
}

// IsValid returns true if the cadence is valid
func (c Cadence) IsValid() bool {
	switch c {
	case CadenceDaily, CadenceMonthly, CadenceNever:
		return true
	}
	return false
}

// Metric pairs a metric name with its reset cadence
type Metric struct {
	Name    MetricName
	Cadence Cadence
}
