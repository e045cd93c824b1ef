package keys

// Capacity statuses reported on /status.
const (
	StatusOK   = "OK"
	StatusFull = "FULL"
)

// DefaultCeiling is the number of active keys above which the relay reports FULL.
const DefaultCeiling = 40

// Monitor reports load-shedding advice from the active key count. It only
// observes the registry; nothing in the upload path consults it.
//
// TODO: reject uploads while Status is FULL once clients handle a 503 from /upload.
type Monitor struct {
	Registry *Registry
	Ceiling  int
}

// Status returns StatusFull once the active count exceeds the ceiling.
func (m Monitor) Status() string {
	if m.Registry.Len() > m.Ceiling {
		return StatusFull
	}
	return StatusOK
}
