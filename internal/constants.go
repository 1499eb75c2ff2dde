package internal

const (
	// Event headers attached to lifecycle queue messages.
	HeaderEventType    = "event_type"
	HeaderInstanceName = "instance_name"
	HeaderInstanceID   = "instance_id"

	// Key store modules. Physical keys are laid out as
	// <prefix>:<module>:<logical> and callers always go through the
	// key store, never through raw redis keys.
	KeyModuleIndex   = "index"   // scalar JSON session records
	KeyModuleAuth    = "auth"    // hash-shaped credential maps
	KeyModuleConnect = "connect" // connect-attempt start markers
	KeyModuleMarker  = "marker"  // transient restoration markers
)

// AuxiliaryKeyModules are the key store modules that never hold primary
// session records and are excluded when enumerating restore candidates.
var AuxiliaryKeyModules = []string{KeyModuleAuth, KeyModuleConnect, KeyModuleMarker}
