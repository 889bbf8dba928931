package message

// Stable textual error names surfaced in error-reply bodies. The numeric
// identity of an error is its name string; these must not change across
// versions.
const (
	ErrorInvalidArgs           = "org.alljoyn.Bus.Error.InvalidArgs"
	ErrorBadSignature          = "org.alljoyn.Bus.Error.BadSignature"
	ErrorRoutingNoDestination  = "org.alljoyn.Bus.Error.RoutingNoDestination"
	ErrorNameUnknown           = "org.alljoyn.Bus.Error.NameUnknown"
	ErrorNotOwner              = "org.alljoyn.Bus.Error.NotOwner"
	ErrorAlreadyOwned          = "org.alljoyn.Bus.Error.AlreadyOwned"
	ErrorInvalidAuthMechanism  = "org.alljoyn.Bus.Error.InvalidAuthMechanism"
	ErrorAuthFailed            = "org.alljoyn.Bus.Error.AuthFailed"
	ErrorAuthTimeout           = "org.alljoyn.Bus.Error.AuthTimeout"
	ErrorProtocolMismatch      = "org.alljoyn.Bus.Error.ProtocolMismatch"
	ErrorStreamClosed          = "org.alljoyn.Bus.Error.StreamClosed"
	ErrorTTLExpired            = "org.alljoyn.Bus.Error.TTLExpired"
	ErrorBusNotAllowed         = "org.alljoyn.Bus.Error.BusNotAllowed"
	ErrorTransportNotAvailable = "org.alljoyn.Bus.Error.TransportNotAvailable"
	ErrorConfigError           = "org.alljoyn.Bus.Error.ConfigError"
	ErrorShutdown              = "org.alljoyn.Bus.Error.Shutdown"
)
