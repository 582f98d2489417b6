package account

// DepartureCode records why this device last left, or never joined, the
// circle.
type DepartureCode string

const (
	DepartureNeverApplied DepartureCode = "NeverApplied"
	DepartureNeverLeft    DepartureCode = "NeverLeft"
	// DepartureWithdrew means the device left on its own: it withdrew an
	// application, removed itself, or retired.
	DepartureWithdrew DepartureCode = "Withdrew"
	// DepartureRevoked means another device removed or rejected this one.
	DepartureRevoked DepartureCode = "Revoked"
	// DepartureLeftUntrusted means the device reset its circle locally.
	DepartureLeftUntrusted DepartureCode = "LeftUntrusted"
	// DepartureLostPrivateKey means the saved identity no longer matches the
	// device key and a fresh identity was created.
	DepartureLostPrivateKey DepartureCode = "LostPrivateKey"
)

func parseDeparture(s string) DepartureCode {
	switch d := DepartureCode(s); d {
	case DepartureNeverLeft, DepartureWithdrew, DepartureRevoked, DepartureLeftUntrusted, DepartureLostPrivateKey:
		return d
	}
	return DepartureNeverApplied
}
