package ais

// ShipTypeFishing is the category that marks a vessel as a fishing vessel.
const ShipTypeFishing = "Fishing"

// ShipTypeCategory maps the numeric ship and cargo type of a static report to
// a category. Codes that carry no category, including 0 (not available),
// return the empty string.
func ShipTypeCategory(code int) string {
	switch {
	case code >= 20 && code <= 29:
		return "Wing in ground"
	case code == 30:
		return ShipTypeFishing
	case code == 31 || code == 32:
		return "Towing"
	case code == 33:
		return "Dredging"
	case code == 34:
		return "Diving"
	case code == 35:
		return "Military"
	case code == 36:
		return "Sailing"
	case code == 37:
		return "Pleasure craft"
	case code >= 40 && code <= 49:
		return "High speed craft"
	case code == 50:
		return "Pilot vessel"
	case code == 51:
		return "Search and rescue"
	case code == 52:
		return "Tug"
	case code == 53:
		return "Port tender"
	case code == 54:
		return "Anti-pollution"
	case code == 55:
		return "Law enforcement"
	case code == 58:
		return "Medical transport"
	case code == 59:
		return "Noncombatant"
	case code >= 60 && code <= 69:
		return "Passenger"
	case code >= 70 && code <= 79:
		return "Cargo"
	case code >= 80 && code <= 89:
		return "Tanker"
	case code >= 90 && code <= 99:
		return "Other"
	default:
		return ""
	}
}
