package domain

// Arm identifies one of the two fixed experiment arms. The closed enum rules
// out the silently-created third arm that loosely-keyed maps allow.
type Arm int

const (
	// ArmUnspecified represents an invalid arm value.
	ArmUnspecified Arm = iota
	// ArmControl is the baseline arm.
	ArmControl
	// ArmVariant is the challenger arm.
	ArmVariant
)

func (a Arm) String() string {
	switch a {
	case ArmControl:
		return "control"
	case ArmVariant:
		return "variant"
	default:
		return "unspecified"
	}
}

// ParseArm maps a stored arm label to the enum. Unknown labels map to
// ArmUnspecified.
func ParseArm(value string) Arm {
	switch value {
	case "control":
		return ArmControl
	case "variant":
		return ArmVariant
	default:
		return ArmUnspecified
	}
}
