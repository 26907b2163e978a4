// Package entity defines the closed vocabulary shared by all pipeline
// stages: sensitive entity types, security threats, and risk levels.
package entity

// Type identifies a kind of sensitive entity. The enumeration is closed so
// detector and redactor logic stays exhaustive.
type Type int

const (
	TypeUnknown Type = iota
	TypeCreditCard
	TypeSSN
	TypeEmail
	TypePhone
	TypeAPIKey
	TypeAWSKey
	TypeCloudKey
	TypeToken
	TypeMedicalRecord
	TypeIBAN
	TypeRoutingNumber
	TypeIPAddress
	TypeMACAddress
	TypeCoordinates
	TypeGenericSecret
)

// String returns the SCREAMING_SNAKE name used in redaction tokens and
// audit payloads.
func (t Type) String() string {
	switch t {
	case TypeCreditCard:
		return "CREDIT_CARD"
	case TypeSSN:
		return "SSN"
	case TypeEmail:
		return "EMAIL"
	case TypePhone:
		return "PHONE"
	case TypeAPIKey:
		return "API_KEY"
	case TypeAWSKey:
		return "AWS_KEY"
	case TypeCloudKey:
		return "CLOUD_KEY"
	case TypeToken:
		return "TOKEN"
	case TypeMedicalRecord:
		return "MEDICAL_RECORD"
	case TypeIBAN:
		return "IBAN"
	case TypeRoutingNumber:
		return "ROUTING_NUMBER"
	case TypeIPAddress:
		return "IP_ADDRESS"
	case TypeMACAddress:
		return "MAC_ADDRESS"
	case TypeCoordinates:
		return "COORDINATES"
	case TypeGenericSecret:
		return "GENERIC_SECRET"
	default:
		return "UNKNOWN"
	}
}

// RedactionToken returns the type-specific replacement text.
func (t Type) RedactionToken() string {
	return "[" + t.String() + "_REDACTED]"
}

// Sensitivity returns the weight [0,1] this type contributes to risk.
// Payment, government-id, health and credential material are top of the
// scale; network identifiers sit lower.
func (t Type) Sensitivity() float64 {
	switch t {
	case TypeSSN, TypeCreditCard, TypeMedicalRecord:
		return 1.0
	case TypeAPIKey, TypeAWSKey, TypeCloudKey, TypeToken, TypeGenericSecret:
		return 0.95
	case TypeIBAN, TypeRoutingNumber:
		return 0.9
	case TypePhone, TypeEmail:
		return 0.9
	case TypeCoordinates:
		return 0.6
	case TypeIPAddress, TypeMACAddress:
		return 0.5
	default:
		return 0.3
	}
}

// Method records how an entity was found.
type Method int

const (
	MethodPattern Method = iota + 1
	MethodModel
)

func (m Method) String() string {
	switch m {
	case MethodPattern:
		return "pattern"
	case MethodModel:
		return "model"
	default:
		return "unspecified"
	}
}

// Strategy selects how a detected span is rewritten.
type Strategy int

const (
	StrategyToken Strategy = iota + 1
	StrategyMask
	StrategyHash
	StrategyEncrypt
)

func (s Strategy) String() string {
	switch s {
	case StrategyToken:
		return "token"
	case StrategyMask:
		return "mask"
	case StrategyHash:
		return "hash"
	case StrategyEncrypt:
		return "encrypt"
	default:
		return "unspecified"
	}
}

// Entity is one detected sensitive span. Start/End are byte offsets into
// the original text, half-open [Start, End).
type Entity struct {
	Type       Type
	Start      int
	End        int
	Confidence float64
	Method     Method
	Strategy   Strategy
	Redacted   string
}
