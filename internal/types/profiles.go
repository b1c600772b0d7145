package types

// Destination identifies a routing target for a classified request
type Destination string

const (
	GeneralMedicine Destination = "general-medicine"
	Pharmacy        Destination = "pharmacy"
	Radiology       Destination = "radiology"

	// DestinationError tags responses that never reached a processor
	DestinationError Destination = "error"
)

// DefaultDestination receives everything the classifier cannot place
const DefaultDestination = GeneralMedicine

// Delivery selects how a processor hands its final response back to the caller
type Delivery string

const (
	// DeliverDirect replies to the caller from the processor itself
	DeliverDirect Delivery = "direct"
	// DeliverViaLogSink hands the reply capability to the log sink, which logs and relays
	DeliverViaLogSink Delivery = "log_sink_relay"
)

// Profile holds the per-destination text a processor needs
type Profile struct {
	Destination Destination `json:"destination" yaml:"destination"`
	DisplayName string      `json:"display_name" yaml:"display_name"`
	Context     string      `json:"context" yaml:"context"`
	Fallback    string      `json:"fallback" yaml:"fallback"`
	Delivery    Delivery    `json:"delivery" yaml:"delivery"`
}

const (
	generalContext = "You are a helpful medical information assistant. Provide general health information, " +
		"explain symptoms and conditions, and offer general wellness advice. Always emphasize the importance " +
		"of consulting with healthcare professionals for proper medical diagnosis and treatment, especially " +
		"for serious or persistent symptoms."

	pharmacyContext = "You are a knowledgeable pharmacy assistant. Provide accurate information about medications, " +
		"dosages, side effects, drug interactions, and general pharmaceutical advice. Always emphasize the " +
		"importance of consulting with pharmacists or healthcare providers for medication decisions and never " +
		"recommend stopping prescribed medications without medical supervision."

	radiologyContext = "You are a helpful radiology information assistant. Provide information about medical imaging " +
		"procedures, what they detect, preparation requirements, and general information about X-rays, CT scans, " +
		"MRIs, ultrasounds, and other imaging techniques. Always emphasize that only qualified radiologists and " +
		"healthcare providers can interpret imaging results and provide medical diagnoses."
)

// DefaultProfiles returns the built-in department profiles in routing order
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Destination: GeneralMedicine,
			DisplayName: "General Medicine Department",
			Context:     generalContext,
			Fallback:    "I apologize, but I'm having trouble processing your request right now. Please try again later.",
			Delivery:    DeliverDirect,
		},
		{
			Destination: Pharmacy,
			DisplayName: "Pharmacy Department",
			Context:     pharmacyContext,
			Fallback:    "I apologize, but I'm having trouble accessing medication information right now. Please consult with a pharmacist.",
			Delivery:    DeliverViaLogSink,
		},
		{
			Destination: Radiology,
			DisplayName: "Radiology Department",
			Context:     radiologyContext,
			Fallback:    "I apologize, but I'm having trouble accessing radiology information right now. Please consult with a radiologist or your healthcare provider.",
			Delivery:    DeliverDirect,
		},
	}
}

// DisplayName returns the human name of a destination
func DisplayName(d Destination) string {
	for _, p := range DefaultProfiles() {
		if p.Destination == d {
			return p.DisplayName
		}
	}
	return "Unknown Department"
}

// AllDestinations lists the routable destinations
func AllDestinations() []Destination {
	return []Destination{GeneralMedicine, Pharmacy, Radiology}
}
