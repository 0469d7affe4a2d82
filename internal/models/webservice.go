package models

import "fmt"

// WebserviceType is the closed set of customs declarations the core can send.
type WebserviceType string

const (
	WebserviceAnticipada     WebserviceType = "anticipada"
	WebserviceMicDta         WebserviceType = "micdta"
	WebserviceDesconsolidado WebserviceType = "desconsolidado"
	WebserviceTransbordo     WebserviceType = "transbordo"
	WebserviceManifiesto     WebserviceType = "manifiesto"
)

var allWebserviceTypes = []WebserviceType{
	WebserviceAnticipada,
	WebserviceMicDta,
	WebserviceDesconsolidado,
	WebserviceTransbordo,
	WebserviceManifiesto,
}

func WebserviceTypes() []WebserviceType {
	out := make([]WebserviceType, len(allWebserviceTypes))
	copy(out, allWebserviceTypes)
	return out
}

func ParseWebserviceType(s string) (WebserviceType, error) {
	for _, t := range allWebserviceTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown webservice type %q", s)
}

func (t WebserviceType) Valid() bool {
	_, err := ParseWebserviceType(string(t))
	return err == nil
}

// Country codes of the customs administrations a voyage can be declared to.
const (
	CountryAR = "AR"
	CountryPY = "PY"
)

// Capability is a company role that makes a set of declarations applicable.
type Capability string

const (
	CapabilityCargas         Capability = "cargas"
	CapabilityDesconsolidado Capability = "desconsolidador"
	CapabilityTransbordos    Capability = "transbordos"
)

// WebserviceRule says a capability enables a webservice type for a country.
type WebserviceRule struct {
	Capability Capability
	Country    string
	Type       WebserviceType
	Required   bool
}

// CapabilityWebservices maps company capabilities to the declarations they make applicable.
// Adding a declaration is a new row here.
var CapabilityWebservices = []WebserviceRule{
	{Capability: CapabilityCargas, Country: CountryAR, Type: WebserviceAnticipada, Required: true},
	{Capability: CapabilityCargas, Country: CountryAR, Type: WebserviceMicDta, Required: true},
	{Capability: CapabilityCargas, Country: CountryPY, Type: WebserviceManifiesto, Required: true},
	{Capability: CapabilityDesconsolidado, Country: CountryAR, Type: WebserviceDesconsolidado, Required: false},
	{Capability: CapabilityTransbordos, Country: CountryAR, Type: WebserviceTransbordo, Required: false},
	{Capability: CapabilityTransbordos, Country: CountryPY, Type: WebserviceTransbordo, Required: false},
}

// ApplicableWebservices returns the rules enabled by caps, restricted to countries when non-empty.
// A (country, type) pair enabled by several capabilities appears once; Required is OR-ed.
func ApplicableWebservices(caps []Capability, countries []string) []WebserviceRule {
	hasCap := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		hasCap[c] = true
	}
	allowCountry := make(map[string]bool, len(countries))
	for _, c := range countries {
		allowCountry[c] = true
	}

	idx := make(map[string]int)
	var out []WebserviceRule
	for _, r := range CapabilityWebservices {
		if !hasCap[r.Capability] {
			continue
		}
		if len(allowCountry) > 0 && !allowCountry[r.Country] {
			continue
		}
		k := r.Country + "|" + string(r.Type)
		if i, ok := idx[k]; ok {
			out[i].Required = out[i].Required || r.Required
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}

// IssuesTracks reports whether an accepted declaration of this type returns TRACK identifiers.
func (t WebserviceType) IssuesTracks() bool {
	return t == WebserviceAnticipada || t == WebserviceDesconsolidado
}

// ConsumesTracks reports whether the declaration presents previously issued tracks.
func (t WebserviceType) ConsumesTracks() bool { return t == WebserviceMicDta }
