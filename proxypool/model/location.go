package model

// Location is the geographic metadata attached to a proxy after enrichment.
type Location struct {
	Country string `json:"country"`
	Address string `json:"address"`
}

// UnknownLocation is returned by the enricher when every provider failed.
// It is never written to the store.
var UnknownLocation = Location{Country: "unknown", Address: "unavailable"}

// LocalLocation is used for private, loopback and link-local addresses.
var LocalLocation = Location{Country: "Local", Address: "Private network"}

func (l Location) IsUnknown() bool {
	return l == UnknownLocation
}
