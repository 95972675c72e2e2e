package httpapi

import (
	"fmt"

	"github.com/kelvins/geocoder"
)

// GoogleGeocoder resolves place names through the Google Geocoding API.
type GoogleGeocoder struct{}

// NewGoogleGeocoder configures the underlying client with the given API key.
func NewGoogleGeocoder(apiKey string) *GoogleGeocoder {
	geocoder.ApiKey = apiKey
	return &GoogleGeocoder{}
}

func (GoogleGeocoder) Geocode(city, country string) (float64, float64, error) {
	loc, err := geocoder.Geocoding(geocoder.Address{City: city, Country: country})
	if err != nil {
		return 0, 0, fmt.Errorf("geocode %s, %s: %w", city, country, err)
	}
	return loc.Latitude, loc.Longitude, nil
}
