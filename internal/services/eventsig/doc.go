// Package eventsig records device signatures over event IDs and re-checks
// them against the signing device's currently published key.
package eventsig
