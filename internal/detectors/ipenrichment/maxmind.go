package ipenrichment

import (
	"net"

	"github.com/oschwald/maxminddb-golang"

	"github.com/flowwatch/flowwatch/internal/ports"
)

// asnRecord mirrors the fields MaxMind's GeoLite2-ASN database
// exposes per lookup.
type asnRecord struct {
	AutonomousSystemOrganization string `maxminddb:"autonomous_system_organization"`
}

// MaxMindLookup resolves ASN organization names from an offline
// GeoLite2-ASN database file.
type MaxMindLookup struct {
	db *maxminddb.Reader
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindLookup, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &MaxMindLookup{db: db}, nil
}

func (m *MaxMindLookup) Lookup(ip string) (string, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", false
	}
	var rec asnRecord
	if err := m.db.Lookup(parsed, &rec); err != nil || rec.AutonomousSystemOrganization == "" {
		return "", false
	}
	return rec.AutonomousSystemOrganization, true
}

func (m *MaxMindLookup) Close() error {
	return m.db.Close()
}

var _ ports.AsnLookup = (*MaxMindLookup)(nil)
