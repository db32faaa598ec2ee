// Package geoip resolves client IP addresses to a country and city using an
// MMDB database (MaxMind GeoLite2, DB-IP Lite or IP2Location LITE).
//
// A missing database disables lookups without failing startup:
//
//	reader, err := geoip.NewReader(os.Getenv("GEOIP_MMDB_PATH"))
//	if err != nil {
//	    return err
//	}
//	defer reader.Close()
//	loc := reader.Lookup("203.0.113.9") // nil when unknown
package geoip

import (
	"errors"
	"io/fs"
	"net"
	"path/filepath"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoData contains geolocation information for an IP address
type GeoData struct {
	CountryCode string  `json:"country_code,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
}

// Reader provides IP geolocation lookups using MMDB databases.
// A nil *Reader is valid and resolves nothing.
type Reader struct {
	db       *geoip2.Reader
	provider string
	dbPath   string
}

// NewReader opens an MMDB file.
//
// Returns nil, nil when the path is empty or the file doesn't exist.
func NewReader(mmdbPath string) (*Reader, error) {
	if mmdbPath == "" {
		return nil, nil
	}

	db, err := geoip2.Open(mmdbPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	return &Reader{
		db:       db,
		provider: detectProvider(mmdbPath),
		dbPath:   mmdbPath,
	}, nil
}

func detectProvider(mmdbPath string) string {
	filename := strings.ToLower(filepath.Base(mmdbPath))
	switch {
	case strings.Contains(filename, "geolite2") || strings.Contains(filename, "maxmind"):
		return "maxmind"
	case strings.Contains(filename, "dbip") || strings.Contains(filename, "db-ip"):
		return "dbip"
	case strings.Contains(filename, "ip2location"):
		return "ip2location"
	default:
		return "unknown"
	}
}

// Lookup returns nil when no database is loaded, the address is invalid,
// private, or not present in the database.
func (r *Reader) Lookup(ipStr string) *GeoData {
	if r == nil || r.db == nil {
		return nil
	}
	ip := parseClientIP(ipStr)
	if ip == nil || isPrivateIP(ip) {
		return nil
	}

	record, err := r.db.City(ip)
	if err != nil {
		return nil
	}

	geoData := &GeoData{
		CountryCode: record.Country.IsoCode,
		CountryName: record.Country.Names["en"],
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}
	if geoData.CountryCode == "" && geoData.City == "" {
		return nil
	}
	return geoData
}

// parseClientIP accepts a bare address or "ip:port".
func parseClientIP(raw string) net.IP {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	return net.ParseIP(raw)
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified()
}

// Provider returns the detected provider name
func (r *Reader) Provider() string {
	if r == nil {
		return "none"
	}
	return r.provider
}

// DatabasePath returns the path of the loaded database file
func (r *Reader) DatabasePath() string {
	if r == nil {
		return ""
	}
	return r.dbPath
}

// IsLoaded reports whether a database is open
func (r *Reader) IsLoaded() bool {
	return r != nil && r.db != nil
}

// Close closes the underlying database
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
