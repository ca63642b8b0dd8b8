package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/openaem/internal/analytics"
	"github.com/patrickwarner/openaem/internal/geoip"
)

// ResolveDevice derives the device of a request from its User-Agent and
// client address. Fields set in override win.
func (s *Server) ResolveDevice(r *http.Request, override *analytics.Device) analytics.Device {
	d := DeviceFromUA(r.UserAgent())
	if s.GeoIP != nil {
		d.Country = s.GeoIP.Country(geoip.ClientIP(r))
	}
	if override != nil {
		if override.OS != "" {
			d.OS = override.OS
			d.OSVersion = override.OSVersion
		}
		if override.Country != "" {
			d.Country = override.Country
		}
	}
	return d
}

// DeviceFromUA parses a User-Agent into OS name and version using
// uasurfer. Unknown agents yield an empty device.
func DeviceFromUA(ua string) analytics.Device {
	if ua == "" {
		return analytics.Device{}
	}
	u := uasurfer.Parse(ua)
	var name string
	switch u.OS.Name {
	case uasurfer.OSiOS:
		name = "iOS"
		if u.DeviceType == uasurfer.DeviceTablet {
			name = "iPadOS"
		}
	case uasurfer.OSAndroid:
		name = "Android"
	case uasurfer.OSMacOSX:
		name = "macOS"
	case uasurfer.OSUnknown:
		return analytics.Device{}
	default:
		name = strings.TrimPrefix(u.OS.Name.String(), "OS")
	}
	v := u.OS.Version
	version := fmt.Sprintf("%d.%d", v.Major, v.Minor)
	if v.Patch > 0 {
		version = fmt.Sprintf("%s.%d", version, v.Patch)
	}
	return analytics.Device{OS: name, OSVersion: version}
}
