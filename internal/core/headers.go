package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zenrent/hmrc-connect/internal/hmrcerr"
	"github.com/zenrent/hmrc-connect/internal/metrics"
	"github.com/zenrent/hmrc-connect/internal/model"
)

// Gov-* header names mandated by HMRC's fraud prevention specification.
const (
	HdrConnectionMethod  = "Gov-Client-Connection-Method"
	HdrDeviceID          = "Gov-Client-Device-ID"
	HdrUserIDs           = "Gov-Client-User-IDs"
	HdrTimezone          = "Gov-Client-Timezone"
	HdrPublicIP          = "Gov-Client-Public-IP"
	HdrPublicPort        = "Gov-Client-Public-Port"
	HdrLocalIPs          = "Gov-Client-Local-IPs"
	HdrLocalIPsTimestamp = "Gov-Client-Local-IPs-Timestamp"
	HdrScreens           = "Gov-Client-Screens"
	HdrWindowSize        = "Gov-Client-Window-Size"
	HdrBrowserUserAgent  = "Gov-Client-Browser-JS-User-Agent"
	HdrBrowserPlugins    = "Gov-Client-Browser-Plugins"
	HdrBrowserDoNotTrack = "Gov-Client-Browser-Do-Not-Track"
	HdrVendorVersion     = "Gov-Vendor-Version"
	HdrVendorProductName = "Gov-Vendor-Product-Name"
	HdrVendorLicenseIDs  = "Gov-Vendor-License-IDs"
)

// connectionMethod: this service always proxies browser traffic.
const connectionMethod = "WEB_APP_VIA_SERVER"

// timestampFormat is the ISO-8601 instant with milliseconds and explicit
// UTC designator HMRC expects.
const timestampFormat = "2006-01-02T15:04:05.000Z"

// mandatoryHeaders must be present in every assembled set. A required field
// with no client data is emitted with its documented placeholder — omitting
// the key outright gets the whole request rejected upstream.
var mandatoryHeaders = []string{
	HdrConnectionMethod,
	HdrDeviceID,
	HdrUserIDs,
	HdrTimezone,
	HdrVendorVersion,
	HdrVendorProductName,
}

// VendorConfig is the static server-side identity merged into every header
// set after the per-client headers validate.
type VendorConfig struct {
	Name       string
	Product    string
	Version    string
	LicenseIDs string
}

// HeaderAssembler builds the mandated fraud prevention header set from the
// user's collected device profile plus server configuration, and validates
// the result against the documented formats before releasing it.
type HeaderAssembler struct {
	profiles *ClientDataService
	vendor   VendorConfig
	now      func() time.Time
}

func NewHeaderAssembler(profiles *ClientDataService, vendor VendorConfig) *HeaderAssembler {
	return &HeaderAssembler{profiles: profiles, vendor: vendor, now: time.Now}
}

// Build assembles and validates the header set for the user. Known-invalid
// output is never returned: a malformed value raises a HeaderAssemblyError
// instead.
func (a *HeaderAssembler) Build(ctx context.Context, userID string) (http.Header, error) {
	profile, publicIP, err := a.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return a.assemble(userID, profile, publicIP)
}

func (a *HeaderAssembler) assemble(userID string, p *model.ClientDeviceProfile, publicIP string) (http.Header, error) {
	h := http.Header{}

	h.Set(HdrConnectionMethod, connectionMethod)
	h.Set(HdrDeviceID, deviceIDValue(p))
	h.Set(HdrUserIDs, "vendor="+url.QueryEscape(a.vendor.Name+"-"+userID))
	h.Set(HdrTimezone, timezoneValue(p))

	if publicIP != "" {
		host, port := splitHostPort(publicIP)
		h.Set(HdrPublicIP, host)
		if port != "" {
			h.Set(HdrPublicPort, port)
		}
	}
	if len(p.LocalIPs) > 0 {
		h.Set(HdrLocalIPs, strings.Join(p.LocalIPs, ","))
		h.Set(HdrLocalIPsTimestamp, p.CollectedAt.UTC().Format(timestampFormat))
	}
	if p.Screen != nil {
		h.Set(HdrScreens, fmt.Sprintf("width=%d&height=%d&scaling-factor=%s&colour-depth=%d",
			p.Screen.Width, p.Screen.Height,
			strconv.FormatFloat(p.Screen.ScalingFactor, 'f', -1, 64), p.Screen.ColourDepth))
	}
	if p.Window != nil {
		h.Set(HdrWindowSize, fmt.Sprintf("width=%d&height=%d", p.Window.Width, p.Window.Height))
	}
	if p.UserAgent != "" {
		h.Set(HdrBrowserUserAgent, p.UserAgent)
	}
	if len(p.BrowserPlugins) > 0 {
		escaped := make([]string, len(p.BrowserPlugins))
		for i, plugin := range p.BrowserPlugins {
			escaped[i] = url.QueryEscape(plugin)
		}
		h.Set(HdrBrowserPlugins, strings.Join(escaped, ","))
	}
	h.Set(HdrBrowserDoNotTrack, strconv.FormatBool(p.DoNotTrack))

	if err := a.validate(h); err != nil {
		metrics.HeaderAssemblyFailures.Inc()
		return nil, err
	}

	// Vendor headers are static configuration, merged after the per-client
	// headers validate.
	h.Set(HdrVendorVersion, fmt.Sprintf("%s&%s&%s",
		url.QueryEscape(a.vendor.Name), url.QueryEscape(a.vendor.Product), url.QueryEscape(a.vendor.Version)))
	h.Set(HdrVendorProductName, url.QueryEscape(a.vendor.Product))
	if a.vendor.LicenseIDs != "" {
		h.Set(HdrVendorLicenseIDs, a.vendor.LicenseIDs)
	}

	for _, name := range mandatoryHeaders {
		if h.Get(name) == "" {
			return nil, hmrcerr.Header(hmrcerr.CodeMalformedHeader,
				"Required device information is incomplete. Please reload the page and try again.").
				Wrap(fmt.Errorf("mandatory header %s missing", name))
		}
	}

	return h, nil
}

// deviceIDValue renders "<type>=<uuid>". The placeholder type Browser with
// the user-scoped device id keeps the key present when the client omitted a
// device type.
func deviceIDValue(p *model.ClientDeviceProfile) string {
	deviceType := p.DeviceType
	if deviceType == "" {
		deviceType = "Browser"
	}
	return deviceType + "=" + p.DeviceID
}

func timezoneValue(p *model.ClientDeviceProfile) string {
	if p.Timezone == "" {
		// Documented placeholder when the client cannot report a zone.
		return "UTC"
	}
	return p.Timezone
}

var (
	deviceIDRe = regexp.MustCompile(`^[A-Za-z]+=[0-9a-fA-F-]{36}$`)
	timezoneRe = regexp.MustCompile(`^(UTC|[A-Za-z_]+(/[A-Za-z_+-]+)+)$`)
	screensRe  = regexp.MustCompile(`^width=\d+&height=\d+&scaling-factor=\d+(\.\d+)?&colour-depth=\d+$`)
	windowRe   = regexp.MustCompile(`^width=\d+&height=\d+$`)
)

// validate checks every emitted per-client header against its documented
// format. Failing closed here beats a silent rejection from the provider.
func (a *HeaderAssembler) validate(h http.Header) error {
	fail := func(name, reason string) error {
		return hmrcerr.Header(hmrcerr.CodeMalformedHeader,
			"Collected device information is malformed. Please reload the page and try again.").
			Wrap(fmt.Errorf("header %s: %s", name, reason))
	}

	if v := h.Get(HdrDeviceID); !deviceIDRe.MatchString(v) {
		return fail(HdrDeviceID, "expected <type>=<uuid>")
	}
	_, deviceID, _ := strings.Cut(h.Get(HdrDeviceID), "=")
	if _, err := uuid.Parse(deviceID); err != nil {
		return fail(HdrDeviceID, "device id is not a UUID")
	}
	if v := h.Get(HdrTimezone); !timezoneRe.MatchString(v) {
		return fail(HdrTimezone, "expected IANA zone or UTC")
	}
	if v := h.Get(HdrLocalIPs); v != "" {
		for _, ip := range strings.Split(v, ",") {
			if net.ParseIP(ip) == nil {
				return fail(HdrLocalIPs, "invalid IP address "+ip)
			}
		}
	}
	if v := h.Get(HdrLocalIPsTimestamp); v != "" {
		if _, err := time.Parse(timestampFormat, v); err != nil {
			return fail(HdrLocalIPsTimestamp, "invalid timestamp")
		}
	}
	if v := h.Get(HdrPublicIP); v != "" && net.ParseIP(v) == nil {
		return fail(HdrPublicIP, "invalid IP address")
	}
	if v := h.Get(HdrPublicPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 1 || port > 65535 {
			return fail(HdrPublicPort, "invalid port")
		}
	}
	if v := h.Get(HdrScreens); v != "" && !screensRe.MatchString(v) {
		return fail(HdrScreens, "expected width/height/scaling-factor/colour-depth")
	}
	if v := h.Get(HdrWindowSize); v != "" && !windowRe.MatchString(v) {
		return fail(HdrWindowSize, "expected width/height")
	}
	if v := h.Get(HdrBrowserDoNotTrack); v != "true" && v != "false" {
		return fail(HdrBrowserDoNotTrack, "expected true or false")
	}
	return nil
}

func splitHostPort(addr string) (host, port string) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return h, p
}
