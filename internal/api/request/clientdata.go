package request

import "github.com/zenrent/hmrc-connect/internal/model"

// PutClientData carries the browser-collected device profile. The public IP
// is deliberately absent: the server observes it from the connection.
type PutClientData struct {
	DeviceID       string             `json:"device_id" validate:"required,uuid4"`
	DeviceType     string             `json:"device_type" validate:"omitempty,oneof=Browser Desktop Mobile"`
	UserAgent      string             `json:"user_agent" validate:"omitempty,max=512"`
	Timezone       string             `json:"timezone" validate:"omitempty,max=64"`
	LocalIPs       []string           `json:"local_ips" validate:"omitempty,dive,ip"`
	Screen         *model.ScreenInfo  `json:"screen"`
	Window         *model.WindowSize  `json:"window"`
	BrowserPlugins []string           `json:"browser_plugins" validate:"omitempty,dive,max=128"`
	DoNotTrack     bool               `json:"do_not_track"`
}

// Profile converts the request into the stored model.
func (r *PutClientData) Profile() *model.ClientDeviceProfile {
	return &model.ClientDeviceProfile{
		DeviceID:       r.DeviceID,
		DeviceType:     r.DeviceType,
		UserAgent:      r.UserAgent,
		Timezone:       r.Timezone,
		LocalIPs:       r.LocalIPs,
		Screen:         r.Screen,
		Window:         r.Window,
		BrowserPlugins: r.BrowserPlugins,
		DoNotTrack:     r.DoNotTrack,
	}
}
