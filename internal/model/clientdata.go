package model

import "time"

// ClientDeviceProfile is the browser-collected fingerprint the fraud
// prevention headers are assembled from. It is re-collected periodically by
// the frontend; a profile older than ProfileMaxAge is treated as absent.
type ClientDeviceProfile struct {
	DeviceID       string      `json:"device_id" validate:"required,uuid4"`
	DeviceType     string      `json:"device_type" validate:"required,oneof=Browser Desktop Mobile"`
	UserAgent      string      `json:"user_agent"`
	Timezone       string      `json:"timezone"`
	LocalIPs       []string    `json:"local_ips" validate:"omitempty,dive,ip"`
	Screen         *ScreenInfo `json:"screen"`
	Window         *WindowSize `json:"window"`
	BrowserPlugins []string    `json:"browser_plugins"`
	DoNotTrack     bool        `json:"do_not_track"`
	CollectedAt    time.Time   `json:"collected_at"`
}

type ScreenInfo struct {
	Width         int     `json:"width" validate:"required,gt=0"`
	Height        int     `json:"height" validate:"required,gt=0"`
	ScalingFactor float64 `json:"scaling_factor" validate:"gt=0"`
	ColourDepth   int     `json:"colour_depth" validate:"gt=0"`
}

type WindowSize struct {
	Width  int `json:"width" validate:"required,gt=0"`
	Height int `json:"height" validate:"required,gt=0"`
}

// ProfileMaxAge is how long a collected profile stays usable before the
// frontend must re-collect it.
const ProfileMaxAge = 30 * time.Minute
