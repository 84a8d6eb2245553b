package server

// Request types for the HTTP control API with validation tags.
// These types define the expected input for each endpoint and use
// go-playground/validator struct tags for automatic validation.

// --- Recording ---

// StartRequest is the request body for POST /api/recording/start.
// Device indices refer to the catalog listings; -1 selects the system
// default and an absent index leaves that role unused. Without any index
// the configured devices are used.
type StartRequest struct {
	CaptureIndex *int   `json:"capture_index" validate:"omitempty,gte=-1"`
	RenderIndex  *int   `json:"render_index" validate:"omitempty,gte=-1"`
	OutputDir    string `json:"output_dir" validate:"omitempty,max=4096"`
}

// HasDevices reports whether the request selects any device.
func (r *StartRequest) HasDevices() bool {
	return r.CaptureIndex != nil || r.RenderIndex != nil
}

// --- Channels ---

// VolumeRequest is the request body for POST /api/channels/{index}/volume.
type VolumeRequest struct {
	Volume *float64 `json:"volume" validate:"required,gte=0,lte=2"`
}

// MuteRequest is the request body for POST /api/channels/{index}/mute.
type MuteRequest struct {
	Mute *bool `json:"mute" validate:"required"`
}
