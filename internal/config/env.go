package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig          = "TOLINO_SYNC_CONFIG"
	EnvCalibreBaseURL  = "CALIBRE_BASE_URL"
	EnvCalibreLibrary  = "CALIBRE_LIBRARY_ID"
	EnvCalibreUsername = "CALIBRE_USERNAME"
	EnvCalibrePassword = "CALIBRE_PASSWORD"
	EnvPartnerID       = "TOLINO_PARTNER_ID"
	EnvLoginMode       = "TOLINO_LOGIN_MODE"
	EnvHardwareID      = "TOLINO_HARDWARE_ID"
	EnvRefreshToken    = "TOLINO_REFRESH_TOKEN"
	EnvTolinoUsername  = "TOLINO_USERNAME"
	EnvTolinoPassword  = "TOLINO_PASSWORD"
	EnvStateFile       = "SYNC_STATE_FILE"
	EnvStagingDir      = "SYNC_DOWNLOAD_DIR"
	EnvEnableDeletions = "SYNC_ENABLE_DELETIONS"
	EnvUploadCovers    = "SYNC_UPLOAD_COVERS"
)

// EnvOverrides holds raw values read from environment variables. Empty means
// unset. Numeric and boolean values are parsed when applied, so a malformed
// value surfaces as a resolve error naming the variable.
type EnvOverrides struct {
	ConfigPath      string
	CalibreBaseURL  string
	CalibreLibrary  string
	CalibreUsername string
	CalibrePassword string
	PartnerID       string
	LoginMode       string
	HardwareID      string
	RefreshToken    string
	TolinoUsername  string
	TolinoPassword  string
	StateFile       string
	StagingDir      string
	EnableDeletions string
	UploadCovers    string
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies them.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:      os.Getenv(EnvConfig),
		CalibreBaseURL:  os.Getenv(EnvCalibreBaseURL),
		CalibreLibrary:  os.Getenv(EnvCalibreLibrary),
		CalibreUsername: os.Getenv(EnvCalibreUsername),
		CalibrePassword: os.Getenv(EnvCalibrePassword),
		PartnerID:       os.Getenv(EnvPartnerID),
		LoginMode:       os.Getenv(EnvLoginMode),
		HardwareID:      os.Getenv(EnvHardwareID),
		RefreshToken:    os.Getenv(EnvRefreshToken),
		TolinoUsername:  os.Getenv(EnvTolinoUsername),
		TolinoPassword:  os.Getenv(EnvTolinoPassword),
		StateFile:       os.Getenv(EnvStateFile),
		StagingDir:      os.Getenv(EnvStagingDir),
		EnableDeletions: os.Getenv(EnvEnableDeletions),
		UploadCovers:    os.Getenv(EnvUploadCovers),
	}
}
